package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/logger"
)

// ErrNoPeer is returned when no variation of an address answers as a kolibri peer.
var ErrNoPeer = errors.Mark(errors.New("no kolibri peer found at address"), errors.ErrInvalidRequest)

// Service adds and refreshes network locations
type Service struct {
	store  *Store
	prober Prober
	now    func() time.Time
	log    *zap.SugaredLogger
}

// NewService creates a discovery service
func NewService(store *Store, prober Prober, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = logger.Logger
	}
	return &Service{
		store:  store,
		prober: prober,
		now:    time.Now,
		log:    logger.AddNetSymbol(log.Named("discovery")),
	}
}

// Store returns the location store
func (s *Service) Store() *Store {
	return s.store
}

// Add probes every variation of address in order and stores the first that
// identifies as a kolibri peer under its canonical base URL.
func (s *Service) Add(ctx context.Context, address string) (*NetworkLocation, error) {
	candidates, err := URLVariations(address)
	if err != nil {
		return nil, err
	}

	var attempts []error
	for _, candidate := range candidates {
		info, err := s.prober.Probe(ctx, candidate)
		if err != nil {
			s.log.Debugw("Peer probe failed", logger.FieldBaseURL, candidate, logger.FieldError, err)
			attempts = append(attempts, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		loc := &NetworkLocation{BaseURL: candidate}
		loc.apply(info, s.now().UTC())
		stored, err := s.store.Upsert(ctx, loc)
		if err != nil {
			return nil, err
		}
		s.log.Infow("Network location added",
			logger.FieldAddress, address,
			logger.FieldBaseURL, stored.BaseURL,
			"device_name", stored.DeviceName,
			"kolibri_version", stored.KolibriVersion)
		return stored, nil
	}

	err = errors.Wrapf(ErrNoPeer, "%s", address)
	for i, attempt := range attempts {
		err = errors.WithDetail(err, fmt.Sprintf("%s: %s", candidates[i], attempt.Error()))
	}
	return nil, err
}

// List returns stored locations matching filter
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*NetworkLocation, error) {
	return s.store.List(ctx, filter)
}

// RefreshResult summarizes a refresh pass
type RefreshResult struct {
	Checked     int `json:"checked"`
	Available   int `json:"available"`
	Unavailable int `json:"unavailable"`
}

// Refresh re-probes every stored location and records its availability.
// progress, when set, is called after each location.
func (s *Service) Refresh(ctx context.Context, progress func(done, total int) error) (RefreshResult, error) {
	locations, err := s.store.List(ctx, ListFilter{})
	if err != nil {
		return RefreshResult{}, err
	}

	var result RefreshResult
	for i, loc := range locations {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		info, probeErr := s.prober.Probe(ctx, loc.BaseURL)
		now := s.now().UTC()
		if probeErr == nil {
			loc.apply(info, now)
			if _, err := s.store.Upsert(ctx, loc); err != nil {
				return result, err
			}
			result.Available++
		} else {
			if err := s.store.UpdateAvailability(ctx, loc.ID, false, statusFor(probeErr), now); err != nil {
				return result, err
			}
			result.Unavailable++
			s.log.Debugw("Network location unavailable", logger.FieldBaseURL, loc.BaseURL, logger.FieldError, probeErr)
		}
		result.Checked++

		if progress != nil {
			if err := progress(i+1, len(locations)); err != nil {
				return result, err
			}
		}
	}

	s.log.Infow("Network locations refreshed",
		logger.FieldCount, result.Checked,
		"available", result.Available,
		"unavailable", result.Unavailable)
	return result, nil
}
