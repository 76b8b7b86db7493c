package server

import (
	"net/http"
	"strings"

	"github.com/teranos/tasknet/discovery"
	"github.com/teranos/tasknet/logger"
)

// HandleListNetworkLocations handles GET /api/discovery/networklocation/
// Optional filters: subset_of_users_device, available (true/false).
func (s *Server) HandleListNetworkLocations(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAuthenticated(w, r); !ok {
		return
	}

	var filter discovery.ListFilter
	var err error
	if filter.SubsetOfUsersDevice, err = parseBoolQueryParam(r, "subset_of_users_device"); err != nil {
		handleError(w, s.logger, err, "invalid filter")
		return
	}
	if filter.Available, err = parseBoolQueryParam(r, "available"); err != nil {
		handleError(w, s.logger, err, "invalid filter")
		return
	}

	locations, err := s.discovery.List(r.Context(), filter)
	if err != nil {
		handleError(w, s.logger, err, "failed to list network locations")
		return
	}
	writeJSON(w, http.StatusOK, locations)
}

// HandleCreateNetworkLocation handles POST /api/discovery/networklocation/
// The address is probed before anything is stored; a peer that does not
// identify as kolibri is a 400.
func (s *Server) HandleCreateNetworkLocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireSuperuser(w, r)
	if !ok {
		return
	}

	var req CreateNetworkLocationRequest
	if !readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.BaseURL) == "" {
		writeError(w, http.StatusBadRequest, "base_url is required")
		return
	}

	loc, err := s.discovery.Add(r.Context(), req.BaseURL)
	if err != nil {
		handleError(w, s.logger, err, "failed to add network location")
		return
	}

	logger.AddNetSymbol(s.logger).Infow("Network location created",
		logger.FieldActor, actor.ID,
		logger.FieldAddress, req.BaseURL,
		logger.FieldBaseURL, loc.BaseURL)
	writeJSON(w, http.StatusCreated, loc)
}

// HandleGetNetworkLocation handles GET /api/discovery/networklocation/{id}
func (s *Server) HandleGetNetworkLocation(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAuthenticated(w, r); !ok {
		return
	}
	loc, err := s.discovery.Store().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, s.logger, err, "failed to get network location")
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// HandleDeleteNetworkLocation handles DELETE /api/discovery/networklocation/{id}
func (s *Server) HandleDeleteNetworkLocation(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireSuperuser(w, r); !ok {
		return
	}
	if err := s.discovery.Store().Delete(r.Context(), r.PathValue("id")); err != nil {
		handleError(w, s.logger, err, "failed to delete network location")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
