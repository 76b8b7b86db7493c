package discovery

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/tasknet/errors"
)

// ErrLocationNotFound is returned when a location id has no stored row.
var ErrLocationNotFound = errors.Mark(errors.New("network location not found"), errors.ErrNotFound)

// Store persists network locations
type Store struct {
	db *sql.DB
}

// NewStore creates a location store over db
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const locationColumns = `
	id, base_url, nickname, application, device_id, device_name,
	kolibri_version, operating_system, subset_of_users_device,
	available, connection_status, added, last_accessed
`

// Upsert stores a location keyed by base URL. An existing row keeps its id,
// nickname and added time; everything the probe reports is replaced.
func (s *Store) Upsert(ctx context.Context, loc *NetworkLocation) (*NetworkLocation, error) {
	if loc.ID == "" {
		loc.ID = uuid.NewString()
	}
	if loc.Added.IsZero() {
		loc.Added = time.Now().UTC()
	}
	if loc.ConnectionStatus == "" {
		loc.ConnectionStatus = StatusUnknown
	}

	query := `
		INSERT INTO network_locations (` + locationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(base_url) DO UPDATE SET
			application = excluded.application,
			device_id = excluded.device_id,
			device_name = excluded.device_name,
			kolibri_version = excluded.kolibri_version,
			operating_system = excluded.operating_system,
			subset_of_users_device = excluded.subset_of_users_device,
			available = excluded.available,
			connection_status = excluded.connection_status,
			last_accessed = excluded.last_accessed
	`
	_, err := s.db.ExecContext(ctx, query,
		loc.ID,
		loc.BaseURL,
		loc.Nickname,
		loc.Application,
		loc.DeviceID,
		loc.DeviceName,
		loc.KolibriVersion,
		loc.OperatingSystem,
		loc.SubsetOfUsersDevice,
		loc.Available,
		loc.ConnectionStatus,
		loc.Added.UTC(),
		nullTime(loc.LastAccessed),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to save network location %s", loc.BaseURL)
	}
	return s.GetByBaseURL(ctx, loc.BaseURL)
}

// Get returns a location by id
func (s *Store) Get(ctx context.Context, id string) (*NetworkLocation, error) {
	loc, err := scanLocation(s.db.QueryRowContext(ctx,
		`SELECT `+locationColumns+` FROM network_locations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrLocationNotFound, "%s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get network location %s", id)
	}
	return loc, nil
}

// GetByBaseURL returns the location stored for a canonical base URL
func (s *Store) GetByBaseURL(ctx context.Context, baseURL string) (*NetworkLocation, error) {
	loc, err := scanLocation(s.db.QueryRowContext(ctx,
		`SELECT `+locationColumns+` FROM network_locations WHERE base_url = ?`, baseURL))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrLocationNotFound, "%s", baseURL)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get network location %s", baseURL)
	}
	return loc, nil
}

// List returns locations matching filter, most recently added first
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*NetworkLocation, error) {
	query := `SELECT ` + locationColumns + ` FROM network_locations WHERE 1=1`
	var args []interface{}
	if filter.SubsetOfUsersDevice != nil {
		query += ` AND subset_of_users_device = ?`
		args = append(args, *filter.SubsetOfUsersDevice)
	}
	if filter.Available != nil {
		query += ` AND available = ?`
		args = append(args, *filter.Available)
	}
	query += ` ORDER BY added DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list network locations")
	}
	defer rows.Close()

	locations := []*NetworkLocation{}
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan network location")
		}
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate network locations")
	}
	return locations, nil
}

// UpdateAvailability records the outcome of a re-probe
func (s *Store) UpdateAvailability(ctx context.Context, id string, available bool, status string, accessed time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE network_locations
		SET available = ?, connection_status = ?, last_accessed = ?
		WHERE id = ?
	`, available, status, accessed.UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update availability of %s", id)
	}
	return requireRow(result, id)
}

// Delete removes a location
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM network_locations WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete network location %s", id)
	}
	return requireRow(result, id)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLocation(row rowScanner) (*NetworkLocation, error) {
	var loc NetworkLocation
	var lastAccessed sql.NullTime
	err := row.Scan(
		&loc.ID,
		&loc.BaseURL,
		&loc.Nickname,
		&loc.Application,
		&loc.DeviceID,
		&loc.DeviceName,
		&loc.KolibriVersion,
		&loc.OperatingSystem,
		&loc.SubsetOfUsersDevice,
		&loc.Available,
		&loc.ConnectionStatus,
		&loc.Added,
		&lastAccessed,
	)
	if err != nil {
		return nil, err
	}
	loc.Added = loc.Added.UTC()
	if lastAccessed.Valid {
		t := lastAccessed.Time.UTC()
		loc.LastAccessed = &t
	}
	return &loc, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func requireRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrLocationNotFound, "%s", id)
	}
	return nil
}
