package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"vessel-telemetry/internal/domain"
	"vessel-telemetry/internal/storage"
)

// TargetStore implements storage.TargetRegistry using PostgreSQL.
type TargetStore struct {
	pool *Pool
}

// NewTargetStore creates a new TargetStore.
func NewTargetStore(pool *Pool) *TargetStore {
	return &TargetStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TargetRegistry = (*TargetStore)(nil)

const targetColumns = `
	id, vessel, kind, measurement, value_field, extra_fields,
	position_measurement, aggregation, instrument, depth_range
`

// Insert adds a new target. Returns ErrDuplicateKey if the ID exists.
// Used by cmd/migrate to seed the registry from the YAML catalog.
func (s *TargetStore) Insert(ctx context.Context, t *domain.Target) error {
	if t == nil || t.ID == "" {
		return storage.ErrInvalidInput
	}

	extra := t.ExtraFields
	if extra == nil {
		extra = []string{}
	}

	query := `INSERT INTO feed_targets (` + targetColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		t.ID,
		t.Vessel,
		string(t.Kind),
		t.Measurement,
		t.ValueField,
		extra,
		t.PositionMeasurement,
		string(t.Aggregation),
		t.Instrument,
		t.DepthRange,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert feed target: %w", err)
	}
	return nil
}

// GetByID retrieves a target by selector. Returns ErrNotFound if not exists.
func (s *TargetStore) GetByID(ctx context.Context, id string) (*domain.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM feed_targets WHERE id = $1`

	row := s.pool.QueryRow(ctx, query, id)
	t, err := scanTarget(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get feed target by id: %w", err)
	}
	return t, nil
}

// List returns all targets ordered by ID.
func (s *TargetStore) List(ctx context.Context) ([]*domain.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM feed_targets ORDER BY id ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list feed targets: %w", err)
	}
	defer rows.Close()

	var targets []*domain.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feed target: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feed targets: %w", err)
	}

	return targets, nil
}

// scanTarget scans a single row into a Target.
func scanTarget(row pgx.Row) (*domain.Target, error) {
	var t domain.Target
	var kind, aggregation string

	err := row.Scan(
		&t.ID,
		&t.Vessel,
		&kind,
		&t.Measurement,
		&t.ValueField,
		&t.ExtraFields,
		&t.PositionMeasurement,
		&aggregation,
		&t.Instrument,
		&t.DepthRange,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = domain.FeedKind(kind)
	t.Aggregation = domain.Aggregation(aggregation)
	if len(t.ExtraFields) == 0 {
		t.ExtraFields = nil
	}
	return &t, nil
}
