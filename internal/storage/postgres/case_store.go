package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/court-records-scraper/internal/court"
)

const uniqueViolation = "23505"

// CaseStore implements court.CaseRepository with one table per category.
type CaseStore struct {
	pool   Pool
	ids    court.IDGenerator
	tables map[court.Category]tableSpec
}

// NewCaseStore builds a CaseStore. Missing entries in tables fall back to
// DefaultTables.
func NewCaseStore(pool Pool, ids court.IDGenerator, tables map[court.Category]string) (*CaseStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	specs := make(map[court.Category]tableSpec, len(DefaultTables))
	for _, cat := range court.Categories() {
		name := tables[cat]
		if name == "" {
			name = DefaultTables[cat]
		}
		spec, err := specFor(cat, name)
		if err != nil {
			return nil, fmt.Errorf("%s table: %w", cat, err)
		}
		specs[cat] = spec
	}
	return &CaseStore{pool: pool, ids: ids, tables: specs}, nil
}

func (s *CaseStore) spec(cat court.Category) (tableSpec, error) {
	spec, ok := s.tables[cat]
	if !ok {
		return tableSpec{}, fmt.Errorf("%w: %q", court.ErrUnknownCategory, cat)
	}
	return spec, nil
}

// Exists reports whether a case with the natural key is stored.
func (s *CaseStore) Exists(ctx context.Context, cat court.Category, key string) (bool, error) {
	spec, err := s.spec(cat)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)", spec.table, spec.key.name)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("check case exists: %w", err)
	}
	return exists, nil
}

// Create inserts a new case. A concurrent insert of the same key turns into
// an update so the call stays idempotent.
func (s *CaseStore) Create(ctx context.Context, rec court.CaseRecord) (court.PersistedCase, error) {
	spec, err := s.spec(rec.Category)
	if err != nil {
		return court.PersistedCase{}, err
	}
	if rec.NaturalKey() == "" {
		return court.PersistedCase{}, fmt.Errorf("create case: natural key is empty")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return court.PersistedCase{}, fmt.Errorf("generate case id: %w", err)
	}

	out := court.PersistedCase{CaseRecord: rec.Normalize()}
	err = inTx(ctx, s.pool, func(tx pgx.Tx) error {
		args := append([]any{id}, spec.args(&rec)...)
		return tx.QueryRow(ctx, spec.insertSQL(), args...).Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt)
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return s.Update(ctx, rec)
	}
	if err != nil {
		return court.PersistedCase{}, fmt.Errorf("insert case: %w", err)
	}
	return out, nil
}

// Update replaces the mutable columns of an existing case, keeping its id
// and created_at.
func (s *CaseStore) Update(ctx context.Context, rec court.CaseRecord) (court.PersistedCase, error) {
	spec, err := s.spec(rec.Category)
	if err != nil {
		return court.PersistedCase{}, err
	}
	key := rec.NaturalKey()
	if key == "" {
		return court.PersistedCase{}, fmt.Errorf("update case: natural key is empty")
	}

	out := court.PersistedCase{CaseRecord: rec.Normalize()}
	err = inTx(ctx, s.pool, func(tx pgx.Tx) error {
		args := append([]any{key}, spec.args(&rec)...)
		return tx.QueryRow(ctx, spec.updateSQL(), args...).Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return court.PersistedCase{}, fmt.Errorf("update case %s: %w", key, court.ErrNotFound)
	}
	if err != nil {
		return court.PersistedCase{}, fmt.Errorf("update case: %w", err)
	}
	return out, nil
}

// Get loads one case by natural key.
func (s *CaseStore) Get(ctx context.Context, cat court.Category, key string) (court.PersistedCase, error) {
	spec, err := s.spec(cat)
	if err != nil {
		return court.PersistedCase{}, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", spec.selectList(), spec.table, spec.key.name)
	var row scanRow
	if err := s.pool.QueryRow(ctx, query, key).Scan(spec.scanTargets(&row)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return court.PersistedCase{}, fmt.Errorf("case %s: %w", key, court.ErrNotFound)
		}
		return court.PersistedCase{}, fmt.Errorf("get case: %w", err)
	}
	return row.finish(), nil
}

// List pages through cases, newest first.
func (s *CaseStore) List(ctx context.Context, cat court.Category, skip, limit int) ([]court.PersistedCase, error) {
	spec, err := s.spec(cat)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2",
		spec.selectList(), spec.table)
	rows, err := s.pool.Query(ctx, query, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	out := []court.PersistedCase{}
	for rows.Next() {
		var row scanRow
		if err := rows.Scan(spec.scanTargets(&row)...); err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		out = append(out, row.finish())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return out, nil
}

// Migrate creates the category tables when absent.
func (s *CaseStore) Migrate(ctx context.Context) error {
	for _, cat := range court.Categories() {
		spec := s.tables[cat]
		if _, err := s.pool.Exec(ctx, spec.createSQL()); err != nil {
			return fmt.Errorf("create %s: %w", spec.table, err)
		}
	}
	return nil
}
