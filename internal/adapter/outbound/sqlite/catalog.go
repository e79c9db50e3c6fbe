// Package sqlite implements the durable catalog on SQLite through
// database/sql. Every Store call runs in its own transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/qbrix/qbrix/internal/domain/catalog"
	"github.com/qbrix/qbrix/internal/domain/gate"
)

const schema = `
CREATE TABLE IF NOT EXISTS pools (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS arms (
	id        TEXT PRIMARY KEY,
	pool_id   TEXT NOT NULL REFERENCES pools(id) ON DELETE CASCADE,
	name      TEXT NOT NULL,
	arm_index INTEGER NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	metadata  TEXT NOT NULL DEFAULT '{}',
	UNIQUE (pool_id, arm_index)
);

CREATE TABLE IF NOT EXISTS experiments (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	pool_id       TEXT NOT NULL REFERENCES pools(id),
	policy        TEXT NOT NULL,
	policy_params TEXT NOT NULL DEFAULT '{}',
	enabled       INTEGER NOT NULL DEFAULT 1,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS feature_gates (
	id            TEXT PRIMARY KEY,
	experiment_id TEXT NOT NULL UNIQUE REFERENCES experiments(id) ON DELETE CASCADE,
	config        TEXT NOT NULL,
	version       INTEGER NOT NULL DEFAULT 1
);
`

// Catalog implements catalog.Store on a SQLite database.
type Catalog struct {
	db *sql.DB
}

// New opens (or creates) the catalog database at dsn and applies the
// schema. Use ":memory:" for an ephemeral test database.
func New(dsn string) (*Catalog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close releases the database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Ping verifies the database handle, for startup and health checks.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

var _ catalog.Store = (*Catalog)(nil)

func (c *Catalog) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreatePool implements catalog.Store; arm indices are assigned densely
// by position in the arms argument.
func (c *Catalog) CreatePool(ctx context.Context, name string, arms []catalog.ArmSpec) (*catalog.Pool, error) {
	now := time.Now().UTC()
	pool := &catalog.Pool{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO pools (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			pool.ID, pool.Name, now, now)
		if isUniqueViolation(err) {
			return fmt.Errorf("pool %q: %w", name, catalog.ErrDuplicateName)
		}
		if err != nil {
			return fmt.Errorf("insert pool: %w", err)
		}

		for i, spec := range arms {
			arm := catalog.Arm{
				ID:       uuid.NewString(),
				Name:     spec.Name,
				Index:    i,
				IsActive: true,
				Metadata: spec.Metadata,
			}
			md, err := json.Marshal(arm.Metadata)
			if err != nil {
				return fmt.Errorf("encode arm metadata: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO arms (id, pool_id, name, arm_index, is_active, metadata) VALUES (?, ?, ?, ?, 1, ?)`,
				arm.ID, pool.ID, arm.Name, arm.Index, string(md)); err != nil {
				return fmt.Errorf("insert arm %q: %w", arm.Name, err)
			}
			pool.Arms = append(pool.Arms, arm)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// GetPool implements catalog.Store.
func (c *Catalog) GetPool(ctx context.Context, id string) (*catalog.Pool, error) {
	pool := &catalog.Pool{ID: id}
	err := c.db.QueryRowContext(ctx,
		`SELECT name, created_at, updated_at FROM pools WHERE id = ?`, id).
		Scan(&pool.Name, &pool.CreatedAt, &pool.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", id, catalog.ErrPoolNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select pool: %w", err)
	}

	arms, err := c.poolArms(ctx, id)
	if err != nil {
		return nil, err
	}
	pool.Arms = arms
	return pool, nil
}

func (c *Catalog) poolArms(ctx context.Context, poolID string) ([]catalog.Arm, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, name, arm_index, is_active, metadata FROM arms WHERE pool_id = ? ORDER BY arm_index`,
		poolID)
	if err != nil {
		return nil, fmt.Errorf("select arms: %w", err)
	}
	defer rows.Close()

	var arms []catalog.Arm
	for rows.Next() {
		var arm catalog.Arm
		var md string
		if err := rows.Scan(&arm.ID, &arm.Name, &arm.Index, &arm.IsActive, &md); err != nil {
			return nil, fmt.Errorf("scan arm: %w", err)
		}
		if err := json.Unmarshal([]byte(md), &arm.Metadata); err != nil {
			return nil, fmt.Errorf("decode arm metadata: %w", err)
		}
		arms = append(arms, arm)
	}
	return arms, rows.Err()
}

// DeletePool implements catalog.Store.
func (c *Catalog) DeletePool(ctx context.Context, id string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		var refs int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM experiments WHERE pool_id = ?`, id).Scan(&refs); err != nil {
			return fmt.Errorf("count references: %w", err)
		}
		if refs > 0 {
			return fmt.Errorf("pool %s has %d experiments: %w", id, refs, catalog.ErrPoolInUse)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM pools WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete pool: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("pool %s: %w", id, catalog.ErrPoolNotFound)
		}
		return nil
	})
}

// ListPools implements catalog.Store.
func (c *Catalog) ListPools(ctx context.Context, limit, offset int) ([]*catalog.Pool, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at FROM pools ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("select pools: %w", err)
	}
	defer rows.Close()

	var pools []*catalog.Pool
	for rows.Next() {
		pool := &catalog.Pool{}
		if err := rows.Scan(&pool.ID, &pool.Name, &pool.CreatedAt, &pool.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		pools = append(pools, pool)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, pool := range pools {
		arms, err := c.poolArms(ctx, pool.ID)
		if err != nil {
			return nil, err
		}
		pool.Arms = arms
	}
	return pools, nil
}

// CreateExperiment implements catalog.Store. The pool reference must
// resolve; the id and timestamps are assigned here.
func (c *Catalog) CreateExperiment(ctx context.Context, exp *catalog.Experiment) (*catalog.Experiment, error) {
	now := time.Now().UTC()
	created := *exp
	created.ID = uuid.NewString()
	created.CreatedAt = now
	created.UpdatedAt = now

	params, err := json.Marshal(exp.PolicyParams)
	if err != nil {
		return nil, fmt.Errorf("encode policy params: %w", err)
	}

	err = c.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pools WHERE id = ?`, exp.PoolID).Scan(&n); err != nil {
			return fmt.Errorf("check pool: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("pool %s: %w", exp.PoolID, catalog.ErrPoolNotFound)
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO experiments (id, name, pool_id, policy, policy_params, enabled, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			created.ID, created.Name, created.PoolID, created.Policy, string(params), created.Enabled, now, now)
		if isUniqueViolation(err) {
			return fmt.Errorf("experiment %q: %w", exp.Name, catalog.ErrDuplicateName)
		}
		if err != nil {
			return fmt.Errorf("insert experiment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// GetExperiment implements catalog.Store.
func (c *Catalog) GetExperiment(ctx context.Context, id string) (*catalog.Experiment, error) {
	exp := &catalog.Experiment{ID: id}
	var params string
	err := c.db.QueryRowContext(ctx,
		`SELECT name, pool_id, policy, policy_params, enabled, created_at, updated_at
		 FROM experiments WHERE id = ?`, id).
		Scan(&exp.Name, &exp.PoolID, &exp.Policy, &params, &exp.Enabled, &exp.CreatedAt, &exp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("experiment %s: %w", id, catalog.ErrExperimentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select experiment: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &exp.PolicyParams); err != nil {
		return nil, fmt.Errorf("decode policy params: %w", err)
	}
	return exp, nil
}

// UpdateExperiment implements catalog.Store; nil update fields keep
// their current value.
func (c *Catalog) UpdateExperiment(ctx context.Context, id string, upd catalog.ExperimentUpdate) (*catalog.Experiment, error) {
	exp, err := c.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		exp.Name = *upd.Name
	}
	if upd.PolicyParams != nil {
		exp.PolicyParams = *upd.PolicyParams
	}
	if upd.Enabled != nil {
		exp.Enabled = *upd.Enabled
	}
	exp.UpdatedAt = time.Now().UTC()

	params, err := json.Marshal(exp.PolicyParams)
	if err != nil {
		return nil, fmt.Errorf("encode policy params: %w", err)
	}

	err = c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE experiments SET name = ?, policy_params = ?, enabled = ?, updated_at = ? WHERE id = ?`,
			exp.Name, string(params), exp.Enabled, exp.UpdatedAt, id)
		if isUniqueViolation(err) {
			return fmt.Errorf("experiment %q: %w", exp.Name, catalog.ErrDuplicateName)
		}
		if err != nil {
			return fmt.Errorf("update experiment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exp, nil
}

// DeleteExperiment implements catalog.Store; the gate row cascades.
func (c *Catalog) DeleteExperiment(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete experiment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("experiment %s: %w", id, catalog.ErrExperimentNotFound)
	}
	return nil
}

// ListExperiments implements catalog.Store.
func (c *Catalog) ListExperiments(ctx context.Context, limit, offset int) ([]*catalog.Experiment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, name, pool_id, policy, policy_params, enabled, created_at, updated_at
		 FROM experiments ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("select experiments: %w", err)
	}
	defer rows.Close()

	var exps []*catalog.Experiment
	for rows.Next() {
		exp := &catalog.Experiment{}
		var params string
		if err := rows.Scan(&exp.ID, &exp.Name, &exp.PoolID, &exp.Policy, &params,
			&exp.Enabled, &exp.CreatedAt, &exp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &exp.PolicyParams); err != nil {
			return nil, fmt.Errorf("decode policy params: %w", err)
		}
		exps = append(exps, exp)
	}
	return exps, rows.Err()
}

// CreateGate implements catalog.Store.
func (c *Catalog) CreateGate(ctx context.Context, cfg *gate.Config) (*gate.Config, error) {
	stored := *cfg
	stored.Version = 1
	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("encode gate config: %w", err)
	}

	err = c.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM experiments WHERE id = ?`, cfg.ExperimentID).Scan(&n); err != nil {
			return fmt.Errorf("check experiment: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("experiment %s: %w", cfg.ExperimentID, catalog.ErrExperimentNotFound)
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO feature_gates (id, experiment_id, config, version) VALUES (?, ?, ?, 1)`,
			uuid.NewString(), cfg.ExperimentID, string(data))
		if isUniqueViolation(err) {
			return fmt.Errorf("gate for %s: %w", cfg.ExperimentID, catalog.ErrDuplicateName)
		}
		if err != nil {
			return fmt.Errorf("insert gate: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetGate implements catalog.Store.
func (c *Catalog) GetGate(ctx context.Context, experimentID string) (*gate.Config, error) {
	var data string
	var version int64
	err := c.db.QueryRowContext(ctx,
		`SELECT config, version FROM feature_gates WHERE experiment_id = ?`, experimentID).
		Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("gate for %s: %w", experimentID, catalog.ErrGateNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select gate: %w", err)
	}

	var cfg gate.Config
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("decode gate config: %w", err)
	}
	cfg.Version = version
	return &cfg, nil
}

// UpdateGate implements catalog.Store; the stored version increments.
func (c *Catalog) UpdateGate(ctx context.Context, cfg *gate.Config) (*gate.Config, error) {
	current, err := c.GetGate(ctx, cfg.ExperimentID)
	if err != nil {
		return nil, err
	}

	stored := *cfg
	stored.Version = current.Version + 1
	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("encode gate config: %w", err)
	}

	err = c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE feature_gates SET config = ?, version = ? WHERE experiment_id = ?`,
			string(data), stored.Version, cfg.ExperimentID)
		if err != nil {
			return fmt.Errorf("update gate: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// DeleteGate implements catalog.Store.
func (c *Catalog) DeleteGate(ctx context.Context, experimentID string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM feature_gates WHERE experiment_id = ?`, experimentID)
	if err != nil {
		return fmt.Errorf("delete gate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("gate for %s: %w", experimentID, catalog.ErrGateNotFound)
	}
	return nil
}
