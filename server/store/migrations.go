package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/uptrace/bun"
)

// Migration is one step of the schema history
type Migration interface {
	Version() int
	Name() string
	Up(ctx context.Context, tx bun.Tx) error
}

// MigrationStatus describes an applied migration
type MigrationStatus struct {
	Version   int    `json:"version"`
	Name      string `json:"name"`
	AppliedAt string `json:"applied_at"`
}

// migrations lists every schema step in order
var migrations = []Migration{
	initialSchema{},
}

type initialSchema struct{}

func (initialSchema) Version() int { return 1 }
func (initialSchema) Name() string { return "routing_and_remote_functions" }

func (initialSchema) Up(ctx context.Context, tx bun.Tx) error {
	if _, err := tx.NewCreateTable().
		Model((*RoutingRule)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return errors.New(ErrMigrationFailed, "failed to create routing_rules table", err)
	}

	if _, err := tx.NewCreateTable().
		Model((*RemoteFunction)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return errors.New(ErrMigrationFailed, "failed to create remote_functions table", err)
	}

	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_routing_rules_pair ON routing_rules(source_pattern, target_endpoint)`,
		`CREATE INDEX IF NOT EXISTS idx_routing_rules_order ON routing_rules(priority DESC, id ASC)`,
	}
	for _, stmt := range indexes {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.New(ErrMigrationFailed, "failed to create index", err).AddContext("statement", stmt)
		}
	}
	return nil
}

// migrate applies every pending migration in a single transaction
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*migrationRecord)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return errors.New(ErrMigrationFailed, "failed to create migrations table", err)
	}

	current, err := s.currentVersion(ctx)
	if err != nil {
		return err
	}

	var pending []Migration
	for _, m := range migrations {
		if m.Version() > current {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339)
		for _, m := range pending {
			s.logger.Info().Int("version", m.Version()).Str("name", m.Name()).Msg("Applying migration")
			if err := m.Up(ctx, tx); err != nil {
				return errors.AsError(err).AddContext("migration", m.Name())
			}
			record := &migrationRecord{Version: m.Version(), Name: m.Name(), AppliedAt: now}
			if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
				return errors.New(ErrMigrationFailed, "failed to record migration", err).
					AddContext("migration", m.Name())
			}
		}
		return nil
	})
}

func (s *Store) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.NewSelect().
		Model((*migrationRecord)(nil)).
		Column("version").
		Order("version DESC").
		Limit(1).
		Scan(ctx, &version)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, errors.New(ErrMigrationFailed, "failed to read schema version", err)
	}
	return version, nil
}

// MigrationStatus lists applied migrations in order
func (s *Store) MigrationStatus(ctx context.Context) ([]MigrationStatus, error) {
	var records []migrationRecord
	if err := s.db.NewSelect().
		Model(&records).
		Order("version ASC").
		Scan(ctx); err != nil {
		return nil, errors.New(ErrQueryFailed, "failed to query migrations", err)
	}

	out := make([]MigrationStatus, len(records))
	for i, r := range records {
		out[i] = MigrationStatus{Version: r.Version, Name: r.Name, AppliedAt: r.AppliedAt}
	}
	return out, nil
}
