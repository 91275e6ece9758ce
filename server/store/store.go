// Package store persists routing rules and remote function registrations
// in SQLite so a restarted process comes back with the same routing.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/ffi/types"
	"github.com/gear6io/polycall/server/protocols/bridge"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

const ComponentType = "store"

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

type Store struct {
	db     *bun.DB
	path   string
	logger zerolog.Logger
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New(errors.FFIInvalidParameters, "store path is empty", nil)
	}

	sqldb, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.New(ErrOpenFailed, "failed to open SQLite database", err).AddContext("path", path)
	}
	// one connection keeps an in-memory database alive and serializes writers
	sqldb.SetMaxOpenConns(1)

	s := &Store{
		db:     bun.NewDB(sqldb, sqlitedialect.New()),
		path:   path,
		logger: logger.With().Str("component", ComponentType).Str("path", path).Logger(),
	}

	if err := s.db.PingContext(ctx); err != nil {
		_ = s.db.Close()
		return nil, errors.New(ErrOpenFailed, "failed to reach SQLite database", err).AddContext("path", path)
	}
	if err := s.migrate(ctx); err != nil {
		_ = s.db.Close()
		return nil, err
	}

	s.logger.Debug().Msg("Store opened")
	return s, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_busy_timeout=5000"
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.New(errors.CommonInternal, "failed to close store", err)
	}
	return nil
}

// SaveRule stores rule. Saving an existing (source, target) pair updates
// its priority and keeps its original position among equal priorities.
func (s *Store) SaveRule(ctx context.Context, rule bridge.RoutingRule) error {
	if rule.SourcePattern == "" || rule.TargetEndpoint == "" {
		return errors.New(errors.FFIInvalidParameters, "routing rule requires a source pattern and a target endpoint", nil)
	}

	row := &RoutingRule{
		SourcePattern:  rule.SourcePattern,
		TargetEndpoint: rule.TargetEndpoint,
		Priority:       rule.Priority,
	}
	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (source_pattern, target_endpoint) DO UPDATE").
		Set("priority = EXCLUDED.priority").
		Set("updated_at = ?", time.Now().UTC()).
		Exec(ctx)
	if err != nil {
		return errors.New(ErrQueryFailed, "failed to save routing rule", err).
			AddContext("source_pattern", rule.SourcePattern).
			AddContext("target_endpoint", rule.TargetEndpoint)
	}
	return nil
}

// DeleteRule removes the rule for the exact pair. A missing rule is a
// warning, as it is for the in-memory table.
func (s *Store) DeleteRule(ctx context.Context, source, target string) error {
	res, err := s.db.NewDelete().
		Model((*RoutingRule)(nil)).
		Where("source_pattern = ?", source).
		Where("target_endpoint = ?", target).
		Exec(ctx)
	if err != nil {
		return errors.New(ErrQueryFailed, "failed to delete routing rule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ProtocolRuleNotFound, "routing rule not found", nil).
			AddContext("source_pattern", source).
			AddContext("target_endpoint", target)
	}
	return nil
}

// LoadRules returns rules in evaluation order: priority descending, then
// insertion order
func (s *Store) LoadRules(ctx context.Context) ([]bridge.RoutingRule, error) {
	var rows []RoutingRule
	if err := s.db.NewSelect().
		Model(&rows).
		Order("priority DESC", "id ASC").
		Scan(ctx); err != nil {
		return nil, errors.New(ErrQueryFailed, "failed to load routing rules", err)
	}

	out := make([]bridge.RoutingRule, len(rows))
	for i, r := range rows {
		out[i] = bridge.RoutingRule{
			SourcePattern:  r.SourcePattern,
			TargetEndpoint: r.TargetEndpoint,
			Priority:       r.Priority,
		}
	}
	return out, nil
}

// SaveRemoteFunction stores fn, replacing any registration with the same
// name
func (s *Store) SaveRemoteFunction(ctx context.Context, fn bridge.RemoteFunction) error {
	if fn.Name == "" || fn.Language == "" || fn.Signature == nil {
		return errors.New(errors.FFIInvalidParameters, "remote function requires a name, a language and a signature", nil)
	}
	sig, err := json.Marshal(fn.Signature)
	if err != nil {
		return errors.New(errors.FFIConversionFailed, "failed to encode signature", err).
			AddContext("function", fn.Name)
	}

	row := &RemoteFunction{
		Name:      fn.Name,
		Language:  fn.Language,
		Endpoint:  fn.Endpoint,
		Signature: string(sig),
	}
	_, err = s.db.NewInsert().
		Model(row).
		On("CONFLICT (name) DO UPDATE").
		Set("language = EXCLUDED.language").
		Set("endpoint = EXCLUDED.endpoint").
		Set("signature = EXCLUDED.signature").
		Set("updated_at = ?", time.Now().UTC()).
		Exec(ctx)
	if err != nil {
		return errors.New(ErrQueryFailed, "failed to save remote function", err).
			AddContext("function", fn.Name)
	}
	return nil
}

func (s *Store) DeleteRemoteFunction(ctx context.Context, name string) error {
	res, err := s.db.NewDelete().
		Model((*RemoteFunction)(nil)).
		Where("name = ?", name).
		Exec(ctx)
	if err != nil {
		return errors.New(ErrQueryFailed, "failed to delete remote function", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.FFINotFound, "remote function not stored", nil).
			AddContext("function", name)
	}
	return nil
}

// LoadRemoteFunctions returns stored registrations sorted by name
func (s *Store) LoadRemoteFunctions(ctx context.Context) ([]bridge.RemoteFunction, error) {
	var rows []RemoteFunction
	if err := s.db.NewSelect().
		Model(&rows).
		Order("name ASC").
		Scan(ctx); err != nil {
		return nil, errors.New(ErrQueryFailed, "failed to load remote functions", err)
	}

	out := make([]bridge.RemoteFunction, 0, len(rows))
	for _, r := range rows {
		sig := new(types.Signature)
		if err := json.Unmarshal([]byte(r.Signature), sig); err != nil {
			return nil, errors.New(ErrCorruptRecord, "stored signature is not valid", err).
				AddContext("function", r.Name)
		}
		out = append(out, bridge.RemoteFunction{
			Name:      r.Name,
			Language:  r.Language,
			Signature: sig,
			Endpoint:  r.Endpoint,
		})
	}
	return out, nil
}

// Restore loads every stored rule and registration into b. Entries b
// already holds are skipped.
func (s *Store) Restore(ctx context.Context, b *bridge.Bridge) (rules, functions int, err error) {
	storedRules, err := s.LoadRules(ctx)
	if err != nil {
		return 0, 0, err
	}
	existing := make(map[[2]string]struct{})
	for _, r := range b.Routes().Rules() {
		existing[[2]string{r.SourcePattern, r.TargetEndpoint}] = struct{}{}
	}
	for _, r := range storedRules {
		if _, ok := existing[[2]string{r.SourcePattern, r.TargetEndpoint}]; ok {
			continue
		}
		if err := b.Routes().Add(r); err != nil {
			return rules, functions, err
		}
		rules++
	}

	storedFns, err := s.LoadRemoteFunctions(ctx)
	if err != nil {
		return rules, functions, err
	}
	for _, fn := range storedFns {
		if err := b.Remote().Register(fn); err != nil {
			if errors.HasCode(err, errors.FFIAlreadyExists) {
				continue
			}
			return rules, functions, err
		}
		functions++
	}

	s.logger.Info().Int("rules", rules).Int("functions", functions).Msg("Restored protocol bridge state")
	return rules, functions, nil
}
