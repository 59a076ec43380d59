package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tendrel/tendrel/internal/common/logger"
	"github.com/tendrel/tendrel/internal/db"
	"github.com/tendrel/tendrel/internal/db/dialect"
)

// Common errors returned by the store.
var (
	ErrNotFound      = errors.New("row not found")
	ErrStaleState    = errors.New("row state changed since read")
	ErrDuplicatePath = errors.New("webhook path already in use")
)

// Store is the typed gateway to all Tendrel tables. All reads are scoped by
// tenant; no API crosses tenant boundaries.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger
	// now is replaceable in tests.
	now func() time.Time
}

// New creates a Store over an opened pool and applies the schema.
func New(ctx context.Context, pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "store")),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Writer().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	// Seed the advisory-lock fallback row; harmless under Postgres.
	_, err := s.pool.Writer().ExecContext(ctx,
		s.rebind(`INSERT INTO scheduler_lock (id, owner, expires_at) VALUES (1, NULL, NULL)
			ON CONFLICT (id) DO NOTHING`))
	if err != nil {
		return fmt.Errorf("seed scheduler lock row: %w", err)
	}
	return nil
}

// SetClock overrides the store's notion of now. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Pool exposes the underlying pool for components needing a dedicated
// connection (the Postgres advisory lock).
func (s *Store) Pool() *db.Pool { return s.pool }

func (s *Store) rebind(query string) string {
	return s.pool.Writer().Rebind(query)
}

func (s *Store) isPostgres() bool {
	return dialect.IsPostgres(s.pool.DriverName())
}
