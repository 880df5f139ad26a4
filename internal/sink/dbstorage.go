package sink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	internalerrors "github.com/Schera-ole/perfmon/internal/errors"
	models "github.com/Schera-ole/perfmon/internal/model"
)

const insertSample = "INSERT INTO perfmon_samples (agent, name, unit, value, collected_at) VALUES ($1, $2, $3, $4, $5)"

// OpenDB opens a pgx-backed connection pool to dsn and checks it is reachable.
func OpenDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", internalerrors.ErrDatabaseConnection, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: database ping failed: %w", internalerrors.ErrDatabaseConnection, err)
	}
	return db, nil
}

// DBStorage records the history of reported metrics of one agent.
type DBStorage struct {
	db     *sql.DB
	agent  string
	logger *zap.SugaredLogger
	buf    buffer
	delays []time.Duration
}

// NewDBStorage creates a history store writing samples of agent to db.
// The pool is shared between agents and is not closed by the store.
func NewDBStorage(db *sql.DB, agent string, logger *zap.SugaredLogger) *DBStorage {
	return &DBStorage{
		db:     db,
		agent:  agent,
		logger: logger,
		delays: defaultDelays,
	}
}

// Report buffers a sample until the next Flush.
func (storage *DBStorage) Report(name, unit string, value float64) {
	storage.buf.add(storage.agent, name, unit, value)
}

// Flush inserts the buffered samples in a single transaction.
func (storage *DBStorage) Flush(ctx context.Context) error {
	samples := storage.buf.drain()
	if len(samples) == 0 {
		return nil
	}

	err := retry(ctx, storage.delays, storage.logger, func() (bool, error) {
		err := storage.insert(ctx, samples)
		return err != nil && ctx.Err() == nil && isRetryableError(err), err
	})
	if err != nil {
		storage.logger.Errorf("Dropping %d samples of %s: %v", len(samples), storage.agent, err)
		return fmt.Errorf("%w: %s: %w", internalerrors.ErrTransactionFailed, storage.agent, err)
	}
	return nil
}

func (storage *DBStorage) insert(ctx context.Context, samples []models.Sample) error {
	tx, err := storage.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("can't start transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertSample)
	if err != nil {
		return fmt.Errorf("error preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx, s.Agent, s.Name, s.Unit, s.Value, s.CollectedAt); err != nil {
			return fmt.Errorf("error saving sample %s: %w", s.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing samples: %w", err)
	}
	return nil
}

// Ping checks the database is reachable.
func (storage *DBStorage) Ping(ctx context.Context) error {
	if err := storage.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}
