package database

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/mattn/go-sqlite3"
	"github.com/samber/lo"
	"go.uber.org/zap"

	dbconfig "noticeboard/pkg/database"
	"noticeboard/pkg/interfaces"
	"noticeboard/pkg/types"
)

var _ interfaces.AttachmentStore = (*Manager)(nil)

var (
	ErrManagerClosed     = errors.New("database manager is closed")
	ErrWriteTimeout      = errors.New("database write timeout")
	ErrAttachmentExists  = errors.New("channel attachment already written")
	ErrInvalidAttachment = errors.New("attachment payload is not a valid attachment")
)

// Manager is the SQLite-backed attachment store.
// Reads go straight to the pool; writes are funneled through one goroutine
// because SQLite allows a single writer at a time.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *zap.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine.
// Migrations are applied separately, see pkg/database.MigrationManager.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid database config")
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply SQLite optimizations")
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- m.runWithRetry(op.operation)

		case <-m.shutdown:
			m.logger.Debug("database write loop shutting down")
			return
		}
	}
}

// runWithRetry retries transient failures (busy/locked database) with
// exponential backoff. Constraint violations are returned immediately.
func (m *Manager) runWithRetry(operation func(*sql.DB) error) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
	), 3)

	return backoff.RetryNotify(func() error {
		err := operation(m.db)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		m.logger.Warn("database write failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	})
}

func isTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// PutAttachment stores the attachment of a newly accepted channel
func (m *Manager) PutAttachment(ctx context.Context, channelID string, data []byte) error {
	attachment, err := types.DecodeAttachment(data)
	if err != nil {
		return errors.Mark(err, ErrInvalidAttachment)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO channel_attachments (channel_id, user_id, payload) VALUES (?, ?, ?)`,
			channelID, attachment.UserID, string(data),
		)
		if isConstraint(err) {
			return errors.Wrapf(ErrAttachmentExists, "channel %s", channelID)
		}
		if err != nil {
			return errors.Wrap(err, "insert attachment")
		}
		return nil
	})
}

// GetAttachment returns the raw attachment payload of a channel
func (m *Manager) GetAttachment(ctx context.Context, channelID string) ([]byte, error) {
	var payload string
	err := m.db.QueryRowContext(ctx,
		`SELECT payload FROM channel_attachments WHERE channel_id = ?`, channelID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(types.ErrAttachmentNotFound, "channel %s", channelID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query attachment")
	}
	return []byte(payload), nil
}

// DeleteAttachment removes a channel's attachment; unknown channels are ignored
func (m *Manager) DeleteAttachment(ctx context.Context, channelID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM channel_attachments WHERE channel_id = ?`, channelID)
		return errors.Wrap(err, "delete attachment")
	})
}

// ListAttachmentIDs returns every channel that has an attachment
func (m *Manager) ListAttachmentIDs(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT channel_id FROM channel_attachments ORDER BY created_at, channel_id`)
	if err != nil {
		return nil, errors.Wrap(err, "query attachment ids")
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan attachment id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "iterate attachment ids")
}

// PruneAttachments deletes attachments of channels that keep does not name.
// keep runs only after the stored ids are listed.
func (m *Manager) PruneAttachments(ctx context.Context, keep func() []string) (int, error) {
	existing, err := m.ListAttachmentIDs(ctx)
	if err != nil {
		return 0, err
	}

	var live []string
	if keep != nil {
		live = keep()
	}
	stale, _ := lo.Difference(existing, live)
	if len(stale) == 0 {
		return 0, nil
	}

	var removed int
	err = m.executeWrite(ctx, func(db *sql.DB) error {
		removed = 0
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin prune")
		}
		defer func() { _ = tx.Rollback() }()

		for _, chunk := range lo.Chunk(stale, 500) {
			query := `DELETE FROM channel_attachments WHERE channel_id IN (?` + strings.Repeat(",?", len(chunk)-1) + `)`
			res, err := tx.ExecContext(ctx, query, lo.ToAnySlice(chunk)...)
			if err != nil {
				return errors.Wrap(err, "prune attachments")
			}
			n, _ := res.RowsAffected()
			removed += int(n)
		}
		return errors.Wrap(tx.Commit(), "commit prune")
	})
	return removed, err
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "database ping failed")
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM channel_attachments").Scan(&count); err != nil {
		return errors.Wrap(err, "database read test failed")
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	return errors.Wrap(m.db.Close(), "close database")
}
