package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/markdave123-py/contextai/internal/core"
	"github.com/markdave123-py/contextai/internal/core/storage"
)

const (
	listenTimeout = 10 * time.Second
	retryDelay    = 2 * time.Second
)

// listenConn is a connection with LISTEN active on the change channel.
type listenConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close()
}

type pooledListenConn struct {
	conn *pgxpool.Conn
}

func (c pooledListenConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return c.conn.Conn().WaitForNotification(ctx)
}

// Close drops the session instead of returning it to the pool with LISTEN
// still active.
func (c pooledListenConn) Close() {
	_ = c.conn.Conn().Close(context.Background())
	c.conn.Release()
}

// PostgresStore keeps records in kv_records and appends every write to
// kv_changes. The id of each change row is sent with pg_notify so watchers
// in other processes can load it. A store holds a single LISTEN connection
// and fans its changes out to every watcher.
type PostgresStore struct {
	pool      *pgxpool.Pool
	namespace string
	channel   string
	hub       *storage.Hub[core.Change]
	retry     time.Duration

	listen func(ctx context.Context) (listenConn, error)
	load   func(ctx context.Context, id int64) (core.Change, bool, error)

	mu     sync.Mutex
	closed bool
	stop   context.CancelFunc
	done   chan struct{}
}

func NewPostgresStore(pool *pgxpool.Pool, namespace string) *PostgresStore {
	s := &PostgresStore{
		pool:      pool,
		namespace: namespace,
		channel:   channelName(namespace),
		hub:       storage.NewHub[core.Change](),
		retry:     retryDelay,
	}
	s.listen = s.listenPool
	s.load = s.loadChange
	return s
}

// channelName folds the namespace into a valid unquoted identifier.
func channelName(namespace string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(namespace) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String() + "_kv_changes"
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	const q = `SELECT value FROM kv_records WHERE namespace = $1 AND key = $2`
	var v []byte
	err := s.pool.QueryRow(ctx, q, s.namespace, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select %q: %w", key, err)
	}
	return v, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var old []byte
	err = tx.QueryRow(ctx,
		`SELECT value FROM kv_records WHERE namespace = $1 AND key = $2 FOR UPDATE`,
		s.namespace, key).Scan(&old)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("lock %q: %w", key, err)
	}

	const upsert = `
		INSERT INTO kv_records (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`
	if _, err := tx.Exec(ctx, upsert, s.namespace, key, value); err != nil {
		return fmt.Errorf("upsert %q: %w", key, err)
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO kv_changes (namespace, key, old_value, new_value) VALUES ($1, $2, $3, $4) RETURNING id`,
		s.namespace, key, old, value).Scan(&id)
	if err != nil {
		return fmt.Errorf("record change %q: %w", key, err)
	}

	// Delivered on commit.
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, strconv.FormatInt(id, 10)); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Watch subscribes to changes of key. The shared listener starts on the
// first call.
func (s *PostgresStore) Watch(ctx context.Context, key string) (<-chan core.Change, error) {
	if err := s.startListener(ctx); err != nil {
		return nil, err
	}
	ch, ok := s.hub.Subscribe(ctx, key)
	if !ok {
		return nil, core.ErrStoreClosed
	}
	return ch, nil
}

func (s *PostgresStore) listenPool(ctx context.Context) (listenConn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", s.channel, err)
	}
	return pooledListenConn{conn: conn}, nil
}

func (s *PostgresStore) startListener(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrStoreClosed
	}
	if s.done != nil {
		return nil
	}

	listenCtx, cancel := context.WithTimeout(ctx, listenTimeout)
	defer cancel()
	conn, err := s.listen(listenCtx)
	if err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(context.Background())
	s.stop = stop
	s.done = make(chan struct{})
	go s.run(runCtx, conn, s.done)
	return nil
}

// run dispatches notifications until ctx ends, reconnecting when the
// listen connection fails. Changes committed while disconnected are not
// replayed.
func (s *PostgresStore) run(ctx context.Context, conn listenConn, done chan<- struct{}) {
	defer close(done)
	for {
		err := s.drain(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		slog.Error("postgres: listener lost", "channel", s.channel, "error", err)

		for conn = nil; conn == nil; {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retry):
			}
			listenCtx, cancel := context.WithTimeout(ctx, listenTimeout)
			conn, err = s.listen(listenCtx)
			cancel()
			if err != nil {
				slog.Warn("postgres: relisten failed", "channel", s.channel, "error", err)
			}
		}
	}
}

func (s *PostgresStore) drain(ctx context.Context, conn listenConn) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.dispatch(ctx, n.Payload)
	}
}

func (s *PostgresStore) dispatch(ctx context.Context, payload string) {
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		slog.Warn("postgres: bad notification payload", "payload", payload)
		return
	}
	c, ok, err := s.load(ctx, id)
	if err != nil {
		slog.Error("postgres: load change", "id", id, "error", err)
		return
	}
	if ok {
		s.hub.Publish(c.Key, c)
	}
}

func (s *PostgresStore) loadChange(ctx context.Context, id int64) (core.Change, bool, error) {
	const q = `
		SELECT key, old_value, new_value
		FROM kv_changes
		WHERE id = $1 AND namespace = $2
	`
	var c core.Change
	err := s.pool.QueryRow(ctx, q, id, s.namespace).Scan(&c.Key, &c.Old, &c.New)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, false, nil
	}
	if err != nil {
		return c, false, err
	}
	return c, true, nil
}

// PruneChanges deletes change rows older than maxAge and reports how many
// were removed.
func (s *PostgresStore) PruneChanges(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM kv_changes WHERE namespace = $1 AND created_at < $2`,
		s.namespace, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("prune changes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close stops the listener and ends every watch. The pool is owned by the
// caller.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	s.closed = true
	stop, done := s.stop, s.done
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	s.hub.Close()
	return nil
}

var _ core.KVStore = (*PostgresStore)(nil)
