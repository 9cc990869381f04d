package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/example/message-dispatch/internal/message"
	"github.com/example/message-dispatch/internal/store"
)

var _ store.Store = (*Store)(nil)

const columns = `id, type, status, priority, created_at, updated_at, sent_at, failed_at,
	retry_count, last_error, metadata, user_id, trace_id, payload`

// Store is the pgx-backed store.Store implementation. Channel payloads and
// metadata are stored as JSONB; the lifecycle record maps to plain columns.
//
// Expected schema:
//
//	CREATE TABLE messages (
//	    id          TEXT PRIMARY KEY,
//	    type        TEXT NOT NULL,
//	    status      TEXT NOT NULL,
//	    priority    TEXT NOT NULL,
//	    created_at  TIMESTAMPTZ NOT NULL,
//	    updated_at  TIMESTAMPTZ NOT NULL,
//	    sent_at     TIMESTAMPTZ,
//	    failed_at   TIMESTAMPTZ,
//	    retry_count INT NOT NULL DEFAULT 0,
//	    last_error  TEXT,
//	    metadata    JSONB,
//	    user_id     TEXT,
//	    trace_id    TEXT,
//	    payload     JSONB NOT NULL
//	);
//	CREATE INDEX messages_created_at_idx ON messages (created_at DESC);
//	CREATE INDEX messages_status_idx ON messages (status);
//	CREATE INDEX messages_user_id_idx ON messages (user_id);
//	CREATE INDEX messages_trace_id_idx ON messages (trace_id);
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects a pgx pool and returns the store.
func New(ctx context.Context, dsn string, maxConns int, logger zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	return &Store{
		pool:   pool,
		logger: logger.With().Str("component", "postgres-store").Logger(),
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) Save(ctx context.Context, m *message.Message) error {
	payload, metadata, err := encode(m)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (`+columns+`)
		VALUES ($1,$2,$3,$4,$5,now(),$6,$7,$8,$9,$10,$11,$12,$13)
	`, m.ID, m.Type, m.Status, m.Priority, m.CreatedAt, m.SentAt, m.FailedAt,
		m.RetryCount, nullable(m.Error), metadata, nullable(m.UserID), nullable(m.TraceID), payload)
	if err != nil {
		return fmt.Errorf("postgres store: save: %w", err)
	}
	return nil
}

func (s *Store) SaveBatch(ctx context.Context, msgs []*message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range msgs {
		payload, metadata, err := encode(m)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO messages (`+columns+`)
			VALUES ($1,$2,$3,$4,$5,now(),$6,$7,$8,$9,$10,$11,$12,$13)
		`, m.ID, m.Type, m.Status, m.Priority, m.CreatedAt, m.SentAt, m.FailedAt,
			m.RetryCount, nullable(m.Error), metadata, nullable(m.UserID), nullable(m.TraceID), payload)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range msgs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres store: save batch: %w", err)
		}
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*message.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+columns+` FROM messages WHERE id = $1`, id)
	m, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return m, err
}

func (s *Store) Query(ctx context.Context, f store.Filter) (*store.Page, error) {
	where, args := buildWhere(f)

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM messages`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("postgres store: count: %w", err)
	}

	query := fmt.Sprintf(`SELECT `+columns+` FROM messages%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	rows, err := s.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query: %w", err)
	}
	defer rows.Close()

	msgs, err := scanAll(rows)
	if err != nil {
		return nil, err
	}

	return &store.Page{
		Messages: msgs,
		Total:    total,
		HasMore:  offset+len(msgs) < total,
	}, nil
}

func (s *Store) Update(ctx context.Context, m *message.Message) error {
	payload, metadata, err := encode(m)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET status = $2, sent_at = $3, failed_at = $4, retry_count = $5,
		    last_error = $6, metadata = $7, payload = $8, updated_at = now()
		WHERE id = $1
	`, m.ID, m.Status, m.SentAt, m.FailedAt, m.RetryCount, nullable(m.Error), metadata, payload)
	if err != nil {
		return fmt.Errorf("postgres store: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres store: delete older than: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Count(ctx context.Context, f store.Filter) (int, error) {
	where, args := buildWhere(f)
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM messages`+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("postgres store: count: %w", err)
	}
	return total, nil
}

func (s *Store) FailedMessages(ctx context.Context, limit int) ([]*message.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+columns+` FROM messages
		WHERE status = $1
		ORDER BY failed_at DESC NULLS LAST
		LIMIT $2
	`, message.StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: failed messages: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func (s *Store) StuckSending(ctx context.Context, cutoff time.Time) ([]*message.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+columns+` FROM messages
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
	`, message.StatusSending, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres store: stuck sending: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	rows, err := s.pool.Query(ctx, `SELECT type, status, count(*) FROM messages GROUP BY type, status`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: stats: %w", err)
	}
	defer rows.Close()

	stats := &store.Stats{}
	for rows.Next() {
		var typ, status string
		var count int
		if err := rows.Scan(&typ, &status, &count); err != nil {
			return nil, fmt.Errorf("postgres store: stats scan: %w", err)
		}
		stats.Total += count
		switch message.Status(status) {
		case message.StatusSent:
			stats.Sent += count
		case message.StatusFailed:
			stats.Failed += count
		case message.StatusPending, message.StatusQueued, message.StatusSending:
			stats.Pending += count
		}
		switch message.Type(typ) {
		case message.TypeEmail:
			stats.Email += count
		case message.TypeSMS:
			stats.SMS += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Sent) / float64(stats.Total) * 100
	}
	return stats, nil
}

func buildWhere(f store.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.TraceID != "" {
		add("trace_id = $%d", f.TraceID)
	}
	if !f.Start.IsZero() {
		add("created_at >= $%d", f.Start)
	}
	if !f.End.IsZero() {
		add("created_at <= $%d", f.End)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func encode(m *message.Message) (payload, metadata []byte, err error) {
	switch m.Type {
	case message.TypeEmail:
		payload, err = json.Marshal(m.Email)
	case message.TypeSMS:
		payload, err = json.Marshal(m.SMS)
	default:
		return nil, nil, fmt.Errorf("postgres store: unknown message type %s", m.Type)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("postgres store: marshal payload: %w", err)
	}
	if m.Metadata != nil {
		metadata, err = json.Marshal(m.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: marshal metadata: %w", err)
		}
	}
	return payload, metadata, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scan(row rowScanner) (*message.Message, error) {
	var (
		m         message.Message
		updatedAt time.Time
		lastError *string
		metadata  []byte
		userID    *string
		traceID   *string
		payload   []byte
	)
	err := row.Scan(&m.ID, &m.Type, &m.Status, &m.Priority, &m.CreatedAt, &updatedAt,
		&m.SentAt, &m.FailedAt, &m.RetryCount, &lastError, &metadata, &userID, &traceID, &payload)
	if err != nil {
		return nil, err
	}

	if lastError != nil {
		m.Error = *lastError
	}
	if userID != nil {
		m.UserID = *userID
	}
	if traceID != nil {
		m.TraceID = *traceID
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("postgres store: unmarshal metadata: %w", err)
		}
	}

	switch m.Type {
	case message.TypeEmail:
		m.Email = &message.EmailPayload{}
		err = json.Unmarshal(payload, m.Email)
	case message.TypeSMS:
		m.SMS = &message.SMSPayload{}
		err = json.Unmarshal(payload, m.SMS)
	default:
		return nil, fmt.Errorf("postgres store: unknown message type %s", m.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: unmarshal payload: %w", err)
	}
	return &m, nil
}

func scanAll(rows pgx.Rows) ([]*message.Message, error) {
	var out []*message.Message
	for rows.Next() {
		m, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
