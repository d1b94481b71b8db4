package deadletter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id               BIGSERIAL PRIMARY KEY,
	topic            TEXT        NOT NULL,
	partition        INTEGER     NOT NULL,
	"offset"         BIGINT      NOT NULL,
	message_key      TEXT        NOT NULL DEFAULT '',
	original_message TEXT        NOT NULL,
	error            TEXT        NOT NULL,
	failed_at        TIMESTAMPTZ NOT NULL,
	archived_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (topic, partition, "offset")
);
CREATE INDEX IF NOT EXISTS dead_letters_message_key_idx ON dead_letters (message_key, failed_at DESC);
`

// PostgresStore keeps entries in the dead_letters table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStore(pool, logger), nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// Migrate creates the table and index when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return s.logError("dead_letter_migrate_failed", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, entry Entry) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (topic, partition, "offset", message_key, original_message, error, failed_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (topic, partition, "offset") DO NOTHING`,
		entry.Topic, entry.Partition, entry.Offset, entry.MessageKey,
		entry.OriginalMessage, entry.Error, entry.FailedAt, entry.ArchivedAt,
	)
	if err != nil {
		return false, s.logError("dead_letter_save_failed", err,
			"topic", entry.Topic,
			"partition", entry.Partition,
			"offset", entry.Offset,
		)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	filter = filter.normalized()
	rows, err := s.pool.Query(ctx, `
		SELECT id, topic, partition, "offset", message_key, original_message, error, failed_at, archived_at
		FROM dead_letters
		WHERE $1 = '' OR message_key = $1
		ORDER BY failed_at DESC, id DESC
		LIMIT $2`,
		filter.TransactionKey, filter.Limit,
	)
	if err != nil {
		return nil, s.logError("dead_letter_list_failed", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.ID, &e.Topic, &e.Partition, &e.Offset, &e.MessageKey,
			&e.OriginalMessage, &e.Error, &e.FailedAt, &e.ArchivedAt)
		return e, err
	})
	if err != nil {
		return nil, s.logError("dead_letter_list_failed", err)
	}
	return entries, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+6)
	fields = append(fields,
		"event", event,
		"module", "deadletter",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	s.logger.Error("dead letter store operation failed", fields...)
	return err
}
