// Package deadletter archives dead-lettered messages so operators can
// inspect and replay them.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nsridhar76/go-txnsaga/internal/messaging"
)

// Entry is one archived dead letter.
type Entry struct {
	ID              int64     `json:"id"`
	Topic           string    `json:"topic"`
	Partition       int       `json:"partition"`
	Offset          int64     `json:"offset"`
	MessageKey      string    `json:"messageKey"`
	OriginalMessage string    `json:"originalMessage"`
	Error           string    `json:"error"`
	FailedAt        time.Time `json:"failedAt"`
	ArchivedAt      time.Time `json:"archivedAt"`
}

// Filter narrows List. A zero Limit means DefaultListLimit.
type Filter struct {
	Limit          int
	TransactionKey string
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Store persists entries. Save must be idempotent on (topic, partition,
// offset) and report whether a row was written.
type Store interface {
	Save(ctx context.Context, entry Entry) (bool, error)
	List(ctx context.Context, filter Filter) ([]Entry, error)
}

// Default save retry schedule.
const (
	DefaultRetryInitial = 500 * time.Millisecond
	DefaultRetryMax     = 30 * time.Second
	DefaultRetryFor     = 15 * time.Minute
)

// Archiver is the consumer handler for the dead-letter topic.
type Archiver struct {
	store        Store
	logger       *slog.Logger
	now          func() time.Time
	retryInitial time.Duration
	retryMax     time.Duration
	retryFor     time.Duration
}

// NewArchiver returns an archiver writing to store.
func NewArchiver(store Store, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		store:        store,
		logger:       logger.With("module", "deadletter"),
		now:          time.Now,
		retryInitial: DefaultRetryInitial,
		retryMax:     DefaultRetryMax,
		retryFor:     DefaultRetryFor,
	}
}

// WithRetry sets the save retry schedule: exponential from initial, capped
// at ceiling per wait, for at most total. Non-positive values keep the
// default.
func (a *Archiver) WithRetry(initial, ceiling, total time.Duration) *Archiver {
	if initial > 0 {
		a.retryInitial = initial
	}
	if ceiling > 0 {
		a.retryMax = ceiling
	}
	if total > 0 {
		a.retryFor = total
	}
	return a
}

// HandleMessage archives msg. Records that are not valid dead-letter JSON
// are archived raw with the decode error. A failed save is retried with
// backoff until it succeeds, the retry window closes, or ctx is done. Only
// then is it reported as a dead letter so the driver logs it; the archive
// topic itself has no further dead-letter path.
func (a *Archiver) HandleMessage(ctx context.Context, msg messaging.Message) messaging.Result {
	entry := a.entryFor(msg)
	written, err := a.save(ctx, entry)
	if err != nil {
		a.logger.Error("dead letter archive failed",
			"event", "dead_letter_archive_failed",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err.Error(),
		)
		return messaging.DeadLetter(fmt.Errorf("archive dead letter: %w", err))
	}
	if written {
		a.logger.Info("dead letter archived",
			"event", "dead_letter_archived",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", entry.MessageKey,
		)
	}
	return messaging.Ack()
}

func (a *Archiver) save(ctx context.Context, entry Entry) (bool, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.retryInitial
	policy.MaxInterval = a.retryMax
	policy.Reset()

	return backoff.Retry(ctx, func() (bool, error) {
		return a.store.Save(ctx, entry)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(a.retryFor),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.logger.Warn("dead letter save failed, retrying",
				"event", "dead_letter_save_retry",
				"partition", entry.Partition,
				"offset", entry.Offset,
				"retry_in", next.String(),
				"error", err.Error(),
			)
		}),
	)
}

func (a *Archiver) entryFor(msg messaging.Message) Entry {
	entry := Entry{
		Topic:      msg.Topic,
		Partition:  msg.Partition,
		Offset:     msg.Offset,
		MessageKey: string(msg.Key),
		ArchivedAt: a.now().UTC(),
	}
	var record messaging.DeadLetterRecord
	if err := json.Unmarshal(msg.Value, &record); err != nil || strings.TrimSpace(record.Error) == "" {
		entry.OriginalMessage = string(msg.Value)
		entry.Error = "undecodable dead letter"
		if err != nil {
			entry.Error += ": " + err.Error()
		}
		entry.FailedAt = msg.Time.UTC()
		if msg.Time.IsZero() {
			entry.FailedAt = entry.ArchivedAt
		}
		return entry
	}
	entry.OriginalMessage = record.OriginalMessage
	entry.Error = record.Error
	entry.FailedAt = time.UnixMilli(record.Timestamp).UTC()
	return entry
}

func (f Filter) normalized() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	f.TransactionKey = strings.TrimSpace(f.TransactionKey)
	return f
}
