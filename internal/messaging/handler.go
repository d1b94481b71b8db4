package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Message is a record fetched from a log topic.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// Result is the outcome a handler reports for one message. Whatever the
// result, the consumption driver advances past the message.
type Result struct {
	deadLetter error
}

// Ack reports that the message was handled.
func Ack() Result { return Result{} }

// DeadLetter reports that the message could not be handled and must be
// forwarded to the dead-letter path with err as the reason.
func DeadLetter(err error) Result { return Result{deadLetter: err} }

// Err returns the dead-letter reason, or nil for an ack.
func (r Result) Err() error { return r.deadLetter }

// IsDeadLetter reports whether the message must be dead-lettered.
func (r Result) IsDeadLetter() bool { return r.deadLetter != nil }

// Handler processes one message. Handlers must not panic and must not block
// past ctx.
type Handler func(ctx context.Context, msg Message) Result

// Publisher appends a keyed value to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// DeadLetterRecord is the value written to the dead-letter topic.
type DeadLetterRecord struct {
	OriginalMessage string `json:"originalMessage"`
	Error           string `json:"error"`
	Timestamp       int64  `json:"timestamp"`
}

// DeadLetterSink is where Dispatch forwards dead-lettered messages.
// A sink without a publisher only logs.
type DeadLetterSink struct {
	Publisher Publisher
	Topic     string
	Timeout   time.Duration
}

// Dispatch runs handler for msg and executes the returned directive. It never
// returns an error: the caller commits the message afterwards regardless.
func Dispatch(ctx context.Context, msg Message, handler Handler, sink DeadLetterSink, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	result := handler(ctx, msg)
	if !result.IsDeadLetter() {
		return
	}

	if sink.Publisher == nil || sink.Topic == "" {
		logger.Warn("dead letter dropped, no dead-letter topic configured",
			"event", "dead_letter_dropped",
			"module", "messaging",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", result.Err().Error(),
		)
		return
	}

	record, err := json.Marshal(DeadLetterRecord{
		OriginalMessage: string(msg.Value),
		Error:           result.Err().Error(),
		Timestamp:       time.Now().UnixMilli(),
	})
	if err != nil {
		logger.Error("dead letter encode failed",
			"event", "dead_letter_encode_failed",
			"module", "messaging",
			"error", err.Error(),
		)
		return
	}

	publishCtx := ctx
	if sink.Timeout > 0 {
		var cancel context.CancelFunc
		publishCtx, cancel = context.WithTimeout(ctx, sink.Timeout)
		defer cancel()
	}
	if err := sink.Publisher.Publish(publishCtx, sink.Topic, msg.Key, record); err != nil {
		logger.Error("dead letter publish failed",
			"event", "dead_letter_publish_failed",
			"module", "messaging",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"dead_letter_topic", sink.Topic,
			"error", err.Error(),
		)
		return
	}
	logger.Warn("message dead-lettered",
		"event", "dead_letter_published",
		"module", "messaging",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"key", string(msg.Key),
		"reason", result.Err().Error(),
	)
}
