// Package memory is an in-process, partitioned log with the same publish and
// consume contract as the Kafka adapter. It backs pipeline tests.
package memory

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/nsridhar76/go-txnsaga/internal/messaging"
)

// Log stores records per topic. Records with the same key land on the same
// partition, and Drain hands each partition's records to the handler in
// append order.
type Log struct {
	mu         sync.Mutex
	partitions int
	records    map[string][]messaging.Message
	offsets    map[string]map[string]int
	next       map[string][]int64

	// BeforePublish, when set, runs before every append. A non-nil error
	// fails the publish and nothing is appended.
	BeforePublish func(topic string, key, value []byte) error
}

// NewLog returns a log with the given partition count per topic.
func NewLog(partitions int) *Log {
	if partitions <= 0 {
		partitions = 1
	}
	return &Log{
		partitions: partitions,
		records:    make(map[string][]messaging.Message),
		offsets:    make(map[string]map[string]int),
		next:       make(map[string][]int64),
	}
}

func (l *Log) partitionFor(key []byte) int {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(l.partitions))
}

// Publish implements messaging.Publisher.
func (l *Log) Publish(ctx context.Context, topic string, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	hook := l.BeforePublish
	l.mu.Unlock()
	if hook != nil {
		if err := hook(topic, key, value); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next[topic] == nil {
		l.next[topic] = make([]int64, l.partitions)
	}
	partition := l.partitionFor(key)
	offset := l.next[topic][partition]
	l.next[topic][partition]++
	l.records[topic] = append(l.records[topic], messaging.Message{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Time:      time.Now(),
	})
	return nil
}

// Records returns a copy of every record appended to topic, in append order.
func (l *Log) Records(topic string) []messaging.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]messaging.Message(nil), l.records[topic]...)
}

// Drain delivers every record of topic not yet seen by group, dispatching
// dead-letter directives to sink, and returns how many were delivered.
func (l *Log) Drain(ctx context.Context, topic, group string, handler messaging.Handler, sink messaging.DeadLetterSink, logger *slog.Logger) int {
	l.mu.Lock()
	if l.offsets[topic] == nil {
		l.offsets[topic] = make(map[string]int)
	}
	start := l.offsets[topic][group]
	pending := append([]messaging.Message(nil), l.records[topic][start:]...)
	l.offsets[topic][group] = start + len(pending)
	l.mu.Unlock()

	for _, msg := range pending {
		messaging.Dispatch(ctx, msg, handler, sink, logger)
	}
	return len(pending)
}
