// Package saga runs the transaction saga: funds reservation, fraud check,
// commit or compensating reversal, and notification, each appended to the
// events topic in that order under the command's transaction id.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nsridhar76/go-txnsaga/internal/messaging"
)

const tracerName = "github.com/nsridhar76/go-txnsaga/internal/saga"

// ReversalReason is the Reversed payload reason for HIGH risk.
const ReversalReason = "Fraud Risk HIGH"

// ErrStepTimeout marks an append that did not complete within StepTimeout.
var ErrStepTimeout = errors.New("saga step timed out")

// Config tunes the orchestrator.
type Config struct {
	// EventsTopic receives every outcome event. Default "txn.events".
	EventsTopic string

	// StepTimeout bounds each append. Default 10s.
	StepTimeout time.Duration

	// MaxAttempts caps how often one run is started or resumed before it is
	// abandoned. Default 5.
	MaxAttempts int

	// NotifyChannels is the Notified payload. Default EMAIL, PUSH.
	NotifyChannels []string
}

func (c Config) withDefaults() Config {
	if c.EventsTopic == "" {
		c.EventsTopic = "txn.events"
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if len(c.NotifyChannels) == 0 {
		c.NotifyChannels = []string{"EMAIL", "PUSH"}
	}
	return c
}

// Orchestrator consumes saga commands and emits the outcome events.
type Orchestrator struct {
	publisher messaging.Publisher
	risk      RiskEvaluator
	tracker   *Tracker
	config    Config
	logger    *slog.Logger
	tracer    trace.Tracer
	newID     func() string
}

// New wires an orchestrator. A nil tracker gets a fresh one; a nil logger
// falls back to slog.Default.
func New(publisher messaging.Publisher, risk RiskEvaluator, tracker *Tracker, config Config, logger *slog.Logger) *Orchestrator {
	if tracker == nil {
		tracker = NewTracker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		publisher: publisher,
		risk:      risk,
		tracker:   tracker,
		config:    config.withDefaults(),
		logger:    logger.With("module", "saga"),
		tracer:    otel.Tracer(tracerName),
		newID:     uuid.NewString,
	}
}

// Tracker exposes the run checkpoints.
func (o *Orchestrator) Tracker() *Tracker { return o.tracker }

// HandleMessage is the consumer handler for the commands topic.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg messaging.Message) messaging.Result {
	cmd, err := messaging.DecodeEnvelope(msg.Value)
	if err != nil {
		o.logger.Error("command decode failed",
			"event", "saga_command_decode_failed",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err.Error(),
		)
		return messaging.DeadLetter(err)
	}
	if err := o.ProcessCommand(ctx, cmd); err != nil {
		return messaging.DeadLetter(err)
	}
	return messaging.Ack()
}

// ProcessCommand runs the saga for a TransactionInitiated command. Other
// command types are logged and ignored. A command whose run is already in
// flight or finished in this process is ignored; a stalled run resumes.
func (o *Orchestrator) ProcessCommand(ctx context.Context, cmd messaging.Envelope) error {
	if cmd.Type != messaging.TypeTransactionInitiated {
		o.logger.Warn("unhandled command type",
			"event", "saga_command_ignored",
			"command_type", cmd.Type,
			"transaction_id", cmd.TransactionID,
		)
		return nil
	}

	var req messaging.TransactionRequest
	if err := cmd.DecodePayload(&req); err != nil {
		return err
	}

	run, ok := o.tracker.Begin(cmd)
	if !ok {
		existing, _ := o.tracker.Get(cmd.TransactionID)
		o.logger.Info("duplicate command ignored",
			"event", "saga_command_duplicate",
			"transaction_id", cmd.TransactionID,
			"command_id", cmd.ID,
			"status", string(existing.Status),
		)
		return nil
	}
	return o.execute(ctx, run, req)
}

func (o *Orchestrator) execute(ctx context.Context, run Run, req messaging.TransactionRequest) error {
	ctx, span := o.tracer.Start(ctx, "saga.run", trace.WithAttributes(
		attribute.String("saga.transaction_id", run.TransactionID),
		attribute.String("saga.command_id", run.Command.ID),
		attribute.Int("saga.attempt", run.Attempts),
		attribute.Int("saga.resume_from", len(run.Emitted)),
	))
	defer span.End()

	logger := o.logger.With("transaction_id", run.TransactionID, "correlation_id", run.Command.ID)
	if len(run.Emitted) > 0 {
		logger.Info("saga resuming",
			"event", "saga_resumed",
			"attempt", run.Attempts,
			"emitted", run.Emitted,
		)
	}

	if err := o.runSteps(ctx, run, req); err != nil {
		status := o.tracker.Stall(run.TransactionID, err, o.config.MaxAttempts)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("saga step failed",
			"event", "saga_step_failed",
			"status", string(status),
			"attempt", run.Attempts,
			"error", err.Error(),
		)
		return fmt.Errorf("transaction %s: %w", run.TransactionID, err)
	}

	o.tracker.Complete(run.TransactionID)
	logger.Info("saga completed",
		"event", "saga_completed",
		"attempt", run.Attempts,
	)
	return nil
}

// runSteps emits the steps after the ones already in run.Emitted. A panic in
// a step surfaces as that step's error.
func (o *Orchestrator) runSteps(ctx context.Context, run Run, req messaging.TransactionRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("saga step panicked: %v", r)
		}
	}()
	risk := run.Risk
	for step := len(run.Emitted); step < 4; step++ {
		var (
			eventType string
			payload   any
		)
		switch step {
		case 0:
			eventType = messaging.TypeFundsReserved
			payload = messaging.FundsReserved{OK: true, HoldID: o.newID(), Amount: req.Amount}
		case 1:
			if risk == "" {
				decided, err := o.evaluate(ctx, run.TransactionID, req)
				if err != nil {
					return err
				}
				risk = decided
				o.tracker.Decided(run.TransactionID, risk)
			}
			eventType = messaging.TypeFraudChecked
			payload = messaging.FraudChecked{Risk: string(risk)}
		case 2:
			switch risk {
			case RiskLow:
				eventType = messaging.TypeCommitted
				payload = messaging.Committed{LedgerTxID: o.newID()}
			case RiskHigh:
				eventType = messaging.TypeReversed
				payload = messaging.Reversed{Reason: ReversalReason}
			default:
				return fmt.Errorf("no risk decision recorded before settlement")
			}
		case 3:
			eventType = messaging.TypeNotified
			payload = messaging.Notified{Channels: append([]string(nil), o.config.NotifyChannels...)}
		}

		if err := o.emit(ctx, run.Command, eventType, payload); err != nil {
			return fmt.Errorf("emit %s: %w", eventType, err)
		}
		o.tracker.Emitted(run.TransactionID, eventType)
	}
	return nil
}

func (o *Orchestrator) evaluate(ctx context.Context, transactionID string, req messaging.TransactionRequest) (Risk, error) {
	if o.risk == nil {
		return "", errors.New("no risk evaluator configured")
	}
	risk, err := o.callEvaluator(ctx, transactionID, req)
	if err != nil {
		return "", fmt.Errorf("evaluate risk: %w", err)
	}
	if risk != RiskLow && risk != RiskHigh {
		return "", fmt.Errorf("evaluate risk: unknown decision %q", risk)
	}
	return risk, nil
}

func (o *Orchestrator) callEvaluator(ctx context.Context, transactionID string, req messaging.TransactionRequest) (risk Risk, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("risk evaluator panicked: %v", r)
		}
	}()
	return o.risk.Evaluate(ctx, transactionID, req)
}

func (o *Orchestrator) emit(ctx context.Context, cmd messaging.Envelope, eventType string, payload any) error {
	ctx, span := o.tracer.Start(ctx, "saga.emit", trace.WithAttributes(
		attribute.String("saga.transaction_id", cmd.TransactionID),
		attribute.String("saga.event_type", eventType),
	))
	defer span.End()

	event, err := messaging.NewEnvelope(eventType, cmd.TransactionID, cmd.UserID, payload)
	if err != nil {
		return err
	}
	event.CorrelationID = cmd.ID
	raw, err := event.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.config.StepTimeout)
	defer cancel()
	if err := o.publisher.Publish(stepCtx, o.config.EventsTopic, []byte(cmd.TransactionID), raw); err != nil {
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrStepTimeout, o.config.StepTimeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	o.logger.Info("saga event emitted",
		"event", "saga_event_emitted",
		"event_type", eventType,
		"event_id", event.ID,
		"transaction_id", cmd.TransactionID,
	)
	return nil
}

// ResumeStalled re-drives every STALLED run once and returns how many
// completed.
func (o *Orchestrator) ResumeStalled(ctx context.Context) int {
	completed := 0
	for _, stalled := range o.tracker.List(StatusStalled) {
		if ctx.Err() != nil {
			break
		}
		run, ok := o.tracker.Resume(stalled.TransactionID)
		if !ok {
			continue
		}
		var req messaging.TransactionRequest
		if err := run.Command.DecodePayload(&req); err != nil {
			o.tracker.Stall(run.TransactionID, err, 1)
			continue
		}
		if err := o.execute(ctx, run, req); err == nil {
			completed++
		}
	}
	return completed
}

// RunMaintenance resumes stalled runs and evicts finished runs every
// interval until ctx is canceled.
func (o *Orchestrator) RunMaintenance(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resumed := o.ResumeStalled(ctx)
			evicted := o.tracker.Evict(retention)
			if resumed > 0 || evicted > 0 {
				o.logger.Info("saga maintenance cycle",
					"event", "saga_maintenance",
					"resumed", resumed,
					"evicted", evicted,
				)
			}
		}
	}
}
