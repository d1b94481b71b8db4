// Package messaging defines the envelope carried on every log topic and the
// handler contract shared by the log consumers.
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Command and event type constants for the transaction saga.
const (
	TypeTransactionInitiated = "TransactionInitiated"
	TypeFundsReserved        = "FundsReserved"
	TypeFraudChecked         = "FraudChecked"
	TypeCommitted            = "Committed"
	TypeReversed             = "Reversed"
	TypeNotified             = "Notified"
)

// SchemaVersion is the only envelope version this module reads and writes.
const SchemaVersion = 1

var (
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
)

// Envelope is the Kafka message shape for saga commands and outcome events.
// TransactionID is the partition key and never changes for a saga.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	Timestamp     int64           `json:"ts"`
	TransactionID string          `json:"transactionId"`
	UserID        string          `json:"userId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// NewEnvelope builds an envelope with a fresh id and the current time.
// The payload is marshaled to JSON.
func NewEnvelope(eventType, transactionID, userID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		ID:            uuid.NewString(),
		Type:          eventType,
		Version:       SchemaVersion,
		Timestamp:     time.Now().UnixMilli(),
		TransactionID: transactionID,
		UserID:        userID,
		Payload:       raw,
	}, nil
}

// Validate checks the fields every consumer relies on.
func (e Envelope) Validate() error {
	var missing []string
	if strings.TrimSpace(e.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(e.Type) == "" {
		missing = append(missing, "type")
	}
	if strings.TrimSpace(e.TransactionID) == "" {
		missing = append(missing, "transactionId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, strings.Join(missing, ", "))
	}
	if e.Version < 1 || e.Version > SchemaVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, e.Version)
	}
	return nil
}

// Encode marshals the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates a raw log value.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into target.
func (e Envelope) DecodePayload(target any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}

// TransactionRequest is the TransactionInitiated payload.
type TransactionRequest struct {
	FromAccount string  `json:"fromAccount"`
	ToAccount   string  `json:"toAccount"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	UserID      string  `json:"userId"`
}

// FundsReserved is the payload of the funds reservation step.
type FundsReserved struct {
	OK     bool    `json:"ok"`
	HoldID string  `json:"holdId"`
	Amount float64 `json:"amount"`
}

// FraudChecked carries the risk decision.
type FraudChecked struct {
	Risk string `json:"risk"`
}

// Committed is emitted on the commit path.
type Committed struct {
	LedgerTxID string `json:"ledgerTxId"`
}

// Reversed is the compensating event emitted instead of Committed.
type Reversed struct {
	Reason string `json:"reason"`
}

// Notified lists the delivery channels used for the customer notification.
type Notified struct {
	Channels []string `json:"channels"`
}
