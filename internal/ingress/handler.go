// Package ingress accepts transaction requests over HTTP and appends them to
// the commands topic as TransactionInitiated envelopes.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nsridhar76/go-txnsaga/internal/messaging"
)

const maxBodyBytes = 64 << 10

// Config tunes the ingress handler.
type Config struct {
	// CommandsTopic receives TransactionInitiated commands. Default
	// "txn.commands".
	CommandsTopic string
	// PublishTimeout bounds one append. Default 5s.
	PublishTimeout time.Duration
}

// Accepted is the 202 response body.
type Accepted struct {
	Message       string `json:"message"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
}

type handler struct {
	publisher messaging.Publisher
	config    Config
	logger    *slog.Logger
}

// NewHandler serves POST /transactions and GET /healthz.
func NewHandler(publisher messaging.Publisher, config Config, logger *slog.Logger) http.Handler {
	if config.CommandsTopic == "" {
		config.CommandsTopic = "txn.commands"
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{publisher: publisher, config: config, logger: logger.With("module", "ingress")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Post("/transactions", h.initiate)
	return r
}

func (h *handler) initiate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	cmd, err := messaging.NewEnvelope(messaging.TypeTransactionInitiated, uuid.NewString(), req.UserID, req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "encode command"})
		return
	}
	raw, err := cmd.Encode()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "encode command"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.config.PublishTimeout)
	defer cancel()
	if err := h.publisher.Publish(ctx, h.config.CommandsTopic, []byte(cmd.TransactionID), raw); err != nil {
		h.logger.Error("command publish failed",
			"event", "ingress_publish_failed",
			"transaction_id", cmd.TransactionID,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err.Error(),
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "transaction could not be initiated"})
		return
	}

	h.logger.Info("transaction initiated",
		"event", "ingress_transaction_initiated",
		"transaction_id", cmd.TransactionID,
		"command_id", cmd.ID,
		"user_id", cmd.UserID,
	)
	writeJSON(w, http.StatusAccepted, Accepted{
		Message:       "Transaction command published successfully.",
		TransactionID: cmd.TransactionID,
		Status:        "INITIATED",
	})
}

func decodeRequest(body io.Reader) (messaging.TransactionRequest, error) {
	// Fields outside TransactionRequest are ignored.
	var req messaging.TransactionRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return req, fmt.Errorf("invalid body: %w", err)
	}
	req.FromAccount = strings.TrimSpace(req.FromAccount)
	req.ToAccount = strings.TrimSpace(req.ToAccount)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.UserID = strings.TrimSpace(req.UserID)

	var problems []error
	if req.FromAccount == "" {
		problems = append(problems, errors.New("fromAccount is required"))
	}
	if req.ToAccount == "" {
		problems = append(problems, errors.New("toAccount is required"))
	}
	if req.Amount <= 0 {
		problems = append(problems, errors.New("amount must be positive"))
	}
	if req.Currency == "" {
		problems = append(problems, errors.New("currency is required"))
	}
	if req.UserID == "" {
		problems = append(problems, errors.New("userId is required"))
	}
	return req, errors.Join(problems...)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
