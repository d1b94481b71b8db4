package saga

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/nsridhar76/go-txnsaga/internal/messaging"
)

// Risk is the fraud-check decision.
type Risk string

const (
	RiskLow  Risk = "LOW"
	RiskHigh Risk = "HIGH"
)

// RiskEvaluator decides the fraud risk of a transaction. The orchestrator
// only branches on the result.
type RiskEvaluator interface {
	Evaluate(ctx context.Context, transactionID string, req messaging.TransactionRequest) (Risk, error)
}

// RiskEvaluatorFunc adapts a function to RiskEvaluator.
type RiskEvaluatorFunc func(ctx context.Context, transactionID string, req messaging.TransactionRequest) (Risk, error)

func (f RiskEvaluatorFunc) Evaluate(ctx context.Context, transactionID string, req messaging.TransactionRequest) (Risk, error) {
	return f(ctx, transactionID, req)
}

// FixedEvaluator always returns the same decision.
type FixedEvaluator Risk

func (f FixedEvaluator) Evaluate(context.Context, string, messaging.TransactionRequest) (Risk, error) {
	return Risk(f), nil
}

// RandomEvaluator returns LOW with probability LowRatio. It is the
// placeholder fraud check of the demo deployment.
type RandomEvaluator struct {
	LowRatio float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomEvaluator returns an evaluator seeded from the runtime source.
// A non-positive ratio selects the reference 70% LOW.
func NewRandomEvaluator(lowRatio float64) *RandomEvaluator {
	if lowRatio <= 0 {
		lowRatio = 0.7
	}
	return &RandomEvaluator{
		LowRatio: lowRatio,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

func (r *RandomEvaluator) Evaluate(context.Context, string, messaging.TransactionRequest) (Risk, error) {
	r.mu.Lock()
	v := r.rng.Float64()
	r.mu.Unlock()
	if v < r.LowRatio {
		return RiskLow, nil
	}
	return RiskHigh, nil
}

// ThresholdEvaluator flags transfers above Limit as HIGH risk, and transfers
// between identical accounts.
type ThresholdEvaluator struct {
	Limit float64
}

func (t ThresholdEvaluator) Evaluate(_ context.Context, _ string, req messaging.TransactionRequest) (Risk, error) {
	if req.FromAccount != "" && req.FromAccount == req.ToAccount {
		return RiskHigh, nil
	}
	if t.Limit > 0 && req.Amount > t.Limit {
		return RiskHigh, nil
	}
	return RiskLow, nil
}
