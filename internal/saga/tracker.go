package saga

import (
	"sort"
	"sync"
	"time"

	"github.com/nsridhar76/go-txnsaga/internal/messaging"
)

// Status is the lifecycle state of a tracked run.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusStalled   Status = "STALLED"
	StatusCompleted Status = "COMPLETED"
	StatusAbandoned Status = "ABANDONED"
)

// Run is the in-process checkpoint of one saga. Emitted lists the event
// types already appended to the events topic, in order.
type Run struct {
	TransactionID string             `json:"transactionId"`
	UserID        string             `json:"userId"`
	Command       messaging.Envelope `json:"-"`
	Status        Status             `json:"status"`
	Emitted       []string           `json:"emitted"`
	Risk          Risk               `json:"risk,omitempty"`
	Attempts      int                `json:"attempts"`
	LastError     string             `json:"lastError,omitempty"`
	StartedAt     time.Time          `json:"startedAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

func (r *Run) clone() Run {
	c := *r
	c.Emitted = append([]string(nil), r.Emitted...)
	return c
}

// Tracker holds run checkpoints for the lifetime of the process. It is safe
// for concurrent use. A transaction is driven by at most one goroutine at a
// time: Begin and Resume hand out the run only when it is not RUNNING.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]*Run
	now  func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]*Run), now: time.Now}
}

// Begin claims the run for cmd. A new transaction starts from scratch; a
// STALLED run is claimed for resumption. RUNNING, COMPLETED and ABANDONED
// runs are not claimed.
func (t *Tracker) Begin(cmd messaging.Envelope) (Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	run, ok := t.runs[cmd.TransactionID]
	if !ok {
		run = &Run{
			TransactionID: cmd.TransactionID,
			UserID:        cmd.UserID,
			Command:       cmd,
			StartedAt:     now,
		}
		t.runs[cmd.TransactionID] = run
	} else if run.Status != StatusStalled {
		return Run{}, false
	}
	run.Status = StatusRunning
	run.Attempts++
	run.UpdatedAt = now
	return run.clone(), true
}

// Resume claims a STALLED run by transaction id.
func (t *Tracker) Resume(transactionID string) (Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.runs[transactionID]
	if !ok || run.Status != StatusStalled {
		return Run{}, false
	}
	run.Status = StatusRunning
	run.Attempts++
	run.UpdatedAt = t.now()
	return run.clone(), true
}

// Emitted records that eventType was appended.
func (t *Tracker) Emitted(transactionID, eventType string) {
	t.update(transactionID, func(r *Run) {
		r.Emitted = append(r.Emitted, eventType)
	})
}

// Decided records the risk decision so a resumed run takes the same branch.
func (t *Tracker) Decided(transactionID string, risk Risk) {
	t.update(transactionID, func(r *Run) { r.Risk = risk })
}

// Complete marks the run COMPLETED.
func (t *Tracker) Complete(transactionID string) {
	t.update(transactionID, func(r *Run) {
		r.Status = StatusCompleted
		r.LastError = ""
	})
}

// Stall marks the run STALLED, or ABANDONED once maxAttempts is reached.
// It returns the resulting status.
func (t *Tracker) Stall(transactionID string, cause error, maxAttempts int) Status {
	var status Status
	t.update(transactionID, func(r *Run) {
		r.LastError = cause.Error()
		if maxAttempts > 0 && r.Attempts >= maxAttempts {
			r.Status = StatusAbandoned
		} else {
			r.Status = StatusStalled
		}
		status = r.Status
	})
	return status
}

func (t *Tracker) update(transactionID string, fn func(*Run)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if run, ok := t.runs[transactionID]; ok {
		fn(run)
		run.UpdatedAt = t.now()
	}
}

// Get returns a snapshot of one run.
func (t *Tracker) Get(transactionID string) (Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[transactionID]
	if !ok {
		return Run{}, false
	}
	return run.clone(), true
}

// List returns runs with the given status, or all runs for an empty status,
// oldest update first.
func (t *Tracker) List(status Status) []Run {
	t.mu.Lock()
	out := make([]Run, 0, len(t.runs))
	for _, run := range t.runs {
		if status == "" || run.Status == status {
			out = append(out, run.clone())
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out
}

// Evict drops COMPLETED and ABANDONED runs not updated within retention and
// returns how many were removed.
func (t *Tracker) Evict(retention time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-retention)
	removed := 0
	for id, run := range t.runs {
		if (run.Status == StatusCompleted || run.Status == StatusAbandoned) && run.UpdatedAt.Before(cutoff) {
			delete(t.runs, id)
			removed++
		}
	}
	return removed
}
