package coordinator

import "sync"

// BudgetStatus is the coarse state of budget consumption.
type BudgetStatus int

const (
	// BudgetOK means spend is below the warning threshold.
	BudgetOK BudgetStatus = iota
	// BudgetWarning means spend crossed the warning threshold but not the cap.
	BudgetWarning
	// BudgetExhausted means the cap is reached.
	BudgetExhausted
)

// String returns a human-readable representation of the status.
func (s BudgetStatus) String() string {
	switch s {
	case BudgetOK:
		return "OK"
	case BudgetWarning:
		return "Warning"
	case BudgetExhausted:
		return "Exhausted"
	default:
		return "Unknown"
	}
}

// DefaultWarningThreshold is the spend fraction at which warnings begin.
const DefaultWarningThreshold = 0.80

// BudgetHandler tracks dollar spend against a per-task cap. When the cap is
// reached the coordinator stops starting new stories; the story in flight
// is allowed to finish, so the cap is a soft ceiling, not a hard kill.
type BudgetHandler struct {
	mu sync.RWMutex

	budgetUSD        float64
	usedUSD          float64
	warningThreshold float64
	warned           bool
	exhausted        bool
}

// NewBudgetHandler creates a handler with the given cap in dollars. A zero
// or negative cap disables enforcement.
func NewBudgetHandler(budgetUSD float64) *BudgetHandler {
	return &BudgetHandler{
		budgetUSD:        budgetUSD,
		warningThreshold: DefaultWarningThreshold,
	}
}

// Add records spend and returns the resulting status.
func (h *BudgetHandler) Add(costUSD float64) BudgetStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.usedUSD += costUSD
	return h.statusLocked()
}

// Status returns the current budget status.
func (h *BudgetHandler) Status() BudgetStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *BudgetHandler) statusLocked() BudgetStatus {
	if h.budgetUSD <= 0 {
		return BudgetOK
	}
	fraction := h.usedUSD / h.budgetUSD
	switch {
	case fraction >= 1.0:
		return BudgetExhausted
	case fraction >= h.warningThreshold:
		return BudgetWarning
	default:
		return BudgetOK
	}
}

// CanStartNew reports whether another story may start.
func (h *BudgetHandler) CanStartNew() bool {
	return h.Status() != BudgetExhausted
}

// Usage returns spend, cap, and the consumed fraction (0 when uncapped).
func (h *BudgetHandler) Usage() (usedUSD, budgetUSD, fraction float64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.budgetUSD > 0 {
		fraction = h.usedUSD / h.budgetUSD
	}
	return h.usedUSD, h.budgetUSD, fraction
}

// WarnOnce reports true exactly once after the warning threshold is first
// crossed, so the coordinator logs a single warning.
func (h *BudgetHandler) WarnOnce() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.warned || h.statusLocked() == BudgetOK {
		return false
	}
	h.warned = true
	return true
}

// MarkExhausted records that wind-down began. Idempotent; reports whether
// this call was the first.
func (h *BudgetHandler) MarkExhausted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exhausted {
		return false
	}
	h.exhausted = true
	return true
}

// IsExhausted reports whether wind-down has begun.
func (h *BudgetHandler) IsExhausted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exhausted
}
