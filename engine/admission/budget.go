package admission

import "fmt"

// Budget is the per-workflow-instance cap on total action executions. It is
// a monotonic counter, not a semaphore: once exhausted the workflow fails
// fatally. Every dispatch counts, including attempts consumed by
// retry_until loops.
type Budget struct {
	Cap  int `json:"cap"`
	Used int `json:"used"`
}

// NewBudget returns a budget with the given cap; cap <= 0 disables the
// guard.
func NewBudget(cap int) *Budget {
	return &Budget{Cap: cap}
}

// ErrBudgetExceeded is returned when the execution budget guard trips.
type ErrBudgetExceeded struct {
	Cap int
}

func (e *ErrBudgetExceeded) Error() string {
	return fmt.Sprintf("workflow exceeded its action execution limit of %d", e.Cap)
}

// Consume accounts for one action execution.
func (b *Budget) Consume() error {
	if b.Cap <= 0 {
		b.Used++
		return nil
	}
	if b.Used >= b.Cap {
		return &ErrBudgetExceeded{Cap: b.Cap}
	}
	b.Used++
	return nil
}
