package fixtures

import (
	"errors"
	"sync"

	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
)

// RecordingInhibitor is an InhibitProvider that records every call and
// can be told to fail.
type RecordingInhibitor struct {
	mu       sync.Mutex
	Reason   string
	Creates  int
	Sets     int
	Clears   int
	Closes   int
	Active   bool
	FailNext map[string]int // "create", "set", "clear" -> remaining failures

	// Violations counts Set while active and Clear while inactive.
	Violations int
}

// NewRecordingInhibitor creates a provider that never fails.
func NewRecordingInhibitor() *RecordingInhibitor {
	return &RecordingInhibitor{FailNext: make(map[string]int)}
}

func (r *RecordingInhibitor) Name() string { return "recording" }

func (r *RecordingInhibitor) Create(reason string) (domain.InhibitHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Creates++
	if r.takeFailure("create") {
		return nil, domain.ErrHandleCreation
	}
	r.Reason = reason
	return &recordingHandle{r: r}, nil
}

// Fail makes the next n calls of op ("create", "set", "clear") fail.
func (r *RecordingInhibitor) Fail(op string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FailNext[op] = n
}

// IsActive reports whether sleep is currently blocked.
func (r *RecordingInhibitor) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Active
}

// Counts returns Set, Clear and Close call counts.
func (r *RecordingInhibitor) Counts() (sets, clears, closes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Sets, r.Clears, r.Closes
}

// ViolationCount returns the number of out-of-order Set/Clear calls.
func (r *RecordingInhibitor) ViolationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Violations
}

func (r *RecordingInhibitor) takeFailure(op string) bool {
	if r.FailNext[op] > 0 {
		r.FailNext[op]--
		return true
	}
	return false
}

type recordingHandle struct {
	r      *RecordingInhibitor
	closed bool
}

func (h *recordingHandle) Set() error {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if h.closed {
		return domain.ErrHandleDisposed
	}
	h.r.Sets++
	if h.r.takeFailure("set") {
		return errors.Join(domain.ErrSetInhibit, errors.New("injected failure"))
	}
	if h.r.Active {
		h.r.Violations++
	}
	h.r.Active = true
	return nil
}

func (h *recordingHandle) Clear() error {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if h.closed {
		return domain.ErrHandleDisposed
	}
	h.r.Clears++
	if h.r.takeFailure("clear") {
		return errors.Join(domain.ErrClearInhibit, errors.New("injected failure"))
	}
	if !h.r.Active {
		h.r.Violations++
	}
	h.r.Active = false
	return nil
}

func (h *recordingHandle) Close() error {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if h.closed {
		return domain.ErrHandleDisposed
	}
	h.closed = true
	h.r.Closes++
	h.r.Active = false
	return nil
}

// Ensure RecordingInhibitor implements domain.InhibitProvider.
var _ domain.InhibitProvider = (*RecordingInhibitor)(nil)
