package filewriter

import "sync"

// ErrorWalker is a small fixed-capacity ring of storage diagnostics,
// supplementing the distilled spec (see SPEC_FULL.md's "Supplemented
// features") with odin-data's check_errors/read_errors/clear_errors
// surface. It is constructed once with the FileWriter stage and
// collects for the engine's entire lifetime, resolving the
// background-error-walker Open Question of Design Notes §9 as
// always-on.
type ErrorWalker struct {
	mu       sync.Mutex
	messages []string
	cap      int
}

func newErrorWalker(capacity int) *ErrorWalker {
	if capacity <= 0 {
		capacity = 64
	}
	return &ErrorWalker{cap: capacity}
}

func (w *ErrorWalker) record(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msg)
	if len(w.messages) > w.cap {
		w.messages = w.messages[len(w.messages)-w.cap:]
	}
}

// CheckErrors reports whether any diagnostics are pending.
func (w *ErrorWalker) CheckErrors() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages) > 0
}

// ReadErrors returns a copy of the currently recorded diagnostics.
func (w *ErrorWalker) ReadErrors() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.messages))
	copy(out, w.messages)
	return out
}

// ClearErrors discards all recorded diagnostics.
func (w *ErrorWalker) ClearErrors() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = nil
}
