package crawler

import "sync"

// VisitTracker provides thread-safe tracking of item ids already scheduled in a run.
type VisitTracker struct {
	seen sync.Map
}

// NewVisitTracker returns an empty tracker.
func NewVisitTracker() *VisitTracker {
	return &VisitTracker{}
}

// MarkIfNew stores the key if it has not been seen before and returns true.
func (t *VisitTracker) MarkIfNew(key string) bool {
	if key == "" {
		return false
	}
	_, loaded := t.seen.LoadOrStore(key, struct{}{})
	return !loaded
}

// Forget removes a key so a later page may schedule it again.
func (t *VisitTracker) Forget(key string) {
	t.seen.Delete(key)
}
