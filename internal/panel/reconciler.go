package panel

import (
	"sync"
	"time"
)

// Result is the outcome of one reconciliation pass.
type Result struct {
	Changed bool
	View    View
	Payload Payload
}

// Reconciler decides whether the panel needs publishing by comparing the
// current view with the last one that was successfully published.
type Reconciler struct {
	mu   sync.Mutex
	last *View
	now  func() time.Time
}

func NewReconciler() *Reconciler {
	return &Reconciler{now: time.Now}
}

// Reconcile returns Changed=false when current matches the last committed
// view and force is false. The payload is only rendered when it will be
// published.
func (r *Reconciler) Reconcile(current View, force bool) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !force && r.last != nil && r.last.Equal(current) {
		return Result{View: current}
	}
	return Result{Changed: true, View: current, Payload: Render(current, r.now())}
}

// Commit records view as published.
func (r *Reconciler) Commit(view View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := view
	r.last = &v
}

// Reset forgets the committed view so the next pass publishes.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = nil
}
