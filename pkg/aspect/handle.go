package aspect

import (
	"sync"
	"time"
	"weak"

	"go.uber.org/zap"
)

// Exclusion records a target a pattern matched but the weaver skipped.
type Exclusion struct {
	Target *Target
	Err    error
}

// Handle is the result of one Weave call. It remembers which targets received
// which advices so the whole request can be undone in one step. Targets are
// held weakly; a handle does not keep them alive.
type Handle struct {
	weaver  *Weaver
	advices []*Advice

	mu       sync.Mutex
	targets  []woven
	excluded []Exclusion
	timer    *time.Timer
	done     bool
}

// woven is one target of a weave and the chain slots the weave added to it.
type woven struct {
	target weak.Pointer[Target]
	slots  []*slot
}

func newHandle(w *Weaver, advices []*Advice) *Handle {
	return &Handle{weaver: w, advices: advices}
}

func (h *Handle) add(t *Target, slots []*slot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.targets = append(h.targets, woven{target: weak.Make(t), slots: slots})
}

func (h *Handle) exclude(t *Target, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.excluded = append(h.excluded, Exclusion{Target: t, Err: err})
}

// Targets returns the live targets this weave attached to.
func (h *Handle) Targets() []*Target {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Target, 0, len(h.targets))
	for _, wt := range h.targets {
		if t := wt.target.Value(); t != nil {
			out = append(out, t)
		}
	}
	return out
}

// Excluded returns the matched targets that could not be woven.
func (h *Handle) Excluded() []Exclusion {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Exclusion(nil), h.excluded...)
}

// Advices returns the advices this weave attached.
func (h *Handle) Advices() []*Advice {
	return append([]*Advice(nil), h.advices...)
}

// Done reports whether the handle has been unwoven or has expired.
func (h *Handle) Done() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// Unweave removes exactly the chain occurrences this weave added, leaving
// earlier occurrences of the same advices in place. Occurrences already
// removed by other means are ignored, and each target gets its
// original binding back once its chain is empty. Unweave is idempotent.
func (h *Handle) Unweave() {
	h.finish(EventUnwoven)
}

func (h *Handle) rollback() {
	h.mu.Lock()
	targets := h.targets
	h.done = true
	h.mu.Unlock()
	for _, wt := range targets {
		if t := wt.target.Value(); t != nil {
			h.weaver.detach(t, stripSlots(wt.slots))
		}
	}
}

func (h *Handle) expireAfter(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timer = time.AfterFunc(d, func() {
		h.weaver.logger.Debug("weave expired", zap.Duration("ttl", d))
		h.finish(EventExpired)
	})
}

func (h *Handle) stopTimer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
	}
}

func (h *Handle) finish(typ EventType) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	if h.timer != nil {
		h.timer.Stop()
	}
	targets := h.targets
	h.mu.Unlock()

	h.weaver.dropHandle(h)
	var events []Event
	for _, wt := range targets {
		t := wt.target.Value()
		if t == nil {
			continue
		}
		removed, restored, _ := h.weaver.detach(t, stripSlots(wt.slots))
		events = append(events, h.weaver.removalEvents(t, removed, restored, typ)...)
	}
	h.weaver.listeners.emit(events...)
}
