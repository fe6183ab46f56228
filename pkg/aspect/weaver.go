package aspect

import (
	"cmp"
	"errors"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Weaver is the registry of woven targets. It installs intercepting wrappers,
// keeps the original binding of every target it intercepts and restores it
// exactly on unweave. A Weaver is safe for concurrent use: structural changes
// on one target are serialized by that target's lock, changes on disjoint
// targets proceed in parallel, and invocations never take a lock.
type Weaver struct {
	mu       sync.RWMutex
	entries  map[uint64]*entry
	advices  map[uuid.UUID]*adviceRef
	handles  map[*Handle]struct{}
	config   *Config
	disabled map[uuid.UUID]bool // advices switched off by config
	closed   bool
	strict   *bool // WithStrict, applied after all options

	logger    *zap.Logger
	listeners listenerRegistry
}

type adviceRef struct {
	advice *Advice
	count  int
}

// Option configures a Weaver.
type Option func(*Weaver)

// WithLogger sets the logger used for registry changes. The default discards
// everything.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Weaver) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithConfig replaces the default configuration.
func WithConfig(cfg *Config) Option {
	return func(w *Weaver) {
		if cfg != nil {
			w.config = cfg.clone()
		}
	}
}

// WithStrict makes selections containing two targets with the same qualified
// name fail with AmbiguousPointcutError. It overrides the Strict field of a
// WithConfig configuration regardless of option order.
func WithStrict(strict bool) Option {
	return func(w *Weaver) {
		w.strict = &strict
	}
}

// WithListener subscribes a listener to registry events.
func WithListener(l Listener) Option {
	return func(w *Weaver) {
		w.listeners.register(l)
	}
}

// New creates a Weaver with default configuration, ready to use.
func New(opts ...Option) *Weaver {
	w := &Weaver{
		entries:  make(map[uint64]*entry),
		advices:  make(map[uuid.UUID]*adviceRef),
		handles:  make(map[*Handle]struct{}),
		config:   DefaultConfig(),
		disabled: make(map[uuid.UUID]bool),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.strict != nil {
		w.config.Strict = *w.strict
	}
	return w
}

// Init makes the weaver accept structural operations again after Shutdown.
// Init is idempotent.
func (w *Weaver) Init() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		return
	}
	w.closed = false
	w.logger.Debug("weaver initialized")
}

// Shutdown stops pending TTL timers and restores the original binding of every
// target this weaver intercepts. Weave afterwards fails with ErrShutdown until
// Init is called. Shutdown is idempotent.
func (w *Weaver) Shutdown() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	handles := make([]*Handle, 0, len(w.handles))
	for h := range w.handles {
		handles = append(handles, h)
	}
	w.handles = make(map[*Handle]struct{})
	entries := make([]*entry, 0, len(w.entries))
	for _, e := range w.entries {
		entries = append(entries, e)
	}
	w.mu.Unlock()

	for _, h := range handles {
		h.stopTimer()
	}

	slices.SortFunc(entries, func(a, b *entry) int {
		return cmp.Compare(a.targetID, b.targetID)
	})
	var events []Event
	for _, e := range entries {
		t := e.target.Value()
		if t == nil {
			w.forget(e.targetID)
			continue
		}
		removed, restored, _ := w.detach(t, stripAll)
		if restored {
			events = append(events, newEvent(EventRestored, t, removed))
		}
	}
	w.logger.Info("weaver shut down", zap.Int("restored", len(events)))
	w.listeners.emit(events...)
}

// Subscribe registers a listener for registry events.
func (w *Weaver) Subscribe(l Listener) {
	w.listeners.register(l)
}

// Config returns a copy of the active configuration.
func (w *Weaver) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config.clone()
}

// WeaveOption tunes a single weave request.
type WeaveOption func(*weaveOptions)

type weaveOptions struct {
	position int
	ttl      time.Duration
}

// At inserts the advices at position pos of each chain instead of appending.
// Positions past the end append.
func At(pos int) WeaveOption {
	return func(o *weaveOptions) {
		o.position = pos
	}
}

// WithTTL unweaves the advices of this request automatically after d.
func WithTTL(d time.Duration) WeaveOption {
	return func(o *weaveOptions) {
		o.ttl = d
	}
}

// Weave attaches advices to every target sel resolves to and returns a handle
// for removing exactly what was added.
//
// Targets that cannot be woven are skipped and listed by Handle.Excluded when
// sel is a pattern, but fail the request with NotWeavableError when sel names
// them exactly. A limit error rolls back every target already woven by this
// request. An empty selection is not an error.
func (w *Weaver) Weave(sel Selector, advices []*Advice, opts ...WeaveOption) (*Handle, error) {
	advices = slices.DeleteFunc(slices.Clone(advices), func(a *Advice) bool { return a == nil })
	if len(advices) == 0 {
		return nil, ErrNoAdvice
	}

	w.mu.RLock()
	closed := w.closed
	cfg := w.config.clone()
	w.mu.RUnlock()
	if closed {
		return nil, ErrShutdown
	}

	o := weaveOptions{position: -1, ttl: cfg.DefaultTTL.Duration}
	for _, opt := range opts {
		opt(&o)
	}

	selection, err := sel.Select()
	if err != nil {
		return nil, err
	}
	if cfg.Strict {
		if amb := ambiguity(selection.Targets); amb != nil {
			return nil, amb
		}
	}

	h := newHandle(w, advices)
	var events []Event
	for _, t := range selection.Targets {
		added, toggled, err := w.attach(t, advices, o.position, cfg)
		if err != nil {
			if IsNotWeavable(err) && !selection.Exact {
				h.exclude(t, err)
				events = append(events, Event{
					Type:      EventExcluded,
					Target:    t.QualifiedName(),
					TargetID:  t.id,
					Reason:    err.Error(),
					Timestamp: time.Now(),
				})
				w.logger.Warn("target excluded from weave",
					zap.String("target", t.QualifiedName()),
					zap.Error(err))
				continue
			}
			h.rollback()
			return nil, err
		}
		h.add(t, added)
		events = append(events, newEvent(EventWoven, t, advices))
		events = append(events, toggled...)
		w.logger.Debug("target woven",
			zap.String("target", t.QualifiedName()),
			zap.Int("advices", len(advices)),
			zap.Int("position", o.position))
	}

	if o.ttl > 0 && len(h.targets) > 0 {
		w.mu.Lock()
		if !w.closed {
			w.handles[h] = struct{}{}
			h.expireAfter(o.ttl)
		}
		w.mu.Unlock()
	}

	w.listeners.emit(events...)
	return h, nil
}

// attach installs or extends the wrapper of one target and returns the slots
// it added, plus the events of advices switched off by configuration.
func (w *Weaver) attach(t *Target, advices []*Advice, pos int, cfg *Config) ([]*slot, []Event, error) {
	if !t.kind.Weavable() {
		return nil, nil, &NotWeavableError{Target: t, Reason: t.kind.String() + " targets cannot be intercepted"}
	}
	if t.sealed {
		return nil, nil, &NotWeavableError{Target: t, Reason: "target is sealed"}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.current.Load()
	e := cur.entry
	if e != nil && e.weaver != w {
		return nil, nil, &NotWeavableError{Target: t, Reason: "target is woven by another weaver"}
	}

	length := len(advices)
	if e != nil {
		length += len(e.slots)
	}
	if cfg.MaxChainLength > 0 && length > cfg.MaxChainLength {
		return nil, nil, &LimitError{Limit: "chain length", Current: length, Max: cfg.MaxChainLength}
	}

	if e != nil {
		next, added := insertSlots(e.slots, advices, pos)
		e.publish(next)
		w.mu.Lock()
		events := w.retain(advices, t)
		w.mu.Unlock()
		return added, events, nil
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, nil, ErrShutdown
	}
	if cfg.MaxTargets > 0 && len(w.entries)+1 > cfg.MaxTargets {
		n := len(w.entries) + 1
		w.mu.Unlock()
		return nil, nil, &LimitError{Limit: "woven targets", Current: n, Max: cfg.MaxTargets}
	}
	e = newEntry(w, t, cur)
	w.entries[t.id] = e
	events := w.retain(advices, t)
	w.mu.Unlock()

	next, added := insertSlots(nil, advices, -1)
	e.publish(next)
	e.cleanup = runtime.AddCleanup(t, w.forget, t.id)
	t.current.Store(e.wrapper)
	return added, events, nil
}

// strip computes the slots left after a removal and the advices removed.
type strip func(t *Target, slots []*slot) (next []*slot, removed []*Advice, err error)

func stripAll(_ *Target, slots []*slot) ([]*slot, []*Advice, error) {
	removed := make([]*Advice, len(slots))
	for i, s := range slots {
		removed[i] = s.advice
	}
	return nil, removed, nil
}

// stripIDs removes every occurrence of the given advices. All of them must be
// on the chain.
func stripIDs(ids []uuid.UUID) strip {
	return func(t *Target, slots []*slot) ([]*slot, []*Advice, error) {
		var missing []uuid.UUID
		for _, id := range ids {
			if !slices.ContainsFunc(slots, func(s *slot) bool { return s.advice.id == id }) {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return nil, nil, &UnknownAdviceError{Target: t, IDs: missing}
		}
		var next []*slot
		var removed []*Advice
		for _, s := range slots {
			if slices.Contains(ids, s.advice.id) {
				removed = append(removed, s.advice)
			} else {
				next = append(next, s)
			}
		}
		return next, removed, nil
	}
}

// stripSlots removes exactly the given occurrences, ignoring those already
// gone.
func stripSlots(owned []*slot) strip {
	return func(_ *Target, slots []*slot) ([]*slot, []*Advice, error) {
		var next []*slot
		var removed []*Advice
		for _, s := range slots {
			if slices.Contains(owned, s) {
				removed = append(removed, s.advice)
			} else {
				next = append(next, s)
			}
		}
		return next, removed, nil
	}
}

// detach applies a removal to one target. When the chain empties, the exact
// original binding goes back into the slot and the entry is dropped.
func (w *Weaver) detach(t *Target, fn strip) (removed []*Advice, restored bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.current.Load().entry
	if e == nil || e.weaver != w {
		return nil, false, nil
	}
	next, removed, err := fn(t, e.slots)
	if err != nil {
		return nil, false, err
	}

	if len(next) == 0 {
		t.current.Store(e.original)
		e.cleanup.Stop()
		w.mu.Lock()
		if w.entries[t.id] == e {
			delete(w.entries, t.id)
		}
		w.release(removed)
		w.mu.Unlock()
		return removed, true, nil
	}

	e.publish(next)
	w.mu.Lock()
	w.release(removed)
	w.mu.Unlock()
	return removed, false, nil
}

// Unweave removes advices from every target sel resolves to. With no advices
// the whole chain goes and the original binding is restored. Otherwise every
// occurrence of each advice is removed and the rest keeps its order; the
// original comes back once the chain is empty. Targets this weaver does not
// intercept are left alone. A target whose chain lacks one of the advices is
// left untouched and reported with UnknownAdviceError; other targets are still
// processed.
func (w *Weaver) Unweave(sel Selector, advices ...*Advice) error {
	selection, err := sel.Select()
	if err != nil {
		return err
	}

	fn := stripAll
	if len(advices) > 0 {
		ids := make([]uuid.UUID, 0, len(advices))
		for _, a := range advices {
			if a != nil && !slices.Contains(ids, a.id) {
				ids = append(ids, a.id)
			}
		}
		fn = stripIDs(ids)
	}

	var (
		events []Event
		errs   []error
	)
	for _, t := range selection.Targets {
		removed, restored, err := w.detach(t, fn)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, w.removalEvents(t, removed, restored, EventUnwoven)...)
	}
	w.listeners.emit(events...)
	return errors.Join(errs...)
}

func (w *Weaver) removalEvents(t *Target, removed []*Advice, restored bool, typ EventType) []Event {
	if len(removed) == 0 {
		return nil
	}
	events := []Event{newEvent(typ, t, removed)}
	if restored {
		events = append(events, newEvent(EventRestored, t, nil))
	}
	w.logger.Debug("advices removed",
		zap.String("target", t.QualifiedName()),
		zap.Int("removed", len(removed)),
		zap.Bool("restored", restored))
	return events
}

// IsIntercepted reports whether this weaver has a wrapper installed on t. It
// stays true while every advice on the chain is disabled.
func (w *Weaver) IsIntercepted(t *Target) bool {
	if t == nil {
		return false
	}
	e := t.current.Load().entry
	return e != nil && e.weaver == w
}

// Enable switches an advice on for every chain it is woven on.
func (w *Weaver) Enable(a *Advice) error {
	return w.toggle(a, true)
}

// Disable switches an advice off. It stays on its chains and the executor
// skips it.
func (w *Weaver) Disable(a *Advice) error {
	return w.toggle(a, false)
}

// EnableID toggles a woven advice by identifier.
func (w *Weaver) EnableID(id uuid.UUID, enabled bool) error {
	a, ok := w.Advice(id)
	if !ok {
		return &UnknownAdviceError{IDs: []uuid.UUID{id}}
	}
	return w.toggle(a, enabled)
}

func (w *Weaver) toggle(a *Advice, enabled bool) error {
	if a == nil {
		return &UnknownAdviceError{}
	}
	w.mu.Lock()
	_, ok := w.advices[a.id]
	if ok {
		delete(w.disabled, a.id)
	}
	w.mu.Unlock()
	if !ok {
		return &UnknownAdviceError{IDs: []uuid.UUID{a.id}}
	}
	if a.SetEnabled(enabled) {
		w.listeners.emit(toggleEvent(nil, a, enabled))
	}
	return nil
}

func toggleEvent(t *Target, a *Advice, enabled bool) Event {
	typ := EventDisabled
	if enabled {
		typ = EventEnabled
	}
	return newEvent(typ, t, []*Advice{a})
}

// SetEnabled toggles the advices woven on the targets sel resolves to. With no
// ids every advice on those chains is toggled; otherwise each id must be on
// the chain of every intercepted target. The enabled flag belongs to the
// advice, so sharing chains elsewhere see the change too.
func (w *Weaver) SetEnabled(sel Selector, enabled bool, ids ...uuid.UUID) error {
	selection, err := sel.Select()
	if err != nil {
		return err
	}
	var (
		events []Event
		errs   []error
	)
	for _, t := range selection.Targets {
		chain := w.Advices(t)
		if chain == nil {
			continue
		}
		var picked []*Advice
		if len(ids) == 0 {
			picked = chain
		} else {
			var missing []uuid.UUID
			for _, id := range ids {
				i := slices.IndexFunc(chain, func(a *Advice) bool { return a.id == id })
				if i < 0 {
					missing = append(missing, id)
					continue
				}
				picked = append(picked, chain[i])
			}
			if len(missing) > 0 {
				errs = append(errs, &UnknownAdviceError{Target: t, IDs: missing})
				continue
			}
		}
		for _, a := range picked {
			if a.SetEnabled(enabled) {
				events = append(events, toggleEvent(t, a, enabled))
			}
		}
	}
	w.listeners.emit(events...)
	return errors.Join(errs...)
}

// Advices returns a copy of the chain woven on t, or nil if this weaver does
// not intercept it.
func (w *Weaver) Advices(t *Target) []*Advice {
	if t == nil {
		return nil
	}
	e := t.current.Load().entry
	if e == nil || e.weaver != w {
		return nil
	}
	return slices.Clone(e.advices())
}

// Advice looks up an advice woven somewhere by this weaver.
func (w *Weaver) Advice(id uuid.UUID) (*Advice, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ref, ok := w.advices[id]
	if !ok {
		return nil, false
	}
	return ref.advice, true
}

// Original returns the callable an intercepted target had before weaving.
func (w *Weaver) Original(t *Target) (Fn, bool) {
	if t == nil {
		return nil, false
	}
	e := t.current.Load().entry
	if e == nil || e.weaver != w {
		return nil, false
	}
	return e.original.fn, true
}

// Intercepted lists the live targets this weaver intercepts, oldest first.
func (w *Weaver) Intercepted() []*Target {
	w.mu.RLock()
	entries := make([]*entry, 0, len(w.entries))
	for _, e := range w.entries {
		entries = append(entries, e)
	}
	w.mu.RUnlock()

	slices.SortFunc(entries, func(a, b *entry) int {
		return cmp.Compare(a.targetID, b.targetID)
	})
	targets := make([]*Target, 0, len(entries))
	for _, e := range entries {
		if t := e.target.Value(); t != nil {
			targets = append(targets, t)
		}
	}
	return targets
}

// AdviceInfo is a serializable view of an advice on a chain.
type AdviceInfo struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Enabled bool      `json:"enabled"`
}

// TargetInfo is a serializable view of an intercepted target.
type TargetInfo struct {
	ID      uint64       `json:"id"`
	Name    string       `json:"name"`
	Kind    string       `json:"kind"`
	Advices []AdviceInfo `json:"advices"`
}

// Snapshot describes every intercepted target and its chain.
func (w *Weaver) Snapshot() []TargetInfo {
	targets := w.Intercepted()
	infos := make([]TargetInfo, 0, len(targets))
	for _, t := range targets {
		chain := w.Advices(t)
		if chain == nil {
			continue
		}
		info := TargetInfo{
			ID:      t.id,
			Name:    t.QualifiedName(),
			Kind:    t.kind.String(),
			Advices: make([]AdviceInfo, len(chain)),
		}
		for i, a := range chain {
			info.Advices[i] = AdviceInfo{ID: a.id, Name: a.name, Enabled: a.Enabled()}
		}
		infos = append(infos, info)
	}
	return infos
}

// ApplyConfig swaps in a new configuration. Limits apply to later weaves.
// Advices named in cfg.Disabled are switched off; advices switched off by a
// previous configuration and no longer listed are switched back on.
func (w *Weaver) ApplyConfig(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	w.config = cfg.clone()
	var events []Event
	for _, ref := range w.advices {
		events = append(events, w.applyDisabled(ref.advice)...)
	}
	w.mu.Unlock()

	w.logger.Info("configuration applied",
		zap.Bool("strict", cfg.Strict),
		zap.Int("max_chain_length", cfg.MaxChainLength),
		zap.Int("max_targets", cfg.MaxTargets),
		zap.Strings("disabled", cfg.Disabled))
	w.listeners.emit(events...)
	return nil
}

// applyDisabled reconciles one advice with the configured disabled names.
// Callers hold w.mu.
func (w *Weaver) applyDisabled(a *Advice) []Event {
	listed := slices.Contains(w.config.Disabled, a.name)
	switch {
	case listed && !w.disabled[a.id]:
		w.disabled[a.id] = true
		if a.SetEnabled(false) {
			return []Event{toggleEvent(nil, a, false)}
		}
	case !listed && w.disabled[a.id]:
		delete(w.disabled, a.id)
		if a.SetEnabled(true) {
			return []Event{toggleEvent(nil, a, true)}
		}
	}
	return nil
}

// retain counts chain occurrences of advices and returns the toggle events of
// advices new to the registry whose name configuration disables. Callers hold
// w.mu.
func (w *Weaver) retain(advices []*Advice, t *Target) []Event {
	var events []Event
	for _, a := range advices {
		ref, ok := w.advices[a.id]
		if !ok {
			ref = &adviceRef{advice: a}
			w.advices[a.id] = ref
			for _, ev := range w.applyDisabled(a) {
				ev.Target = t.QualifiedName()
				ev.TargetID = t.id
				events = append(events, ev)
			}
		}
		ref.count++
	}
	return events
}

// release drops chain occurrences of advices. Callers hold w.mu.
func (w *Weaver) release(advices []*Advice) {
	for _, a := range advices {
		ref, ok := w.advices[a.id]
		if !ok {
			continue
		}
		ref.count--
		if ref.count <= 0 {
			delete(w.advices, a.id)
			delete(w.disabled, a.id)
		}
	}
}

// forget drops the entry of a target the garbage collector reclaimed.
func (w *Weaver) forget(targetID uint64) {
	w.mu.Lock()
	e, ok := w.entries[targetID]
	if ok {
		delete(w.entries, targetID)
		w.release(e.advices())
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	w.logger.Debug("collected target forgotten", zap.String("target", e.name))
	w.listeners.emit(Event{
		Type:      EventCollected,
		Target:    e.name,
		TargetID:  targetID,
		Timestamp: time.Now(),
	})
}

func (w *Weaver) dropHandle(h *Handle) {
	w.mu.Lock()
	delete(w.handles, h)
	w.mu.Unlock()
}
