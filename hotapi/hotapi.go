// Package hotapi implements the hot-facade predicates and the
// registration bookkeeping they inspect: the bare/ dependency accept(),
// decline(), dispose(), prune() and invalidate() surface a transformed
// module's body exposes to user code as `import.meta.hot`.
//
// Registrations is deliberately dumb: it only records what user code
// registered and, on request, runs it. Deciding WHETHER to run anything
// - the update algorithm itself - lives in package reload.
package hotapi

import (
	"fmt"
	"sync"

	"github.com/grafana/hotmod/module"
)

// SelfAcceptCallback runs when a module accepted its own replacement.
type SelfAcceptCallback func(ctx module.CallbackContext, newExports module.ExportsObject)

// DependencyAcceptCallback runs when one or more accepted dependencies
// changed.
type DependencyAcceptCallback func(ctx module.CallbackContext, changed []string)

// DisposeCallback runs immediately before an instance is replaced. Its
// return value is carried to the successor's Instantiate.
type DisposeCallback func(ctx module.CallbackContext) any

// PruneCallback runs once, when a module becomes permanently
// unreachable.
type PruneCallback func()

// dependencyAccept is one `accept(dep|deps, cb?)` registration.
type dependencyAccept struct {
	specifiers map[string]struct{}
	cb         DependencyAcceptCallback
}

// Registrations holds everything one module instance registered via
// meta.hot during its evaluation. A fresh Registrations is created per
// Instantiate call (see reload.Controller), so stale callbacks from a
// superseded instance are never consulted.
type Registrations struct {
	mu sync.Mutex

	selfAccept *SelfAcceptCallback
	depAccepts []dependencyAccept

	declined bool
	invalid  bool

	disposeCallbacks []DisposeCallback
	pruneCallbacks   []PruneCallback
}

// New returns an empty Registrations, ready to be installed on a
// module.Meta as its Hot facade.
func New() *Registrations {
	return &Registrations{}
}

var _ module.HotFacade = (*Registrations)(nil)

// AcceptSelf implements module.HotFacade.
func (r *Registrations) AcceptSelf(cb func(ctx module.CallbackContext, newExports module.ExportsObject)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := SelfAcceptCallback(cb)
	r.selfAccept = &c
}

// AcceptDependencies implements module.HotFacade.
func (r *Registrations) AcceptDependencies(specifiers []string, cb func(ctx module.CallbackContext, changed []string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[string]struct{}, len(specifiers))
	for _, s := range specifiers {
		set[s] = struct{}{}
	}
	r.depAccepts = append(r.depAccepts, dependencyAccept{specifiers: set, cb: cb})
}

// Decline implements module.HotFacade.
func (r *Registrations) Decline() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.declined = true
}

// Dispose implements module.HotFacade.
func (r *Registrations) Dispose(cb func(ctx module.CallbackContext) any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposeCallbacks = append(r.disposeCallbacks, cb)
}

// Prune implements module.HotFacade.
func (r *Registrations) Prune(cb func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneCallbacks = append(r.pruneCallbacks, cb)
}

// Invalidate implements module.HotFacade. It may be called either from
// inside a dispose/accept callback (the documented case) or directly
// from top-level module body code.
func (r *Registrations) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalid = true
}

type callbackCtx struct{ r *Registrations }

func (c callbackCtx) Invalidate() { c.r.Invalidate() }

// IsAcceptedSelf is true iff the instance registered a bare accept()
// with no dependency list.
func IsAcceptedSelf(r *Registrations) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selfAccept != nil
}

// IsAccepted is true iff every dependency in changedDeps is covered by
// some accept(dep[, cb]) registration (self-accept does not count: it
// terminates propagation by a different path, see IsAcceptedSelf).
func IsAccepted(r *Registrations, changedDeps []string) bool {
	if len(changedDeps) == 0 {
		return true
	}
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range changedDeps {
		covered := false
		for _, a := range r.depAccepts {
			if _, ok := a.specifiers[dep]; ok {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// IsDeclined is true iff decline() was called.
func IsDeclined(r *Registrations) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.declined
}

// IsInvalidated is true iff user code explicitly invalidated itself
// during dispose/accept.
func IsInvalidated(r *Registrations) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invalid
}

// TryAccept runs the dependency-accept callbacks registered for the
// intersection of changedDeps and r's registrations. It returns false
// iff any callback panicked or called Invalidate.
func TryAccept(r *Registrations, changedDeps []string) (ok bool) {
	if r == nil {
		return true
	}
	r.mu.Lock()
	accepts := append([]dependencyAccept(nil), r.depAccepts...)
	r.mu.Unlock()

	changed := make(map[string]struct{}, len(changedDeps))
	for _, d := range changedDeps {
		changed[d] = struct{}{}
	}

	ok = true
	for _, a := range accepts {
		if a.cb == nil {
			continue
		}
		var hit []string
		for dep := range a.specifiers {
			if _, in := changed[dep]; in {
				hit = append(hit, dep)
			}
		}
		if len(hit) == 0 {
			continue
		}
		if !runGuarded(func() { a.cb(callbackCtx{r}, hit) }) {
			ok = false
		}
	}
	if IsInvalidated(r) {
		ok = false
	}
	return ok
}

// TryAcceptSelf runs the self-accept callback, if any, with the
// namespace of the new instance. It returns false iff the callback
// panicked or called Invalidate. A module with no self-accept
// registration trivially "succeeds" (there is nothing to run); the
// update algorithm calls TryAcceptSelf for every replaced member, so
// only self-accepting ones can fail here.
func TryAcceptSelf(r *Registrations, newNamespace func() module.ExportsObject) (ok bool) {
	if r == nil {
		return true
	}
	r.mu.Lock()
	cb := r.selfAccept
	r.mu.Unlock()

	if cb == nil {
		return true
	}

	ok = runGuarded(func() { (*cb)(callbackCtx{r}, newNamespace()) })
	if IsInvalidated(r) {
		ok = false
	}
	return ok
}

// Dispose runs the dispose callbacks, in registration order, and
// returns the last non-nil carry-over payload (matching the common HMR
// convention of a single dispose() call per module; multiple
// registrations are supported for symmetry with Prune but only the
// final payload survives to Instantiate, since there is only one
// successor). Any callback panic is returned as an error: dispose
// failures are fatal per spec §7 and must propagate, not be swallowed.
func Dispose(r *Registrations) (data any, err error) {
	if r == nil {
		return nil, nil
	}
	r.mu.Lock()
	callbacks := append([]DisposeCallback(nil), r.disposeCallbacks...)
	r.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dispose callback panicked: %v", p)
		}
	}()

	for _, cb := range callbacks {
		if cb == nil {
			continue
		}
		if v := cb(callbackCtx{r}); v != nil {
			data = v
		}
	}
	return data, nil
}

// Prune runs the prune callbacks. Any callback panic is returned as an
// error: prune failures are fatal per spec §7.
func Prune(r *Registrations) (err error) {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	callbacks := append([]PruneCallback(nil), r.pruneCallbacks...)
	r.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("prune callback panicked: %v", p)
		}
	}()

	for _, cb := range callbacks {
		if cb != nil {
			cb()
		}
	}
	return nil
}

// runGuarded runs fn, converting a panic into a false return instead of
// propagating it - accept callback failures are recoverable per spec §7
// ("evaluationFailure; the graph is restored"), unlike dispose/prune.
func runGuarded(fn func()) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	fn()
	return true
}
