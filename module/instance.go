package module

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/grafana/hotmod/errext"
)

// LinkState is where one instance sits in the instantiate -> link ->
// evaluate lifecycle.
type LinkState int

const (
	StateUnlinked LinkState = iota
	StateLinked
	StateEvaluating
	StateEvaluated
	// StateErrored is reached only via a failed Link; Evaluate's
	// post-state is always StateEvaluated, with the failure recorded in
	// EvaluationError instead, per spec §4.2.
	StateErrored
)

func (s LinkState) String() string {
	switch s {
	case StateUnlinked:
		return "unlinked"
	case StateLinked:
		return "linked"
	case StateEvaluating:
		return "evaluating"
	case StateEvaluated:
		return "evaluated"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// CurrentInstanceProvider is satisfied by a controller that can report
// the instance it currently presents to importers. Link's default
// resolver (resolveChild = c => c.current, per spec §4.2) uses it.
type CurrentInstanceProvider interface {
	CurrentInstance() *ReloadableModuleInstance
}

// ResolveChildFunc picks which instance of a child controller to link
// against. The controller package supplies different closures for the
// different graph "views" the update algorithm walks (current, pending,
// previous-or-pending, temporary-or-pending); this package is agnostic
// to which view is in play.
type ResolveChildFunc func(controller any) *ReloadableModuleInstance

func defaultResolveChild(c any) *ReloadableModuleInstance {
	if p, ok := c.(CurrentInstanceProvider); ok {
		return p.CurrentInstance()
	}
	return nil
}

// LinkError describes an import Link could not resolve; Link returns it
// wrapped with an errext hint. URL identifies the module whose export
// list was found lacking.
type LinkError struct {
	URL     string
	Name    string
	Problem string // "missing", "ambiguous", or "cycle"
}

func (e *LinkError) Error() string {
	var noun string
	switch e.Problem {
	case "missing":
		noun = "no such"
	case "ambiguous":
		noun = "ambiguous"
	case "cycle":
		noun = "cyclic"
	default:
		noun = "invalid"
	}
	return fmt.Sprintf("%s export %q in %s", noun, e.Name, e.URL)
}

func newSyntaxError(url, name, problem, hint string) error {
	return errext.WithHint(&LinkError{URL: url, Name: name, Problem: problem}, hint)
}

// ReloadableModuleInstance is one concrete linked form of a module:
// the declaration that produced it, its live export namespace, its
// import bindings, and where it sits in the link/evaluate lifecycle.
type ReloadableModuleInstance struct {
	declaration *ModuleDeclaration
	runtime     *goja.Runtime

	state            LinkState
	exports          ExportsObject
	replaceExports   ReplaceExportsFunc
	evaluationError  error
	importBindings   map[string]boundExport
	dynamicChildren  []any
	disposeCarryover any

	// meta is this instance's own copy of declaration.Meta: the
	// declaration (and its base Meta) may be shared across instances via
	// Clone, but each instantiation needs its own meta.hot registrations
	// so a superseded instance's callbacks are never consulted again.
	meta *Meta
}

// HotFacadeFactory builds a fresh HotFacade for one Instantiate call.
// module stays agnostic to hotapi's concrete Registrations type; the
// reload package supplies this closure.
type HotFacadeFactory func() HotFacade

type boundExport struct {
	instance *ReloadableModuleInstance
	name     string // "" for a namespace binding
}

// NewInstance allocates an unlinked, uninstantiated instance for decl,
// evaluated against rt. Declarations are immutable and may be shared
// across instances (see Clone).
func NewInstance(decl *ModuleDeclaration, rt *goja.Runtime) *ReloadableModuleInstance {
	return &ReloadableModuleInstance{declaration: decl, runtime: rt, state: StateUnlinked}
}

// Declaration returns the immutable declaration backing this instance.
func (inst *ReloadableModuleInstance) Declaration() *ModuleDeclaration { return inst.declaration }

// State returns the instance's current lifecycle state.
func (inst *ReloadableModuleInstance) State() LinkState { return inst.state }

// EvaluationError returns the error Evaluate recorded, if any.
func (inst *ReloadableModuleInstance) EvaluationError() error { return inst.evaluationError }

// Exports returns the instance's live export namespace.
func (inst *ReloadableModuleInstance) Exports() ExportsObject { return inst.exports }

// DynamicChildren returns the child controllers observed via
// dynamicImport so far, in first-seen order.
func (inst *ReloadableModuleInstance) DynamicChildren() []any {
	return append([]any(nil), inst.dynamicChildren...)
}

// Instantiate allocates a fresh, empty exports object (with every
// locally-declared export name pre-bound to undefined, so cyclic
// imports can Link against them before Evaluate runs) and, if disposeData
// is non-nil, retains it for the body to read back during Evaluate.
// newHot, if non-nil, builds this instance's own meta.hot registrations;
// a nil declaration.Meta (the "absent" case per spec §3) leaves
// inst.meta nil and Evaluate passes nil through to the body unchanged.
func (inst *ReloadableModuleInstance) Instantiate(disposeData any, newHot HotFacadeFactory) {
	inst.exports = inst.runtime.NewObject()
	for _, name := range inst.declaration.LocalExportNames {
		_ = inst.exports.Set(name, goja.Undefined())
	}
	inst.replaceExports = func(e ExportsObject) { inst.exports = e }
	inst.disposeCarryover = disposeData
	inst.evaluationError = nil
	inst.state = StateUnlinked

	if inst.declaration.Meta != nil {
		m := *inst.declaration.Meta
		if newHot != nil {
			m.Hot = newHot()
		}
		inst.meta = &m
	} else {
		inst.meta = nil
	}
}

// Hot returns this instance's own meta.hot registrations, or nil if
// none were installed at Instantiate.
func (inst *ReloadableModuleInstance) Hot() HotFacade {
	if inst.meta == nil {
		return nil
	}
	return inst.meta.Hot
}

// Clone returns a fresh, uninstantiated instance sharing inst's
// declaration - used when the same declaration must run again: a
// self-accepting module reacting to its own invalidation, or an orphan
// revived from staging.
func (inst *ReloadableModuleInstance) Clone() *ReloadableModuleInstance {
	return NewInstance(inst.declaration, inst.runtime)
}

// Link binds every import in the declaration's LoadedModules against
// the instance resolveChild selects for each target controller, chasing
// indirect and star re-export chains through those instances' own
// declarations. resolveChild defaults to "the target's current
// instance" when nil.
func (inst *ReloadableModuleInstance) Link(resolveChild ResolveChildFunc) (err error) {
	defer func() {
		if err != nil {
			inst.state = StateErrored
		}
	}()
	if resolveChild == nil {
		resolveChild = defaultResolveChild
	}

	bindings := make(map[string]boundExport, len(inst.declaration.LoadedModules))

	for _, req := range inst.declaration.LoadedModules {
		target := resolveChild(req.Target())
		if target == nil {
			return newSyntaxError(inst.declaration.metaURL(), req.Specifier, "missing",
				fmt.Sprintf("could not resolve module %q", req.Specifier))
		}

		for _, b := range req.Bindings {
			if b.Imported == "*" {
				bindings[b.Local] = boundExport{instance: target, name: ""}
				continue
			}

			resolved, err := target.resolveExport(b.Imported, resolveChild, map[exportKey]bool{})
			if err != nil {
				return err
			}
			if resolved == nil {
				return newSyntaxError(target.declaration.metaURL(), b.Imported, "missing",
					fmt.Sprintf("add an export named %q to the module, or remove the import", b.Imported))
			}
			bindings[b.Local] = *resolved
		}
	}

	inst.importBindings = bindings
	inst.state = StateLinked
	return nil
}

// Relink re-binds every import exactly as Link would, for use after a
// dependency SCC re-evaluates without this instance itself being
// replaced - the graph structure (what imports what) is assumed
// unchanged, so any failure here indicates an internal inconsistency
// rather than a user code problem.
func (inst *ReloadableModuleInstance) Relink(resolveChild ResolveChildFunc) error {
	return inst.Link(resolveChild)
}

// Unlink releases this instance's import bindings. It returns true if
// the caller should forget this instance's slot entirely (it was never
// evaluated, so nothing but the bindings needs cleaning up).
func (inst *ReloadableModuleInstance) Unlink() bool {
	inst.importBindings = nil
	forget := inst.state != StateEvaluated
	if inst.state == StateLinked {
		inst.state = StateUnlinked
	}
	return forget
}

type exportKey struct {
	inst *ReloadableModuleInstance
	name string
}

// resolveExport implements the ECMAScript ResolveExport algorithm: a
// name is resolvable if it is bound directly, else if exactly one
// indirect/star chain resolves it. seen holds the (instance, name) pairs
// on the current resolution chain; revisiting one of them is reported as
// a cycle, whether the chain loops back in one hop (`export * from self`)
// or several. A pair leaves seen again when its resolution returns, so
// two star sources that lead to the same binding are not mistaken for a
// cycle.
func (inst *ReloadableModuleInstance) resolveExport(
	name string, resolveChild ResolveChildFunc, seen map[exportKey]bool,
) (*boundExport, error) {
	key := exportKey{inst, name}
	if seen[key] {
		return nil, newSyntaxError(inst.declaration.metaURL(), name, "cycle",
			"remove the circular export * chain")
	}
	seen[key] = true
	defer delete(seen, key)

	for _, local := range inst.declaration.LocalExportNames {
		if local == name {
			return &boundExport{instance: inst, name: name}, nil
		}
	}

	if entry, ok := inst.declaration.IndirectExportEntries[name]; ok {
		target := inst.resolveModuleRequest(resolveChild, entry.ModuleRequest)
		if target == nil {
			return nil, newSyntaxError(inst.declaration.metaURL(), name, "missing", "check the re-exported module resolves")
		}
		return target.resolveExport(entry.Binding, resolveChild, seen)
	}

	if name == "default" {
		return nil, nil // export * never re-exports default
	}

	var found *boundExport
	for _, star := range inst.declaration.StarExportEntries {
		target := inst.resolveModuleRequest(resolveChild, star.ModuleRequest)
		if target == nil {
			continue
		}
		candidate, err := target.resolveExport(name, resolveChild, seen)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			continue
		}
		if found != nil && (found.instance != candidate.instance || found.name != candidate.name) {
			return nil, newSyntaxError(inst.declaration.metaURL(), name, "ambiguous",
				fmt.Sprintf("%q is exported by more than one `export *` source; re-export it explicitly", name))
		}
		found = candidate
	}
	return found, nil
}

func (inst *ReloadableModuleInstance) resolveModuleRequest(resolveChild ResolveChildFunc, idx int) *ReloadableModuleInstance {
	if idx < 0 || idx >= len(inst.declaration.LoadedModules) {
		return nil
	}
	req := inst.declaration.LoadedModules[idx]
	return resolveChild(req.Target())
}

func (d *ModuleDeclaration) metaURL() string {
	if d.Meta == nil {
		return "<unknown>"
	}
	return d.Meta.URL
}

// Evaluate drives the body to completion, recording any failure in
// EvaluationError rather than returning it: per spec §4.2 the post
// state is always StateEvaluated, discriminated by EvaluationError's
// presence, so callers that want Go-idiomatic error propagation should
// check EvaluationError() immediately after calling Evaluate.
func (inst *ReloadableModuleInstance) Evaluate(dynamicImport DynamicImportFunc, accepts AcceptsFunc) {
	inst.state = StateEvaluating

	wrappedImport := func(specifier string) (any, error) {
		controller, err := dynamicImport(specifier)
		if err == nil && controller != nil {
			inst.dynamicChildren = append(inst.dynamicChildren, controller)
		}
		return controller, err
	}

	onExports := func(replace ReplaceExportsFunc, exports ExportsObject) {
		inst.replaceExports = replace
		if exports != nil {
			inst.exports = exports
		}
	}

	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("module body panicked: %v", p)
			}
		}()
		switch inst.declaration.Kind {
		case AsyncBodyKind:
			err = inst.declaration.AsyncBody(inst.meta, wrappedImport, accepts, onExports)
		default:
			err = inst.declaration.SyncBody(inst.meta, wrappedImport, onExports)
		}
	}()

	inst.evaluationError = err
	inst.state = StateEvaluated
}

// DisposeCarryover returns the data a predecessor's dispose() handed to
// this instance's Instantiate, if any.
func (inst *ReloadableModuleInstance) DisposeCarryover() any { return inst.disposeCarryover }

// ResolveImport returns the current value of the binding a prior Link
// bound local to, following a namespace import ("" import name) through
// to the target instance's exports object instead of a single property.
func (inst *ReloadableModuleInstance) ResolveImport(local string) (goja.Value, bool) {
	b, ok := inst.importBindings[local]
	if !ok || b.instance == nil {
		return nil, false
	}
	if b.name == "" {
		return b.instance.ModuleNamespace(nil), true
	}
	return b.instance.exports.Get(b.name), true
}

// ModuleNamespace returns the namespace object exposing every export
// this instance makes available to a `import * as ns` binding: its own
// local exports, its indirect re-exports, and the non-default names each
// `export *` source declares locally, resolved via resolveChild (nil
// defaults, as in Link, to "the target's current instance"). Names that
// an `export *` source only re-exports itself are not included.
// Ambiguous or unresolvable re-exports
// are silently omitted from the namespace rather than failing the call,
// matching ECMAScript's GetExportedNames/namespace-object construction
// (only binding use of an ambiguous name is an error, not its mere
// presence in the namespace).
func (inst *ReloadableModuleInstance) ModuleNamespace(resolveChild ResolveChildFunc) ExportsObject {
	if resolveChild == nil {
		resolveChild = defaultResolveChild
	}

	ns := inst.runtime.NewObject()
	for _, name := range inst.declaration.LocalExportNames {
		_ = ns.Set(name, inst.exports.Get(name))
	}
	for name := range inst.declaration.IndirectExportEntries {
		if resolved, err := inst.resolveExport(name, resolveChild, map[exportKey]bool{}); err == nil && resolved != nil {
			_ = ns.Set(name, resolved.instance.exports.Get(resolved.name))
		}
	}
	for _, star := range inst.declaration.StarExportEntries {
		target := inst.resolveModuleRequest(resolveChild, star.ModuleRequest)
		if target == nil {
			continue
		}
		for _, name := range target.declaration.LocalExportNames {
			if name == "default" {
				continue
			}
			if resolved, err := inst.resolveExport(name, resolveChild, map[exportKey]bool{}); err == nil && resolved != nil {
				_ = ns.Set(name, resolved.instance.exports.Get(resolved.name))
			}
		}
	}
	return ns
}

// IterateDependencies returns every controller this instance depends on:
// its static LoadedModules targets followed by the controllers observed
// via dynamicImport during Evaluate, in that order. Entries are `any`
// for the same reason LoadedModuleRequestEntry.Target is: this package
// must not import the controller package.
func (inst *ReloadableModuleInstance) IterateDependencies() []any {
	deps := make([]any, 0, len(inst.declaration.LoadedModules)+len(inst.dynamicChildren))
	for _, req := range inst.declaration.LoadedModules {
		deps = append(deps, req.Target())
	}
	deps = append(deps, inst.dynamicChildren...)
	return deps
}
