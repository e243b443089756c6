// Package module implements the link/evaluate state machine for one
// concrete interpretation of a loaded ECMAScript-style module: the
// ReloadableModuleInstance. Exports namespaces are represented with
// goja objects, the same JS-value bridge the host runtime
// (github.com/dop251/goja) uses elsewhere in this codebase, so that a
// real transformer's compiled body can hand this package actual JS
// values instead of a Go-only stand-in.
package module

import "github.com/dop251/goja"

// ExportsObject is the live export namespace of a module instance.
type ExportsObject = *goja.Object

// ReplaceExportsFunc lets a running body swap the object backing an
// instance's live bindings in place, the mechanism `export let x` style
// reassignment rides on without forcing every importer to re-link.
type ReplaceExportsFunc func(ExportsObject)

// DynamicImportFunc performs `import()` from inside a running body. The
// host loader (out of scope here) is what actually fetches and compiles
// the target; this package only needs the call shape so declarations
// can be expressed and dynamically-imported children recorded.
type DynamicImportFunc func(specifier string) (any, error)

// AcceptsFunc lets an async body ask, mid-execution, whether a given
// dependency specifier is currently covered by an accept() registration
// - the `accepts` parameter section 3 of the spec calls out for async
// bodies specifically.
type AcceptsFunc func(specifier string) bool

// OnExports is the callback a Body invokes exactly once, as soon as its
// exports namespace and live-binding replace hook exist, before doing
// any further (possibly blocking, for async bodies) work.
type OnExports func(replace ReplaceExportsFunc, exports ExportsObject)

// SyncBody is the executable form of a module whose evaluation never
// suspends on its own imports.
type SyncBody func(meta *Meta, dynamicImport DynamicImportFunc, onExports OnExports) error

// AsyncBody is the executable form of a module that may suspend
// (internally, e.g. on a promise or on one of its own dynamic imports)
// before completing. Because the instance collapses the controller's
// await of evaluation to a single blocking call (see
// ReloadableModuleInstance.Evaluate),
// an AsyncBody is simply allowed to block for as long as it needs to.
type AsyncBody func(meta *Meta, dynamicImport DynamicImportFunc, accepts AcceptsFunc, onExports OnExports) error

// BodyKind discriminates which of SyncBody/AsyncBody a declaration
// carries.
type BodyKind int

const (
	SyncBodyKind BodyKind = iota
	AsyncBodyKind
)

// Meta is the per-module metadata descriptor threaded into a running
// body (import.meta in source). It may be nil ("absent" per spec §3).
type Meta struct {
	URL string
	Hot HotFacade
}

// CallbackContext is passed to every user accept/dispose callback so it
// can call Invalidate from inside the callback itself - "user code
// explicitly invalidated itself during dispose/accept" per the spec's
// isInvalidated predicate.
type CallbackContext interface {
	Invalidate()
}

// HotFacade is the surface of a module's registered accept/decline/
// dispose/prune/invalidate callbacks that the instance needs to carry
// through to a running body as `meta.hot`. The bookkeeping and
// predicates live in package hotapi; this interface exists purely so
// that package module does not need to import it back. The spec's
// single overloaded `accept([deps], cb?)` becomes two methods here,
// since Go has no optional/union-typed parameters: AcceptSelf is the
// bare `accept()` form, AcceptDependencies the `accept(dep|deps, cb)`
// form.
type HotFacade interface {
	AcceptSelf(cb func(ctx CallbackContext, newExports ExportsObject))
	AcceptDependencies(specifiers []string, cb func(ctx CallbackContext, changed []string))
	Decline()
	Dispose(cb func(ctx CallbackContext) any)
	Prune(cb func())
	Invalidate()
}

// ImportBinding binds a local name in the importing module to a name
// exported by the target of a LoadedModuleRequestEntry. Imported=="*"
// denotes a namespace import; Imported=="default" a default import.
type ImportBinding struct {
	Imported string
	Local    string
}

// LoadedModuleRequestEntry is one static import of a module's source:
// the specifier as written, the bindings it pulls in, and a thunk
// returning the controller that owns the target's instances. Target is
// `any` (rather than a concrete controller type) so this package never
// needs to import the controller package that necessarily imports this
// one.
type LoadedModuleRequestEntry struct {
	Specifier string
	Bindings  []ImportBinding
	Target    func() any
}

// IndirectExportEntry is `export { binding as name } from request` (or
// its bare `export { name } from request` shorthand, where Binding ==
// name): Name resolves to Binding on the module named by the
// LoadedModuleRequestEntry at index ModuleRequest.
type IndirectExportEntry struct {
	ModuleRequest int
	Binding       string
}

// StarExportEntry is `export * from request`.
type StarExportEntry struct {
	ModuleRequest int
}

// ModuleDeclaration is the immutable record the transformer attaches to
// every instance it produces. Two instances may share a declaration
// (ReloadableModuleInstance.Clone does exactly that) when the same source is being
// re-evaluated rather than replaced with new code.
type ModuleDeclaration struct {
	Kind              BodyKind
	SyncBody          SyncBody  // set iff Kind == SyncBodyKind
	AsyncBody         AsyncBody // set iff Kind == AsyncBodyKind
	Meta              *Meta
	Format            string
	ImportAssertions  map[string]string
	UsesDynamicImport bool

	// LocalExportNames lists the names this module binds directly
	// (`export const x`, `export function f`, `export default ...`),
	// as opposed to names it only re-exports. The spec's data model
	// does not carry this field explicitly because a real transformer
	// already knows it statically and pre-hoists the bindings; since
	// the transformer is out of scope here, the declaration must name
	// them so Instantiate can pre-allocate the bindings Link resolves
	// against.
	LocalExportNames []string

	LoadedModules         []LoadedModuleRequestEntry
	IndirectExportEntries map[string]IndirectExportEntry
	StarExportEntries     []StarExportEntry
}
