// Package reload implements the reloadable module controller: one
// instance per URL, five instance slots, and the dispatch/requestUpdate
// algorithm that drives hot replacement across the reachable module
// graph. It is the component the rest of this module exists to support.
package reload

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"github.com/grafana/hotmod/hotapi"
	"github.com/grafana/hotmod/internal/graph"
	"github.com/grafana/hotmod/log"
	"github.com/grafana/hotmod/module"
)

// Controller owns one URL's lifecycle: its five instance slots, its
// fatal-error latch, and the scratch the traversal primitive needs to
// tag it across overlapping walks.
type Controller struct {
	mu sync.Mutex

	url     string
	version int
	app     *Application
	logger  logrus.FieldLogger

	current   *module.ReloadableModuleInstance
	pending   *module.ReloadableModuleInstance
	previous  *module.ReloadableModuleInstance
	staging   *module.ReloadableModuleInstance
	temporary *module.ReloadableModuleInstance

	fatalError error

	scratch graph.TarjanState
}

var (
	_ graph.Node                     = (*Controller)(nil)
	_ module.CurrentInstanceProvider = (*Controller)(nil)
)

// TarjanScratch implements graph.Node.
func (c *Controller) TarjanScratch() *graph.TarjanState { return &c.scratch }

// CurrentInstance implements module.CurrentInstanceProvider: it is what
// ReloadableModuleInstance.Link's default resolveChild (and every other controller's
// static import) resolves against outside of an update in flight.
func (c *Controller) CurrentInstance() *module.ReloadableModuleInstance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// URL is the specifier this controller was acquired under.
func (c *Controller) URL() string { return c.url }

// Version is the monotonic per-URL counter bumped on every watcher
// event, used by the host loader's cache-busting query string.
func (c *Controller) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// FatalError returns the sticky fatal error, if any.
func (c *Controller) FatalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalError
}

func (c *Controller) setFatal(err error) {
	c.mu.Lock()
	if c.fatalError == nil {
		c.fatalError = err
	}
	c.mu.Unlock()
}

// Load is the transformer contract entry point: the host compiles a
// module's source into a declaration and hands it to this call, which
// places a fresh instance in staging awaiting adoption by Dispatch or
// RequestUpdate. Load leaves the version number unchanged; NotifyChanged
// is what bumps it.
func (c *Controller) Load(decl *module.ModuleDeclaration, rt *goja.Runtime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staging = module.NewInstance(decl, rt)
	c.logger.WithFields(logrus.Fields{"url": c.url, "version": c.version}).Debug("module loaded into staging")
}

// NotifyChanged is the watcher contract's callback shape: bump version
// and request a (debounced) update of the whole application.
func (c *Controller) NotifyChanged() {
	c.mu.Lock()
	c.version++
	v := c.version
	c.mu.Unlock()
	c.logger.WithFields(logrus.Fields{"url": c.url, "version": v}).Info("change detected")
	c.app.requestUpdateDebounced()
}

func (c *Controller) newHotFacade() module.HotFacade { return hotapi.New() }

func registrationsOf(inst *module.ReloadableModuleInstance) *hotapi.Registrations {
	if inst == nil {
		return nil
	}
	reg, _ := inst.Hot().(*hotapi.Registrations)
	return reg
}

// Application is the shared, process-wide object every controller can
// reach: the dynamicImport hook the host loader installs, the controller
// registry, the root controller every update traverses from (the first
// controller ever Acquired), the debounce combinator, and the result of
// the most recent update.
type Application struct {
	mu sync.Mutex

	DynamicImport func(specifier string) (*Controller, error)

	registry map[string]*Controller
	logger   logrus.FieldLogger

	root *Controller

	debounce *debouncedFunc

	lastResult *UpdateResult
}

// NewApplication returns an empty application with its own controller
// registry. logger defaults to log.New(os.Stderr, "info") if nil.
func NewApplication(logger logrus.FieldLogger) *Application {
	if logger == nil {
		logger = log.New(nil, "info")
	}
	app := &Application{
		registry: map[string]*Controller{},
		logger:   logger,
	}
	app.debounce = newDebouncedFunc(defaultDebounceWindow, app.runUpdate)
	return app
}

// Acquire returns the controller for url, creating it (with an empty
// set of slots) on first reference. At most one controller exists per
// URL, per the invariant in spec §3.
func (app *Application) Acquire(url string) *Controller {
	app.mu.Lock()
	defer app.mu.Unlock()

	if c, ok := app.registry[url]; ok {
		return c
	}
	c := &Controller{
		url:    url,
		app:    app,
		logger: log.ForController(app.logger, url, 0),
	}
	app.registry[url] = c
	if app.root == nil {
		app.root = c
	}
	return c
}

// Root returns the application's root controller - the one RequestUpdate
// traverses from. It is the first controller ever Acquired.
func (app *Application) Root() *Controller {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.root
}

// requestUpdateDebounced schedules an update via the debounce-async
// combinator (spec §5): calls within the debounce window coalesce, and
// a call arriving while an update is in flight queues exactly one
// follow-up.
func (app *Application) requestUpdateDebounced() {
	app.debounce.Call()
}

// RequestUpdateResult returns the result of the most recently completed
// update, or nil if none has run yet.
func (app *Application) RequestUpdateResult() *UpdateResult {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.lastResult
}

// RequestUpdate runs the hot-reload algorithm synchronously and returns
// its result, bypassing the debounce window - the entry point tests and
// a synchronous host integration use directly. NotifyChanged (the
// watcher path) instead goes through the debounced wrapper.
func (app *Application) RequestUpdate() *UpdateResult {
	return app.debounce.CallSync()
}

func (app *Application) runUpdate() *UpdateResult {
	root := app.Root()
	if root == nil {
		return &UpdateResult{Type: Success}
	}
	result := requestUpdate(root)
	app.mu.Lock()
	app.lastResult = result
	app.mu.Unlock()
	return result
}

// Dispatch performs the initial instantiate-link-evaluate of the whole
// graph reachable from root, promoting every reachable controller's
// staging into current. It is exposed on Application because the root
// controller is the one conventionally dispatched first, but any
// controller may be dispatched (useful for reviving an orphan, see
// spec §3's lifecycle note).
func (app *Application) Dispatch(root *Controller) *UpdateResult {
	return dispatch(root)
}

func childControllers(inst *module.ReloadableModuleInstance) []*Controller {
	if inst == nil {
		return nil
	}
	var out []*Controller
	for _, d := range inst.IterateDependencies() {
		if ctl, ok := d.(*Controller); ok {
			out = append(out, ctl)
		}
	}
	return out
}

func urlsOf(controllers []*Controller) []string {
	urls := make([]string, len(controllers))
	for i, c := range controllers {
		urls[i] = c.url
	}
	return urls
}

func unionStrings(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range lists {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func firstNonNil(a, b *module.ReloadableModuleInstance) *module.ReloadableModuleInstance {
	if a != nil {
		return a
	}
	return b
}

// resolverFor adapts one of the controller's instance-slot accessors
// into a module.ResolveChildFunc - the "selector function" the spec's
// §9 design notes call out as the abstraction letting one DFS implement
// four different graph views.
func resolverFor(slot func(*Controller) *module.ReloadableModuleInstance) module.ResolveChildFunc {
	return func(controller any) *module.ReloadableModuleInstance {
		c, ok := controller.(*Controller)
		if !ok {
			return nil
		}
		return slot(c)
	}
}

var (
	currentView           = func(c *Controller) *module.ReloadableModuleInstance { return c.current }
	pendingView           = func(c *Controller) *module.ReloadableModuleInstance { return c.pending }
	previousOrPendingView = func(c *Controller) *module.ReloadableModuleInstance {
		return firstNonNil(c.previous, c.pending)
	}
	temporaryOrPendingView = func(c *Controller) *module.ReloadableModuleInstance {
		return firstNonNil(c.temporary, c.pending)
	}
)

func fatalf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
