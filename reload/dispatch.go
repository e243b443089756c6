package reload

import (
	"github.com/grafana/hotmod/internal/graph"
	"github.com/grafana/hotmod/module"
)

// dispatch performs the initial instantiate+link+evaluate of the whole
// graph reachable from root, promoting every reachable controller's
// staging into current (spec §4.4 "dispatch (initial load)").
func dispatch(root *Controller) *UpdateResult {
	if err := root.FatalError(); err != nil {
		return &UpdateResult{Type: Fatal, Err: err}
	}

	// Pass 1: instantiate + link, rolling back on any link failure.
	type linkResult struct{ err error }

	var adopted []*Controller
	visitPre := func(c *Controller) []*Controller {
		c.mu.Lock()
		if c.current == nil && c.staging != nil {
			c.current = c.staging
			c.staging = nil
			c.current.Instantiate(nil, c.newHotFacade)
			adopted = append(adopted, c)
		}
		inst := c.current
		c.mu.Unlock()
		return childControllers(inst)
	}

	var linked []*Controller
	visitPost := func(members []*Controller, forward []linkResult) (linkResult, error) {
		for _, f := range forward {
			if f.err != nil {
				return linkResult{err: f.err}, f.err
			}
		}
		for _, m := range members {
			m.mu.Lock()
			inst := m.current
			m.mu.Unlock()
			if inst == nil {
				continue
			}
			if err := inst.Link(resolverFor(currentView)); err != nil {
				return linkResult{err: err}, err
			}
			linked = append(linked, m)
		}
		return linkResult{}, nil
	}

	onCancel := func(remaining []*Controller) {
		_ = remaining
		for _, c := range linked {
			c.mu.Lock()
			if c.current != nil {
				c.current.Unlink()
			}
			c.mu.Unlock()
		}
		for _, c := range adopted {
			c.mu.Lock()
			c.staging = c.current
			c.current = nil
			c.mu.Unlock()
		}
	}

	if _, err := graph.DepthFirst[*Controller, linkResult](root, visitPre, visitPost, onCancel); err != nil {
		return &UpdateResult{Type: LinkFailure, Err: err}
	}

	// Pass 2: evaluate in dependency order, one SCC at a time.
	evalPre := func(c *Controller) []*Controller {
		return childControllers(c.CurrentInstance())
	}
	evalPost := func(members []*Controller, _ []struct{}) (struct{}, error) {
		for _, m := range members {
			m.mu.Lock()
			inst := m.current
			m.mu.Unlock()
			if inst == nil {
				continue
			}
			inst.Evaluate(dynamicImportFor(m), acceptsFor(inst))

			m.mu.Lock()
			m.staging = nil
			m.mu.Unlock()
		}
		return struct{}{}, nil
	}
	if _, err := graph.DepthFirst[*Controller, struct{}](root, evalPre, evalPost, nil); err != nil {
		return &UpdateResult{Type: EvaluationFailure, Err: err}
	}

	return &UpdateResult{Type: Success}
}

func dynamicImportFor(c *Controller) module.DynamicImportFunc {
	return func(specifier string) (any, error) {
		if c.app == nil || c.app.DynamicImport == nil {
			return nil, fatalf("dynamic import unsupported: no application loader configured")
		}
		child, err := c.app.DynamicImport(specifier)
		if err != nil {
			return nil, err
		}
		if child.CurrentInstance() == nil {
			dispatch(child)
		}
		return child, nil
	}
}

func acceptsFor(inst *module.ReloadableModuleInstance) module.AcceptsFunc {
	return func(specifier string) bool {
		return hotapiAcceptsSpecifier(inst, specifier)
	}
}
