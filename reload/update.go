package reload

import (
	"errors"
	"fmt"

	"github.com/grafana/hotmod/hotapi"
	"github.com/grafana/hotmod/internal/graph"
	"github.com/grafana/hotmod/log"
	"github.com/grafana/hotmod/module"
)

// fatalSignal marks a phase-3 dispose callback failure (or an internal
// phase-3 link invariant violation): sticky, aborts the whole update.
// Prune failures are made fatal by phase4Finalize directly.
type fatalSignal struct{ err error }

func (s *fatalSignal) Error() string { return s.err.Error() }
func (s *fatalSignal) Unwrap() error { return s.err }

// evalFailureSignal marks a user evaluate() throw: recoverable, the
// graph is re-linked and the error surfaced as EvaluationFailure.
type evalFailureSignal struct{ err error }

func (s *evalFailureSignal) Error() string { return s.err.Error() }
func (s *evalFailureSignal) Unwrap() error { return s.err }

// phase1Result is the per-SCC outcome of the dry-run acceptance pass.
type phase1Result struct {
	invalidatedHere  []*Controller // this SCC's own invalidated, non-self-accepted members
	declinedAll      []*Controller // cumulative across this subtree
	needsDispatchAll bool          // cumulative across this subtree
	hasNewCodeAll    bool          // cumulative across this subtree
	chain            *InvalidationChain
}

// requestUpdate runs the full hot-reload algorithm starting from root
// and returns its result. A nil result means "no update necessary" -
// the Go analogue of the spec's `undefined` no-op return.
func requestUpdate(root *Controller) *UpdateResult {
	logger := log.ForPhase(root.logger, "phase0")
	if err := root.FatalError(); err != nil {
		logger.WithError(err).Debug("sticky fatal error, short-circuiting")
		return &UpdateResult{Type: Fatal, Err: err}
	}

	// previouslyReachable walks the current view as it stood before this
	// update touched anything - the set phase 4 must diff the post-update
	// current view against to find orphans. reached (below) is phase 1's
	// pending-view walk instead, which already includes not-yet-committed
	// new code and is only used to know what to roll back.
	previouslyReachable := reachableFrom(root)

	reached, rootResult, forwardUpdatesBySCC := phase1DryRun(root)

	if !rootResult.needsDispatchAll {
		rollback(reached)
		return nil
	}

	if len(rootResult.declinedAll) > 0 {
		rollback(reached)
		return &UpdateResult{Type: Declined, Declined: dedupURLs(rootResult.declinedAll)}
	}

	if len(rootResult.invalidatedHere) > 0 {
		rollback(reached)
		chain := rootResult.chain
		if chain == nil {
			chain = &InvalidationChain{Members: urlsOf(rootResult.invalidatedHere)}
		}
		return &UpdateResult{Type: Unaccepted, Chain: chain}
	}

	if rootResult.hasNewCodeAll {
		if err := phase2LinkTest(root); err != nil {
			rollback(reached)
			return &UpdateResult{Type: LinkFailure, Err: err}
		}
	}

	stats := &UpdateStats{}
	treeDidUpdate, invalidatedAtRoot, err := phase3CommitAndEvaluate(root, forwardUpdatesBySCC, stats)
	if err != nil {
		var fatalSig *fatalSignal
		var evalSig *evalFailureSignal
		switch {
		case errors.As(err, &fatalSig):
			root.setFatal(fatalSig.err)
			return &UpdateResult{Type: Fatal, Err: fatalSig.err}
		case errors.As(err, &evalSig):
			return &UpdateResult{Type: EvaluationFailure, Err: evalSig.err, Stats: *stats}
		default:
			root.setFatal(err)
			return &UpdateResult{Type: Fatal, Err: err}
		}
	}

	result := phase4Finalize(root, previouslyReachable, *stats)
	if treeDidUpdate && len(invalidatedAtRoot) > 0 && result.Type == Success {
		result.Type = UnacceptedEvaluation
	}
	return result
}

func rollback(reached []*Controller) {
	for _, c := range reached {
		c.mu.Lock()
		c.pending = nil
		c.previous = nil
		c.mu.Unlock()
	}
}

func dedupURLs(controllers []*Controller) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range controllers {
		if !seen[c.url] {
			seen[c.url] = true
			out = append(out, c.url)
		}
	}
	return out
}

// phase1DryRun assigns pending/previous across the reachable graph and
// computes, per SCC, which members need to be treated as invalidated -
// spec §4.4 phase 1. forwardUpdates, keyed by every member of an SCC, is
// the set of dependency specifiers that SCC's own accept(dep, cb)
// registrations must be checked against in phase 3 - it is computed once
// here (the union of child SCCs' invalidated lists) and reused rather
// than recomputed from phase 3's own, narrower self-accept-only
// propagation (see phase3CommitAndEvaluate).
func phase1DryRun(root *Controller) (reached []*Controller, result phase1Result, forwardUpdates map[*Controller][]string) {
	forwardUpdates = map[*Controller][]string{}

	visitPre := func(c *Controller) []*Controller {
		c.mu.Lock()
		c.pending = firstNonNil(c.staging, c.current)
		c.previous = c.current
		pending := c.pending
		c.mu.Unlock()
		reached = append(reached, c)
		return childControllers(pending)
	}

	visitPost := func(members []*Controller, forward []phase1Result) (phase1Result, error) {
		var forwardInvalidated []string
		var hasNewCodeAll bool
		var declinedAll []*Controller
		var needsDispatchAll bool
		for _, fr := range forward {
			forwardInvalidated = append(forwardInvalidated, urlsOf(fr.invalidatedHere)...)
			hasNewCodeAll = hasNewCodeAll || fr.hasNewCodeAll
			declinedAll = append(declinedAll, fr.declinedAll...)
			needsDispatchAll = needsDispatchAll || fr.needsDispatchAll
		}
		forwardHere := unionStrings(forwardInvalidated)
		for _, m := range members {
			forwardUpdates[m] = forwardHere
		}

		var invalidatedHere []*Controller
		hasNewCodeHere := false
		for _, m := range members {
			m.mu.Lock()
			cur, pend, prev := m.current, m.pending, m.previous
			m.mu.Unlock()

			memberNew := prev != pend
			if memberNew {
				hasNewCodeHere = true
			}
			reg := registrationsOf(cur)
			isInvalid := memberNew || cur == nil || hotapi.IsInvalidated(reg) || !hotapi.IsAccepted(reg, forwardHere)
			if isInvalid && !hotapi.IsAcceptedSelf(reg) {
				invalidatedHere = append(invalidatedHere, m)
			}
		}

		declinedHere := filterDeclined(invalidatedHere)
		declinedAll = append(declinedAll, declinedHere...)
		needsDispatchAll = needsDispatchAll || len(invalidatedHere) > 0 || hasNewCodeHere
		hasNewCodeAll = hasNewCodeAll || hasNewCodeHere

		var children []*InvalidationChain
		for _, fr := range forward {
			if fr.chain != nil {
				children = append(children, fr.chain)
			}
		}
		var chain *InvalidationChain
		if len(invalidatedHere) > 0 || len(children) > 0 {
			chain = &InvalidationChain{Members: urlsOf(invalidatedHere), Children: children}
		}

		return phase1Result{
			invalidatedHere:  invalidatedHere,
			declinedAll:      declinedAll,
			needsDispatchAll: needsDispatchAll,
			hasNewCodeAll:    hasNewCodeAll,
			chain:            chain,
		}, nil
	}

	root.mu.Lock()
	initiallyNone := root.current == nil && root.staging == nil
	root.mu.Unlock()
	if initiallyNone {
		return nil, phase1Result{}, forwardUpdates
	}

	r, _ := graph.DepthFirst[*Controller, phase1Result](root, visitPre, visitPost, nil)
	return reached, r, forwardUpdates
}

func filterDeclined(members []*Controller) []*Controller {
	var out []*Controller
	for _, m := range members {
		m.mu.Lock()
		cur := m.current
		m.mu.Unlock()
		if hotapi.IsDeclined(registrationsOf(cur)) {
			out = append(out, m)
		}
	}
	return out
}

// phase2LinkTest clones every SCC touched by new code (or downstream of
// one) into temporary, links it against the temporary-or-pending view,
// and reports whether the new code will link - without running any user
// evaluate/dispose callback (spec §4.4 phase 2).
func phase2LinkTest(root *Controller) error {
	type phase2Result struct{ hasUpdate bool }

	visitPre := func(c *Controller) []*Controller {
		c.mu.Lock()
		pending := c.pending
		c.mu.Unlock()
		return childControllers(pending)
	}

	visitPost := func(members []*Controller, forward []phase2Result) (phase2Result, error) {
		hasUpdateHere := false
		for _, m := range members {
			m.mu.Lock()
			changed := m.previous != m.pending
			m.mu.Unlock()
			if changed {
				hasUpdateHere = true
			}
		}
		anySuccessor := false
		for _, f := range forward {
			anySuccessor = anySuccessor || f.hasUpdate
		}
		needsTest := hasUpdateHere || anySuccessor
		if !needsTest {
			return phase2Result{hasUpdate: false}, nil
		}

		for _, m := range members {
			m.mu.Lock()
			m.temporary = m.pending.Clone()
			m.mu.Unlock()
			m.temporary.Instantiate(nil, nil)
		}

		resolver := resolverFor(temporaryOrPendingView)
		var linkErr error
		for _, m := range members {
			if err := m.temporary.Link(resolver); err != nil {
				linkErr = err
				break
			}
		}

		for _, m := range members {
			m.mu.Lock()
			m.temporary.Unlink()
			m.temporary = nil
			m.mu.Unlock()
		}

		if linkErr != nil {
			return phase2Result{}, linkErr
		}
		return phase2Result{hasUpdate: true}, nil
	}

	_, err := graph.DepthFirst[*Controller, phase2Result](root, visitPre, visitPost, nil)
	return err
}

// phase3CommitAndEvaluate commits pending into current and evaluates
// replacements in dependency order, rolling back an SCC whose
// evaluation throws (spec §4.4 phase 3). It returns whether the root
// SCC actually changed anything and whether the root SCC itself ended
// up unaccepted (the `unacceptedEvaluation` case).
func phase3CommitAndEvaluate(root *Controller, forwardUpdatesBySCC map[*Controller][]string, stats *UpdateStats) (treeDidUpdate bool, invalidatedAtRoot []*Controller, err error) {
	type phase3Result struct {
		treeDidUpdate   bool
		invalidatedHere []*Controller
	}

	visitPre := func(c *Controller) []*Controller {
		c.mu.Lock()
		pending := c.pending
		c.mu.Unlock()
		return childControllers(pending)
	}

	visitPost := func(members []*Controller, forward []phase3Result) (phase3Result, error) {
		successorTreeDidUpdate := false
		for _, fr := range forward {
			successorTreeDidUpdate = successorTreeDidUpdate || fr.treeDidUpdate
		}
		// forwardUpdates is the set of dependency specifiers this SCC's
		// accept(dep, cb) registrations are checked against - the same
		// value phase 1 computed for this SCC, not a narrower one
		// rebuilt from phase 3's own self-accept-failure propagation
		// (which would silently drop plain, non-self-accepting
		// dependency changes that a dependency-list accept must still
		// see).
		var forwardUpdates []string
		if len(members) > 0 {
			forwardUpdates = forwardUpdatesBySCC[members[0]]
		}

		anyStagingOrInvalidated := false
		for _, m := range members {
			m.mu.Lock()
			staging := m.staging
			cur := m.current
			m.mu.Unlock()
			if staging != nil || hotapi.IsInvalidated(registrationsOf(cur)) {
				anyStagingOrInvalidated = true
			}
		}

		needsUpdate := anyStagingOrInvalidated
		if !needsUpdate && successorTreeDidUpdate {
			// A bare self-accepting member absorbs a dependency update by
			// being reinstantiated and re-evaluated itself (that is what
			// "terminates propagation here" means in phase 1) - tryAccept
			// only covers explicit accept(dep, cb) registrations, which
			// never replace the member, so a self-accepting member always
			// forces the SCC through the full replace path below rather
			// than the relink-only one.
			anySelfAccepting := false
			for _, m := range members {
				if hotapi.IsAcceptedSelf(registrationsOf(m.CurrentInstance())) {
					anySelfAccepting = true
					break
				}
			}
			if anySelfAccepting {
				needsUpdate = true
			} else {
				for _, m := range members {
					cur := m.CurrentInstance()
					if cur == nil {
						continue
					}
					if relinkErr := cur.Relink(resolverFor(currentView)); relinkErr != nil {
						m.logger.WithError(relinkErr).Warn("relink after accepted dependency update failed")
					}
					if !hotapi.TryAccept(registrationsOf(cur), forwardUpdates) {
						needsUpdate = true
					}
				}
			}
		}

		if !needsUpdate {
			for _, m := range members {
				m.mu.Lock()
				m.current = m.pending
				m.pending = nil
				m.mu.Unlock()
			}
			return phase3Result{treeDidUpdate: successorTreeDidUpdate}, nil
		}

		type commitRecord struct {
			controller *Controller
			previous   *module.ReloadableModuleInstance
		}
		var committed []commitRecord

		for _, m := range members {
			m.mu.Lock()
			cur, pend := m.current, m.pending
			m.mu.Unlock()

			disposeData, derr := hotapi.Dispose(registrationsOf(cur))
			if derr != nil {
				return phase3Result{}, &fatalSignal{err: derr}
			}

			var next *module.ReloadableModuleInstance
			if cur == pend {
				next = cur.Clone()
			} else {
				next = pend
			}
			next.Instantiate(disposeData, m.newHotFacade)

			m.mu.Lock()
			m.current = next
			m.pending = nil
			m.staging = nil
			m.mu.Unlock()

			committed = append(committed, commitRecord{controller: m, previous: cur})
		}

		for _, m := range members {
			if err := m.CurrentInstance().Link(resolverFor(currentView)); err != nil {
				return phase3Result{}, &fatalSignal{err: fmt.Errorf("phase 3 link invariant violated for %s: %w", m.url, err)}
			}
		}

		var evalErr error
		for _, m := range members {
			cur := m.CurrentInstance()
			cur.Evaluate(dynamicImportFor(m), acceptsFor(cur))
			if cur.EvaluationError() != nil {
				evalErr = cur.EvaluationError()
				break
			}
		}
		if evalErr != nil {
			for _, rec := range committed {
				rec.controller.mu.Lock()
				if rec.previous != nil {
					rec.controller.current.Unlink()
					rec.controller.current = rec.previous
				}
				rec.controller.mu.Unlock()
			}
			return phase3Result{}, &evalFailureSignal{err: evalErr}
		}

		var invalidatedHere []*Controller
		for _, rec := range committed {
			if rec.previous == nil {
				stats.Loads++
				continue
			}
			cur := rec.controller.CurrentInstance()
			if rec.previous.Declaration() == cur.Declaration() {
				stats.Reevaluations++
			} else {
				stats.Loads++
			}
			ok := hotapi.TryAcceptSelf(registrationsOf(rec.previous), func() module.ExportsObject {
				return cur.ModuleNamespace(resolverFor(currentView))
			})
			if !ok {
				invalidatedHere = append(invalidatedHere, rec.controller)
			}
		}

		return phase3Result{treeDidUpdate: true, invalidatedHere: invalidatedHere}, nil
	}

	onCancel := func(remaining []*Controller) {
		for _, c := range remaining {
			c.mu.Lock()
			if c.pending != nil {
				c.pending.Unlink()
				c.pending = nil
			}
			cur := c.current
			c.mu.Unlock()
			if cur != nil {
				_ = cur.Relink(resolverFor(currentView))
			}
		}
	}

	r, e := graph.DepthFirst[*Controller, phase3Result](root, visitPre, visitPost, onCancel)
	if e != nil {
		return false, nil, e
	}
	return r.treeDidUpdate, r.invalidatedHere, nil
}

// phase4Finalize computes the new reachable set, clears `previous`
// everywhere, and prunes orphans (spec §4.4 phase 4). previousControllers
// must be the current-view reachable set as it stood before this update
// ran - an edge the update itself removed (an import deleted from a
// module's new code) only shows up as an orphan when diffed against that
// pre-update view, not against phase 1's pending-view walk.
func phase4Finalize(root *Controller, previousControllers []*Controller, stats UpdateStats) *UpdateResult {
	newReached := reachableFrom(root)
	newSet := map[*Controller]bool{}
	for _, c := range newReached {
		newSet[c] = true
		c.mu.Lock()
		c.previous = nil
		c.mu.Unlock()
	}

	for _, orphan := range previousControllers {
		if newSet[orphan] {
			continue
		}
		cur := orphan.CurrentInstance()
		if err := hotapi.Prune(registrationsOf(cur)); err != nil {
			orphan.setFatal(err)
			root.setFatal(err)
			return &UpdateResult{Type: Fatal, Err: err}
		}
		orphan.mu.Lock()
		if orphan.current != nil {
			orphan.staging = orphan.current.Clone()
		}
		orphan.current = nil
		orphan.previous = nil
		orphan.mu.Unlock()
	}

	return &UpdateResult{Type: Success, Stats: stats}
}

func reachableFrom(root *Controller) []*Controller {
	if root == nil {
		return nil
	}
	visited := map[*Controller]bool{root: true}
	stack := []*Controller{root}
	var order []*Controller
	for len(stack) > 0 {
		n := len(stack) - 1
		c := stack[n]
		stack = stack[:n]
		order = append(order, c)
		for _, child := range childControllers(c.CurrentInstance()) {
			if !visited[child] {
				visited[child] = true
				stack = append(stack, child)
			}
		}
	}
	return order
}
