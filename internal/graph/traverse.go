// Package graph implements the depth-first, strongly-connected-component
// grouped traversal that the reload controller runs across the module
// graph. It never allocates its own visited-set: scratch state lives on
// the nodes themselves (TarjanState), tagged with a per-traversal visit
// index so that nested or overlapping traversals over the same nodes
// never corrupt one another's bookkeeping, the same way a worker pool
// tags in-flight jobs rather than keeping a side table keyed by job
// identity.
package graph

import "sync/atomic"

// TarjanState is the scratch a node carries across one traversal: the
// standard Tarjan discovery index, lowlink, and stack membership, plus
// the tag of the traversal that last wrote it. A node that has never
// been visited, or was last visited by a different traversal, is
// indistinguishable from a fresh node.
type TarjanState struct {
	Tag     int
	Index   int
	Lowlink int
	OnStack bool
}

// Node is the capability the traversal primitive needs from a graph
// element: stable identity for comparisons, and a pointer to its own
// scratch state (so the caller's node type, e.g. a controller, owns the
// memory instead of the traversal allocating a side map).
type Node interface {
	comparable
	TarjanScratch() *TarjanState
}

var visitIndexCounter int64

// AcquireVisitIndex hands out a tag guaranteed distinct from every tag
// concurrently outstanding, so a traversal (or a nested traversal
// started from inside a visitPost callback, e.g. to format an
// invalidation chain) can use `node.TarjanScratch().Tag == tag` as a
// cheap "have I seen this node in THIS walk" cycle cut without
// interfering with any other walk in progress. The returned release
// func need not be called for correctness (tags are never reused) but
// callers should still release in LIFO order via defer, matching the
// acquire/release discipline the rest of the controller uses for
// traversal scratch.
func AcquireVisitIndex() (tag int, release func()) {
	t := atomic.AddInt64(&visitIndexCounter, 1)
	return int(t), func() {}
}

// VisitPre is called on first descent into node, for the traversal's
// current "view" of the graph (current/pending/previous-or-pending/
// temporary-or-pending, selected by the caller's closure). It returns
// the children to descend into next.
type VisitPre[N Node] func(node N) []N

// VisitPost is called exactly once per strongly connected component,
// after every SCC reachable from it has already been post-visited.
// forwardResults holds one entry per distinct successor SCC (de-duped by
// SCC identity, not by edge).
type VisitPost[N Node, R any] func(cycleNodes []N, forwardResults []R) (R, error)

// OnCancel is invoked at most once per traversal, only if some
// VisitPost call returns an error. remaining holds every node that had
// been descended into but whose SCC had not yet been post-visited at
// the moment of failure - in other words, everything rendered moot by
// the abort, in the order it was first reached.
type OnCancel[N Node] func(remaining []N)

// DepthFirst runs Tarjan's algorithm from root, grouping nodes into
// SCCs and calling visitPost once per SCC in dependency order (a
// module's dependencies finish before the module itself). If any
// visitPost call fails, the walk stops, onCancel (if non-nil) is called
// with the nodes left in limbo, and DepthFirst returns that error.
func DepthFirst[N Node, R any](
	root N,
	visitPre VisitPre[N],
	visitPost VisitPost[N, R],
	onCancel OnCancel[N],
) (R, error) {
	tag, release := AcquireVisitIndex()
	defer release()

	w := &walker[N, R]{
		tag:       tag,
		visitPre:  visitPre,
		visitPost: visitPost,
		results:   map[N]R{},
		sccOf:     map[N]N{},
	}

	res, err := w.strongconnect(root)
	if err != nil {
		if onCancel != nil {
			onCancel(append([]N(nil), w.stack...))
		}
		var zero R
		return zero, err
	}
	return res, nil
}

type walker[N Node, R any] struct {
	tag       int
	visitPre  VisitPre[N]
	visitPost VisitPost[N, R]

	counter int
	stack   []N
	results map[N]R
	sccOf   map[N]N // member -> root node of its post-visited SCC
	done    map[N]bool
}

func fresh(s *TarjanState, tag int) bool {
	return s.Tag != tag
}

func (w *walker[N, R]) strongconnect(v N) (R, error) {
	var zero R

	vs := v.TarjanScratch()
	vs.Tag = w.tag
	vs.Index = w.counter
	vs.Lowlink = w.counter
	w.counter++
	vs.OnStack = true
	w.stack = append(w.stack, v)

	var forwardResults []R
	seenSCC := map[N]bool{}

	for _, c := range w.visitPre(v) {
		cs := c.TarjanScratch()
		switch {
		case fresh(cs, w.tag):
			if _, err := w.strongconnect(c); err != nil {
				return zero, err
			}
			if vs.Lowlink > cs.Lowlink {
				vs.Lowlink = cs.Lowlink
			}
		case cs.OnStack:
			if vs.Lowlink > cs.Index {
				vs.Lowlink = cs.Index
			}
		}

		if !cs.OnStack {
			if r, ok := w.results[c]; ok && !seenSCC[w.sccOf[c]] {
				seenSCC[w.sccOf[c]] = true
				forwardResults = append(forwardResults, r)
			}
		}
	}

	if vs.Lowlink != vs.Index {
		// Not the root of its SCC yet; bubble up without post-visiting.
		return zero, nil
	}

	var members []N
	for {
		n := len(w.stack) - 1
		member := w.stack[n]
		w.stack = w.stack[:n]
		member.TarjanScratch().OnStack = false
		members = append(members, member)
		if member == v {
			break
		}
	}

	result, err := w.visitPost(members, forwardResults)
	if err != nil {
		return zero, err
	}
	for _, m := range members {
		w.results[m] = result
		w.sccOf[m] = v
	}
	return result, nil
}
