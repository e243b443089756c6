package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testNode is a minimal Node used only to exercise the traversal
// primitive in isolation, independent of the module/controller types.
type testNode struct {
	name     string
	children []*testNode
	scratch  TarjanState
}

func (n *testNode) TarjanScratch() *TarjanState { return &n.scratch }

func TestDepthFirstLinearChain(t *testing.T) {
	t.Parallel()

	leaf := &testNode{name: "leaf"}
	mid := &testNode{name: "mid", children: []*testNode{leaf}}
	root := &testNode{name: "root", children: []*testNode{mid}}

	var order []string
	_, err := DepthFirst[*testNode, struct{}](
		root,
		func(n *testNode) []*testNode { return n.children },
		func(cycle []*testNode, _ []struct{}) (struct{}, error) {
			require.Len(t, cycle, 1)
			order = append(order, cycle[0].name)
			return struct{}{}, nil
		},
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf", "mid", "root"}, order)
}

func TestDepthFirstGroupsCycleIntoOneSCC(t *testing.T) {
	t.Parallel()

	a := &testNode{name: "a"}
	b := &testNode{name: "b"}
	c := &testNode{name: "c"}
	a.children = []*testNode{b}
	b.children = []*testNode{c}
	c.children = []*testNode{a} // cycle a -> b -> c -> a

	var sccs [][]string
	_, err := DepthFirst[*testNode, struct{}](
		a,
		func(n *testNode) []*testNode { return n.children },
		func(cycle []*testNode, _ []struct{}) (struct{}, error) {
			var names []string
			for _, n := range cycle {
				names = append(names, n.name)
			}
			sccs = append(sccs, names)
			return struct{}{}, nil
		},
		nil,
	)
	require.NoError(t, err)
	require.Len(t, sccs, 1)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, sccs[0])
}

func TestDepthFirstSelfLoopIsItsOwnSCC(t *testing.T) {
	t.Parallel()

	a := &testNode{name: "a"}
	a.children = []*testNode{a}

	var sccs [][]string
	_, err := DepthFirst[*testNode, struct{}](
		a,
		func(n *testNode) []*testNode { return n.children },
		func(cycle []*testNode, _ []struct{}) (struct{}, error) {
			var names []string
			for _, n := range cycle {
				names = append(names, n.name)
			}
			sccs = append(sccs, names)
			return struct{}{}, nil
		},
		nil,
	)
	require.NoError(t, err)
	require.Len(t, sccs, 1)
	assert.Equal(t, []string{"a"}, sccs[0])
}

func TestDepthFirstForwardResultsAreUnionOfSuccessors(t *testing.T) {
	t.Parallel()

	// diamond: root -> {left, right} -> shared
	shared := &testNode{name: "shared"}
	left := &testNode{name: "left", children: []*testNode{shared}}
	right := &testNode{name: "right", children: []*testNode{shared}}
	root := &testNode{name: "root", children: []*testNode{left, right}}

	_, err := DepthFirst[*testNode, int](
		root,
		func(n *testNode) []*testNode { return n.children },
		func(cycle []*testNode, forward []int) (int, error) {
			sum := 1
			for _, f := range forward {
				sum += f
			}
			if cycle[0].name == "root" {
				// root's successor SCCs are left and right; each result
				// (2) already includes "shared"'s 1, and "shared" itself
				// is not a direct successor of root: 1 + 2 + 2.
				assert.Equal(t, 5, sum)
			}
			return sum, nil
		},
		nil,
	)
	require.NoError(t, err)
}

func TestDepthFirstCancelsOnPostVisitFailure(t *testing.T) {
	t.Parallel()

	leaf := &testNode{name: "leaf"}
	mid := &testNode{name: "mid", children: []*testNode{leaf}}
	root := &testNode{name: "root", children: []*testNode{mid}}

	boom := errors.New("boom")
	var cancelled []string

	_, err := DepthFirst[*testNode, struct{}](
		root,
		func(n *testNode) []*testNode { return n.children },
		func(cycle []*testNode, _ []struct{}) (struct{}, error) {
			if cycle[0].name == "mid" {
				return struct{}{}, boom
			}
			return struct{}{}, nil
		},
		func(remaining []*testNode) {
			for _, n := range remaining {
				cancelled = append(cancelled, n.name)
			}
		},
	)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"root"}, cancelled)
}

func TestAcquireVisitIndexIsMonotonicAndDistinct(t *testing.T) {
	t.Parallel()

	tag1, release1 := AcquireVisitIndex()
	tag2, release2 := AcquireVisitIndex()
	defer release1()
	defer release2()

	assert.NotEqual(t, tag1, tag2)
	assert.Greater(t, tag2, tag1)
}
