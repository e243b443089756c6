package reload

import (
	"fmt"
	"strings"
)

// ResultType discriminates the possible outcomes of RequestUpdate. Tags
// match the wire contract verbatim, including the "evaluationError" (sic)
// spelling used for the Go identifier EvaluationFailure's wire tag.
type ResultType string

const (
	Success              ResultType = "success"
	Declined             ResultType = "declined"
	EvaluationFailure    ResultType = "evaluationError"
	LinkFailure          ResultType = "linkError"
	Fatal                ResultType = "fatalError"
	Unaccepted           ResultType = "unaccepted"
	UnacceptedEvaluation ResultType = "unacceptedEvaluation"
)

// UpdateStats counts what an accepted update actually did, across every
// SCC committed during phase 3.
type UpdateStats struct {
	Reevaluations int // members whose declaration was unchanged (self-accept re-run)
	Loads         int // members whose declaration was replaced
}

// UpdateResult is the outcome RequestUpdate (and Dispatch) return. Only
// the fields relevant to Type are populated; the rest are zero values.
type UpdateResult struct {
	Type ResultType

	Declined []string           // Type == Declined: urls of the declining controllers
	Chain    *InvalidationChain // Type == Unaccepted: why the update didn't reach an accept
	Err      error              // Type == LinkFailure | EvaluationFailure | Fatal
	Stats    UpdateStats        // Type == Success | UnacceptedEvaluation | EvaluationFailure
}

func (r *UpdateResult) String() string {
	switch r.Type {
	case Declined:
		return fmt.Sprintf("declined: %s", strings.Join(r.Declined, ", "))
	case Unaccepted:
		return fmt.Sprintf("unaccepted:\n%s", r.Chain)
	case LinkFailure, EvaluationFailure, Fatal:
		return fmt.Sprintf("%s: %v", r.Type, r.Err)
	default:
		return string(r.Type)
	}
}

// InvalidationChain is a tree of SCCs that did not terminate an update
// propagation before reaching the root: each node lists the URLs of one
// SCC's invalidated members, with one child per successor SCC that
// itself contributed an invalidation. Printing collapses a subtree that
// has already appeared elsewhere in the same render into a sentinel,
// since a diamond dependency can appear under more than one parent
// without the graph itself containing a literal cycle (cycles are
// already collapsed into a single SCC by the traversal primitive).
type InvalidationChain struct {
	Members  []string
	Children []*InvalidationChain
}

func (c *InvalidationChain) String() string {
	var b strings.Builder
	seen := map[*InvalidationChain]bool{}
	c.write(&b, 0, seen)
	return b.String()
}

func (c *InvalidationChain) write(b *strings.Builder, depth int, seen map[*InvalidationChain]bool) {
	indent := strings.Repeat("  ", depth)
	if seen[c] {
		fmt.Fprintf(b, "%s... (see above)\n", indent)
		return
	}
	seen[c] = true
	fmt.Fprintf(b, "%s%s\n", indent, strings.Join(c.Members, ", "))
	for _, child := range c.Children {
		child.write(b, depth+1, seen)
	}
}
