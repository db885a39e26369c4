package tree

import "strings"

type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
	StatusArchived   Status = "archived"
)

// ParseStatus falls back to StatusTodo for empty or unknown values, matching
// how authoritative snapshots with a missing status are converted.
func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusTodo:
		return StatusTodo, true
	case StatusInProgress:
		return StatusInProgress, true
	case StatusDone:
		return StatusDone, true
	case StatusArchived:
		return StatusArchived, true
	default:
		return StatusTodo, false
	}
}

// Root addresses the forest root wherever a parent id is expected. Node ids are
// never zero: placeholders are negative, authoritative ids positive.
const Root int64 = 0

// End appends to the target sibling sequence when passed as an insert index.
const End = -1

type Node struct {
	ID       int64   `json:"id" yaml:"id"`
	Title    string  `json:"title" yaml:"title"`
	Status   Status  `json:"status" yaml:"status"`
	Order    int     `json:"order" yaml:"order"`
	Children []*Node `json:"subtasks" yaml:"subtasks,omitempty"`
}

// Placeholder reports whether the node was created locally and has not been
// assigned an authoritative id yet.
func (n *Node) Placeholder() bool {
	return n != nil && n.ID < 0
}

func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{
		ID:     n.ID,
		Title:  n.Title,
		Status: n.Status,
		Order:  n.Order,
	}
	if len(n.Children) > 0 {
		out.Children = make([]*Node, 0, len(n.Children))
		for _, child := range n.Children {
			out.Children = append(out.Children, child.Clone())
		}
	}
	return out
}

// Position is where a node sits: its parent (Root for top level) and index
// within that parent's children.
type Position struct {
	ParentID int64 `json:"parent_id"`
	Index    int   `json:"index"`
}

// State is the serializable form of a Store used by the durable cache.
type State struct {
	Tasks       []*Node `json:"tasks"`
	NextID      int64   `json:"next_id"`
	NextLocalID int64   `json:"next_local_id,omitempty"`
}

type Patch struct {
	Title  *string
	Status *Status
}

func CloneForest(nodes []*Node) []*Node {
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Clone())
	}
	return out
}
