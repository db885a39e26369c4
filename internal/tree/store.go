package tree

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"tasksync/cli/internal/syncerr"
)

// Store is the in-memory task forest. All methods are safe for concurrent use;
// readers always receive deep copies.
type Store struct {
	mu          sync.RWMutex
	roots       []*Node
	nextID      int64
	nextLocalID int64
}

func NewStore() *Store {
	return &Store{nextID: 1, nextLocalID: -1}
}

// Insert appends a new todo node under parentID (Root for top level) and
// returns a copy of it. The node receives the next placeholder id.
func (s *Store) Insert(title string, parentID int64) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	siblings, err := s.childrenOf(parentID)
	if err != nil {
		return nil, syncerr.New(syncerr.NodeNotFound, "tree.insert", err)
	}
	node := &Node{
		ID:     s.nextLocalID,
		Title:  strings.TrimSpace(title),
		Status: StatusTodo,
		Order:  len(*siblings),
	}
	s.nextLocalID--
	*siblings = append(*siblings, node)
	return node.Clone(), nil
}

// Move relocates id and its subtree under newParentID at index (End to append).
// Both the old and new sibling sequences are re-indexed densely from zero.
func (s *Store) Move(id, newParentID int64, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, _, _ := s.locate(id)
	if node == nil {
		return syncerr.New(syncerr.NodeNotFound, "tree.move", fmt.Errorf("task %d", id))
	}
	if newParentID == id {
		return syncerr.New(syncerr.CycleDetected, "tree.move", fmt.Errorf("task %d cannot be its own parent", id))
	}
	if newParentID != Root {
		parent, _, _ := s.locate(newParentID)
		if parent == nil {
			return syncerr.New(syncerr.NodeNotFound, "tree.move", fmt.Errorf("parent task %d", newParentID))
		}
		if isDescendant(node, newParentID) {
			return syncerr.New(syncerr.CycleDetected, "tree.move", fmt.Errorf("task %d is a descendant of %d", newParentID, id))
		}
	}
	s.relocate(node, newParentID, index)
	return nil
}

// Reorder moves the child at from to position to within parentID's children.
func (s *Store) Reorder(parentID int64, from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	siblings, err := s.childrenOf(parentID)
	if err != nil {
		return syncerr.New(syncerr.NodeNotFound, "tree.reorder", err)
	}
	n := len(*siblings)
	if from < 0 || from >= n || to < 0 || to >= n {
		return syncerr.New(syncerr.IndexOutOfRange, "tree.reorder", fmt.Errorf("from=%d to=%d len=%d", from, to, n))
	}
	list := *siblings
	moved := list[from]
	list = append(list[:from], list[from+1:]...)
	list = insertAt(list, to, moved)
	densify(list)
	*siblings = list
	return nil
}

// Remove excises id together with its subtree.
func (s *Store) Remove(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, parent, idx := s.locate(id)
	if node == nil {
		return syncerr.New(syncerr.NodeNotFound, "tree.remove", fmt.Errorf("task %d", id))
	}
	siblings := s.siblingsSlice(parent)
	list := *siblings
	*siblings = append(list[:idx], list[idx+1:]...)
	densify(*siblings)
	return nil
}

func (s *Store) Find(id int64) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, _, _ := s.locate(id)
	if node == nil {
		return nil, false
	}
	return node.Clone(), true
}

func (s *Store) PositionOf(id int64) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, parent, idx := s.locate(id)
	if node == nil {
		return Position{}, false
	}
	pos := Position{ParentID: Root, Index: idx}
	if parent != nil {
		pos.ParentID = parent.ID
	}
	return pos, true
}

// SubtreeIDs lists id and every descendant id, parents before children.
func (s *Store) SubtreeIDs(id int64) ([]int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, _, _ := s.locate(id)
	if node == nil {
		return nil, false
	}
	out := make([]int64, 0, 8)
	walk([]*Node{node}, func(n *Node) { out = append(out, n.ID) })
	return out, true
}

// SiblingIDs returns the ids of parentID's children in order.
func (s *Store) SiblingIDs(parentID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	siblings, err := s.childrenOf(parentID)
	if err != nil {
		return nil, syncerr.New(syncerr.NodeNotFound, "tree.siblings", err)
	}
	out := make([]int64, 0, len(*siblings))
	for _, n := range *siblings {
		out = append(out, n.ID)
	}
	return out, nil
}

func (s *Store) Update(id int64, patch Patch) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, _, _ := s.locate(id)
	if node == nil {
		return nil, syncerr.New(syncerr.NodeNotFound, "tree.update", fmt.Errorf("task %d", id))
	}
	if patch.Title != nil {
		node.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Status != nil {
		node.Status = *patch.Status
	}
	return node.Clone(), nil
}

// Rekey swaps a placeholder id for the authoritative one once the remote
// confirms a create.
func (s *Store) Rekey(oldID, newID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if oldID == newID {
		return nil
	}
	if newID == Root {
		return errors.New("authoritative id must be non-zero")
	}
	node, _, _ := s.locate(oldID)
	if node == nil {
		return syncerr.New(syncerr.NodeNotFound, "tree.rekey", fmt.Errorf("task %d", oldID))
	}
	if other, _, _ := s.locate(newID); other != nil {
		return fmt.Errorf("task %d already present", newID)
	}
	node.ID = newID
	if newID >= s.nextID {
		s.nextID = newID + 1
	}
	return nil
}

// Graft re-inserts a detached subtree at pos. It is the inverse of Remove and
// is used to restore a deleted subtree.
func (s *Store) Graft(subtree *Node, pos Position) error {
	if subtree == nil {
		return errors.New("subtree is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, _, _ := s.locate(subtree.ID); existing != nil {
		return fmt.Errorf("task %d already present", subtree.ID)
	}
	siblings, err := s.childrenOf(pos.ParentID)
	if err != nil {
		return syncerr.New(syncerr.NodeNotFound, "tree.graft", err)
	}
	*siblings = insertAt(*siblings, pos.Index, subtree.Clone())
	densify(*siblings)
	return nil
}

// Forest returns a deep copy of the current forest.
func (s *Store) Forest() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CloneForest(s.roots)
}

// NextID is one past the largest id observed in authoritative data.
func (s *Store) NextID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}

// ReplaceFromAuthoritative swaps the whole forest after a resynchronization.
// Order values are taken from snapshot position. Repeated ids and the zero id
// are dropped so the store never holds two nodes with one identifier.
func (s *Store) ReplaceFromAuthoritative(forest []*Node) {
	roots := sanitize(forest)
	maxID := int64(0)
	walk(roots, func(n *Node) {
		if n.ID > maxID {
			maxID = n.ID
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots = roots
	s.nextID = maxID + 1
}

func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		Tasks:       CloneForest(s.roots),
		NextID:      s.nextID,
		NextLocalID: s.nextLocalID,
	}
}

// Restore loads a cached State. Placeholder numbering continues below the
// smallest placeholder present so restored local nodes keep unique ids.
func (s *Store) Restore(state State) {
	roots := sanitize(state.Tasks)
	maxID, minID := int64(0), int64(0)
	walk(roots, func(n *Node) {
		if n.ID > maxID {
			maxID = n.ID
		}
		if n.ID < minID {
			minID = n.ID
		}
	})
	nextID := state.NextID
	if nextID <= maxID {
		nextID = maxID + 1
	}
	nextLocal := state.NextLocalID
	if nextLocal >= 0 || nextLocal >= minID {
		nextLocal = minID - 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots = roots
	s.nextID = nextID
	s.nextLocalID = nextLocal
}

func (s *Store) relocate(node *Node, newParentID int64, index int) {
	_, oldParent, oldIdx := s.locate(node.ID)
	old := s.siblingsSlice(oldParent)
	list := *old
	*old = append(list[:oldIdx], list[oldIdx+1:]...)
	densify(*old)

	target, _ := s.childrenOf(newParentID)
	*target = insertAt(*target, index, node)
	densify(*target)
}

// locate finds id depth-first, returning the node, its parent (nil at root),
// and its index among its siblings.
func (s *Store) locate(id int64) (*Node, *Node, int) {
	type frame struct {
		node   *Node
		parent *Node
		idx    int
	}
	if id == Root {
		return nil, nil, -1
	}
	stack := make([]frame, 0, len(s.roots))
	for i := len(s.roots) - 1; i >= 0; i-- {
		stack = append(stack, frame{node: s.roots[i], idx: i})
	}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.node.ID == id {
			return cur.node, cur.parent, cur.idx
		}
		for i := len(cur.node.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{node: cur.node.Children[i], parent: cur.node, idx: i})
		}
	}
	return nil, nil, -1
}

func (s *Store) childrenOf(parentID int64) (*[]*Node, error) {
	if parentID == Root {
		return &s.roots, nil
	}
	parent, _, _ := s.locate(parentID)
	if parent == nil {
		return nil, fmt.Errorf("parent task %d", parentID)
	}
	return &parent.Children, nil
}

func (s *Store) siblingsSlice(parent *Node) *[]*Node {
	if parent == nil {
		return &s.roots
	}
	return &parent.Children
}

// isDescendant walks node's subtree with an explicit work list. The visited
// set bounds the walk even if the structure was corrupted into a cycle.
func isDescendant(node *Node, id int64) bool {
	toCheck := append([]*Node(nil), node.Children...)
	visited := map[*Node]struct{}{node: {}}
	for len(toCheck) > 0 {
		cur := toCheck[len(toCheck)-1]
		toCheck = toCheck[:len(toCheck)-1]
		if _, seen := visited[cur]; seen {
			continue
		}
		visited[cur] = struct{}{}
		if cur.ID == id {
			return true
		}
		toCheck = append(toCheck, cur.Children...)
	}
	return false
}

func walk(nodes []*Node, fn func(*Node)) {
	stack := make([]*Node, 0, len(nodes))
	for i := len(nodes) - 1; i >= 0; i-- {
		stack = append(stack, nodes[i])
	}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(cur)
		for i := len(cur.Children) - 1; i >= 0; i-- {
			stack = append(stack, cur.Children[i])
		}
	}
}

func sanitize(forest []*Node) []*Node {
	seen := map[int64]struct{}{}
	var keep func(nodes []*Node) []*Node
	keep = func(nodes []*Node) []*Node {
		out := make([]*Node, 0, len(nodes))
		for _, n := range nodes {
			if n == nil || n.ID == Root {
				continue
			}
			if _, dup := seen[n.ID]; dup {
				continue
			}
			seen[n.ID] = struct{}{}
			status, _ := ParseStatus(string(n.Status))
			out = append(out, &Node{
				ID:       n.ID,
				Title:    n.Title,
				Status:   status,
				Children: keep(n.Children),
			})
		}
		densify(out)
		return out
	}
	return keep(forest)
}

func insertAt(list []*Node, index int, node *Node) []*Node {
	if index < 0 || index > len(list) {
		index = len(list)
	}
	list = append(list, nil)
	copy(list[index+1:], list[index:])
	list[index] = node
	return list
}

func densify(list []*Node) {
	for i, n := range list {
		n.Order = i
	}
}
