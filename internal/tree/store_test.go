package tree

import (
	"errors"
	"reflect"
	"sort"
	"testing"

	"tasksync/cli/internal/syncerr"
)

func mustInsert(t *testing.T, s *Store, title string, parent int64) *Node {
	t.Helper()
	n, err := s.Insert(title, parent)
	if err != nil {
		t.Fatalf("Insert %q failed: %v", title, err)
	}
	return n
}

func TestStore_Insert_AssignsPlaceholderIDsAndOrder(t *testing.T) {
	s := NewStore()
	milk := mustInsert(t, s, "Buy milk", Root)
	if milk.ID != -1 || milk.Order != 0 || milk.Status != StatusTodo {
		t.Fatalf("unexpected first node: %#v", milk)
	}
	eggs := mustInsert(t, s, "Buy eggs", Root)
	if eggs.ID != -2 || eggs.Order != 1 {
		t.Fatalf("unexpected second node: %#v", eggs)
	}
	child := mustInsert(t, s, "Check fridge", milk.ID)
	if child.Order != 0 {
		t.Fatalf("child order should start at 0, got %d", child.Order)
	}
	got, ok := s.Find(milk.ID)
	if !ok || len(got.Children) != 1 || got.Children[0].ID != child.ID {
		t.Fatalf("child not attached: %#v", got)
	}
}

func TestStore_Insert_UnknownParent(t *testing.T) {
	s := NewStore()
	if _, err := s.Insert("orphan", 42); !errors.Is(err, syncerr.NodeNotFound) {
		t.Fatalf("expected NodeNotFound, got %v", err)
	}
}

func TestStore_Move_RejectsCycles(t *testing.T) {
	s := NewStore()
	a := mustInsert(t, s, "A", Root)
	b := mustInsert(t, s, "B", a.ID)
	c := mustInsert(t, s, "C", b.ID)

	if err := s.Move(a.ID, a.ID, End); !errors.Is(err, syncerr.CycleDetected) {
		t.Fatalf("self parent: expected CycleDetected, got %v", err)
	}
	if err := s.Move(a.ID, b.ID, End); !errors.Is(err, syncerr.CycleDetected) {
		t.Fatalf("child parent: expected CycleDetected, got %v", err)
	}
	if err := s.Move(a.ID, c.ID, End); !errors.Is(err, syncerr.CycleDetected) {
		t.Fatalf("grandchild parent: expected CycleDetected, got %v", err)
	}
	if err := s.Move(c.ID, Root, End); err != nil {
		t.Fatalf("move to root failed: %v", err)
	}
	if err := s.Move(a.ID, c.ID, End); err != nil {
		t.Fatalf("move under former grandchild should succeed once detached: %v", err)
	}
	if err := s.Move(c.ID, b.ID, End); !errors.Is(err, syncerr.CycleDetected) {
		t.Fatalf("expected CycleDetected after reversal, got %v", err)
	}
	assertAcyclic(t, s)
}

func TestStore_Move_NotFound(t *testing.T) {
	s := NewStore()
	a := mustInsert(t, s, "A", Root)
	if err := s.Move(99, Root, End); !errors.Is(err, syncerr.NodeNotFound) {
		t.Fatalf("expected NodeNotFound for missing node, got %v", err)
	}
	if err := s.Move(a.ID, 99, End); !errors.Is(err, syncerr.NodeNotFound) {
		t.Fatalf("expected NodeNotFound for missing parent, got %v", err)
	}
}

func TestStore_Move_DensifiesBothSequences(t *testing.T) {
	s := NewStore()
	p := mustInsert(t, s, "P", Root)
	q := mustInsert(t, s, "Q", Root)
	x := mustInsert(t, s, "X", p.ID)
	y := mustInsert(t, s, "Y", p.ID)
	z := mustInsert(t, s, "Z", p.ID)
	w := mustInsert(t, s, "W", q.ID)

	if err := s.Move(y.ID, q.ID, 0); err != nil {
		t.Fatalf("move failed: %v", err)
	}
	assertOrder(t, s, p.ID, []int64{x.ID, z.ID})
	assertOrder(t, s, q.ID, []int64{y.ID, w.ID})

	pos, ok := s.PositionOf(y.ID)
	if !ok || pos.ParentID != q.ID || pos.Index != 0 {
		t.Fatalf("unexpected position: %#v", pos)
	}
	if err := s.Move(y.ID, Root, 100); err != nil {
		t.Fatalf("move to root with large index failed: %v", err)
	}
	assertOrder(t, s, Root, []int64{p.ID, q.ID, y.ID})
}

func TestStore_Reorder_PreservesMembershipAndDenseOrder(t *testing.T) {
	s := NewStore()
	ids := make([]int64, 0, 5)
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, mustInsert(t, s, title, Root).ID)
	}
	moves := [][2]int{{0, 4}, {3, 1}, {2, 2}, {4, 0}}
	for _, mv := range moves {
		if err := s.Reorder(Root, mv[0], mv[1]); err != nil {
			t.Fatalf("reorder %v failed: %v", mv, err)
		}
		forest := s.Forest()
		gotIDs := make([]int64, 0, len(forest))
		for i, n := range forest {
			if n.Order != i {
				t.Fatalf("order not dense after %v: %d at %d", mv, n.Order, i)
			}
			gotIDs = append(gotIDs, n.ID)
		}
		sorted := append([]int64(nil), gotIDs...)
		want := append([]int64(nil), ids...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
		if !reflect.DeepEqual(sorted, want) {
			t.Fatalf("membership changed after %v: %v", mv, gotIDs)
		}
	}
}

func TestStore_Reorder_SwapsTwoSiblings(t *testing.T) {
	s := NewStore()
	t1 := mustInsert(t, s, "T1", Root)
	t2 := mustInsert(t, s, "T2", Root)
	if err := s.Reorder(Root, 0, 1); err != nil {
		t.Fatalf("reorder failed: %v", err)
	}
	n1, _ := s.Find(t1.ID)
	n2, _ := s.Find(t2.ID)
	if n2.Order != 0 || n1.Order != 1 {
		t.Fatalf("unexpected orders T1=%d T2=%d", n1.Order, n2.Order)
	}
}

func TestStore_Reorder_IndexOutOfRange(t *testing.T) {
	s := NewStore()
	mustInsert(t, s, "a", Root)
	mustInsert(t, s, "b", Root)
	for _, mv := range [][2]int{{2, 0}, {0, 2}, {-1, 0}} {
		if err := s.Reorder(Root, mv[0], mv[1]); !errors.Is(err, syncerr.IndexOutOfRange) {
			t.Fatalf("reorder %v: expected IndexOutOfRange, got %v", mv, err)
		}
	}
	if err := s.Reorder(77, 0, 0); !errors.Is(err, syncerr.NodeNotFound) {
		t.Fatalf("expected NodeNotFound for unknown parent, got %v", err)
	}
}

func TestStore_Remove_SecondCallReportsNotFound(t *testing.T) {
	s := NewStore()
	a := mustInsert(t, s, "A", Root)
	b := mustInsert(t, s, "B", Root)
	mustInsert(t, s, "A1", a.ID)

	if err := s.Remove(a.ID); err != nil {
		t.Fatalf("first remove failed: %v", err)
	}
	after := s.Forest()
	if err := s.Remove(a.ID); !errors.Is(err, syncerr.NodeNotFound) {
		t.Fatalf("expected NodeNotFound on second remove, got %v", err)
	}
	if !reflect.DeepEqual(after, s.Forest()) {
		t.Fatal("second remove changed the forest")
	}
	if len(after) != 1 || after[0].ID != b.ID || after[0].Order != 0 {
		t.Fatalf("unexpected forest after remove: %#v", after)
	}
}

func TestStore_GraftRestoresRemovedSubtree(t *testing.T) {
	s := NewStore()
	a := mustInsert(t, s, "A", Root)
	b := mustInsert(t, s, "B", Root)
	mustInsert(t, s, "B1", b.ID)
	c := mustInsert(t, s, "C", Root)
	before := s.Forest()

	pos, _ := s.PositionOf(b.ID)
	subtree, _ := s.Find(b.ID)
	if err := s.Remove(b.ID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	assertOrder(t, s, Root, []int64{a.ID, c.ID})
	if err := s.Graft(subtree, pos); err != nil {
		t.Fatalf("graft failed: %v", err)
	}
	if !reflect.DeepEqual(before, s.Forest()) {
		t.Fatalf("graft did not restore forest: %#v", s.Forest())
	}
	if err := s.Graft(subtree, pos); err == nil {
		t.Fatal("expected duplicate graft to fail")
	}
}

func TestStore_Rekey(t *testing.T) {
	s := NewStore()
	a := mustInsert(t, s, "A", Root)
	if err := s.Rekey(a.ID, 40); err != nil {
		t.Fatalf("rekey failed: %v", err)
	}
	if _, ok := s.Find(a.ID); ok {
		t.Fatal("placeholder id should be gone")
	}
	if n, ok := s.Find(40); !ok || n.Placeholder() {
		t.Fatalf("authoritative node missing: %#v", n)
	}
	if s.NextID() != 41 {
		t.Fatalf("expected next id 41, got %d", s.NextID())
	}
	b := mustInsert(t, s, "B", Root)
	if err := s.Rekey(b.ID, 40); err == nil {
		t.Fatal("expected duplicate rekey to fail")
	}
	if err := s.Rekey(-99, 50); !errors.Is(err, syncerr.NodeNotFound) {
		t.Fatalf("expected NodeNotFound, got %v", err)
	}
}

func TestStore_ReplaceFromAuthoritative(t *testing.T) {
	s := NewStore()
	mustInsert(t, s, "local only", Root)
	s.ReplaceFromAuthoritative([]*Node{
		{ID: 3, Title: "Paint", Status: StatusInProgress, Order: 9, Children: []*Node{
			{ID: 7, Title: "Buy paint", Status: StatusDone},
			{ID: 3, Title: "dup"},
		}},
		{ID: 5, Title: "Fix faucet", Status: ""},
	})
	forest := s.Forest()
	if len(forest) != 2 || forest[0].ID != 3 || forest[0].Order != 0 || forest[1].Order != 1 {
		t.Fatalf("unexpected forest: %#v", forest)
	}
	if len(forest[0].Children) != 1 {
		t.Fatalf("duplicate id should be dropped: %#v", forest[0].Children)
	}
	if forest[1].Status != StatusTodo {
		t.Fatalf("empty status should default to todo, got %q", forest[1].Status)
	}
	if s.NextID() != 8 {
		t.Fatalf("expected next id 8, got %d", s.NextID())
	}
	if _, ok := s.Find(-1); ok {
		t.Fatal("local-only node should be discarded")
	}
}

func TestStore_SnapshotRestore(t *testing.T) {
	s := NewStore()
	s.ReplaceFromAuthoritative([]*Node{{ID: 10, Title: "server"}})
	local := mustInsert(t, s, "local", 10)
	state := s.Snapshot()

	restored := NewStore()
	restored.Restore(state)
	if !reflect.DeepEqual(s.Forest(), restored.Forest()) {
		t.Fatal("restore changed the forest")
	}
	next := mustInsert(t, restored, "after restore", Root)
	if next.ID >= local.ID {
		t.Fatalf("placeholder ids must keep decreasing: local=%d next=%d", local.ID, next.ID)
	}
	if restored.NextID() != 11 {
		t.Fatalf("unexpected next id %d", restored.NextID())
	}
}

func TestIsDescendant_TerminatesOnCorruptedCycle(t *testing.T) {
	a := &Node{ID: 1}
	b := &Node{ID: 2}
	a.Children = []*Node{b}
	b.Children = []*Node{a}
	if isDescendant(a, 3) {
		t.Fatal("3 is not in the structure")
	}
	if !isDescendant(a, 2) {
		t.Fatal("2 is a child of 1")
	}
}

func assertOrder(t *testing.T, s *Store, parent int64, want []int64) {
	t.Helper()
	got, err := s.SiblingIDs(parent)
	if err != nil {
		t.Fatalf("SiblingIDs(%d) failed: %v", parent, err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("siblings of %d: want %v got %v", parent, want, got)
	}
	var nodes []*Node
	if parent == Root {
		nodes = s.Forest()
	} else {
		n, _ := s.Find(parent)
		nodes = n.Children
	}
	for i, n := range nodes {
		if n.Order != i {
			t.Fatalf("order of %d is %d at index %d", n.ID, n.Order, i)
		}
	}
}

func assertAcyclic(t *testing.T, s *Store) {
	t.Helper()
	seen := map[int64]int{}
	walk(s.Forest(), func(n *Node) { seen[n.ID]++ })
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("task %d appears %d times", id, count)
		}
	}
}
