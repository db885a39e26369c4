package syncer

import (
	"tasksync/cli/internal/remote"
	"tasksync/cli/internal/tree"
)

// forestFromSnapshot converts backend task snapshots, dropping anything
// without a positive id. Order follows snapshot position.
func forestFromSnapshot(tasks []remote.TaskSnapshot) []*tree.Node {
	type frame struct {
		src []remote.TaskSnapshot
		dst *[]*tree.Node
	}
	roots := make([]*tree.Node, 0, len(tasks))
	stack := []frame{{src: tasks, dst: &roots}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, t := range f.src {
			if t.ID <= 0 {
				continue
			}
			status, _ := tree.ParseStatus(t.Status)
			node := &tree.Node{
				ID:     t.ID,
				Title:  t.Title,
				Status: status,
				Order:  len(*f.dst),
			}
			*f.dst = append(*f.dst, node)
			if len(t.Subtasks) > 0 {
				stack = append(stack, frame{src: t.Subtasks, dst: &node.Children})
			}
		}
	}
	return roots
}
