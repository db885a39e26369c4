package syncer

import (
	"context"
	"time"

	"tasksync/cli/internal/tree"
)

type MutationKind string

const (
	MutationCreate   MutationKind = "create"
	MutationMove     MutationKind = "move"
	MutationReorder  MutationKind = "reorder"
	MutationRemove   MutationKind = "remove"
	MutationRename   MutationKind = "rename"
	MutationStatus   MutationKind = "status"
	MutationComplete MutationKind = "complete"
)

// PendingMutation captures what a command needs to undo itself. Only the
// fields relevant to Kind are set.
type PendingMutation struct {
	Kind     MutationKind
	TargetID int64
	// Locked are the identifiers reserved while the mutation propagates.
	Locked []int64

	// Previous parent and index (move, remove).
	From tree.Position
	// Previous sibling order (reorder).
	Siblings []int64
	// Detached subtree (remove).
	Subtree *tree.Node
	// Placeholder id of a created node (create).
	CreatedID int64
	// Previous title and status (rename, status, complete).
	PrevTitle  string
	PrevStatus tree.Status

	At time.Time
}

// Structural reports whether a failed propagation must be rolled back.
func (m PendingMutation) Structural() bool {
	switch m.Kind {
	case MutationMove, MutationRemove:
		return true
	case MutationCreate:
		return m.From.ParentID != tree.Root
	default:
		return false
	}
}

// Propagation is the asynchronous remote outcome of one command.
type Propagation struct {
	Mutation PendingMutation

	done     chan struct{}
	err      error
	assigned int64
}

func newPropagation(m PendingMutation) *Propagation {
	return &Propagation{Mutation: m, done: make(chan struct{})}
}

func settled(m PendingMutation) *Propagation {
	p := newPropagation(m)
	close(p.done)
	return p
}

func (p *Propagation) finish(err error) {
	p.err = err
	close(p.done)
}

func (p *Propagation) Done() <-chan struct{} {
	return p.done
}

// Err is the remote outcome. It is nil until Done is closed.
func (p *Propagation) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// AssignedID is the authoritative id the remote gave a created task, or zero
// when the create has not been confirmed.
func (p *Propagation) AssignedID() int64 {
	select {
	case <-p.done:
		return p.assigned
	default:
		return 0
	}
}

// Wait blocks until the remote outcome is known or ctx ends.
func (p *Propagation) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
