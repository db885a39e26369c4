// Package syncer applies task commands optimistically to the local forest,
// writes the result through to the durable cache, and reconciles with the
// remote authority in the background.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"tasksync/cli/internal/cache"
	"tasksync/cli/internal/remote"
	"tasksync/cli/internal/syncerr"
	"tasksync/cli/internal/tree"
)

const (
	DefaultWorkspaceTitle = "General Workspace"
	lastWorkspaceKey      = "workspace:last"
)

// Authority is the subset of the backend the coordinator talks to.
type Authority interface {
	CreateTask(ctx context.Context, in remote.TaskCreate) (remote.Task, error)
	UpdateTask(ctx context.Context, id int64, update remote.TaskUpdate) (remote.Task, error)
	DeleteTask(ctx context.Context, id int64) error
	CompleteTask(ctx context.Context, id int64) (remote.Task, error)
	ListSnapshots(ctx context.Context) ([]remote.Workspace, error)
	WorkspaceSnapshot(ctx context.Context, workspaceID int64) (remote.Workspace, error)
	CreateWorkspace(ctx context.Context, in remote.WorkspaceCreate) (remote.Workspace, error)
}

type Options struct {
	Store  *tree.Store
	Cache  cache.Cache
	Remote Authority
	// WorkspaceID pins the workspace. Zero picks the first workspace the
	// backend lists, creating one when there is none.
	WorkspaceID int64
	Logger      *slog.Logger
	// Spawn runs a propagation. Defaults to a new goroutine.
	Spawn   func(func())
	NowFunc func() time.Time
}

type Coordinator struct {
	store  *tree.Store
	cache  cache.Cache
	remote Authority
	logger *slog.Logger
	spawn  func(func())
	now    func() time.Time

	// applyMu makes snapshot+apply and rollback+persist atomic with respect
	// to other commands.
	applyMu sync.Mutex

	mu          sync.Mutex
	inflight    map[int64]*Propagation
	offline     bool
	workspaceID int64
	// running counts reserved propagations; idle is closed when it drops
	// back to zero and is nil while nothing runs.
	running int
	idle    chan struct{}
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		store:       opts.Store,
		cache:       opts.Cache,
		remote:      opts.Remote,
		logger:      opts.Logger,
		spawn:       opts.Spawn,
		now:         opts.NowFunc,
		inflight:    map[int64]*Propagation{},
		workspaceID: opts.WorkspaceID,
	}
	if c.store == nil {
		c.store = tree.NewStore()
	}
	if c.cache == nil {
		c.cache = cache.NewMemory()
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c.logger = c.logger.With("module", "syncer")
	if c.spawn == nil {
		c.spawn = func(fn func()) { go fn() }
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *Coordinator) Forest() []*tree.Node {
	return c.store.Forest()
}

func (c *Coordinator) Find(id int64) (*tree.Node, bool) {
	return c.store.Find(id)
}

func (c *Coordinator) Offline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offline
}

func (c *Coordinator) WorkspaceID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workspaceID
}

// Pending lists the mutations whose propagation has not settled.
func (c *Coordinator) Pending() []PendingMutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := map[*Propagation]bool{}
	out := make([]PendingMutation, 0, len(c.inflight))
	for _, p := range c.inflight {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p.Mutation)
	}
	return out
}

// Drain waits until no propagation is in flight, including ones started
// while it waits.
func (c *Coordinator) Drain(ctx context.Context) error {
	for {
		c.mu.Lock()
		idle := c.idle
		c.mu.Unlock()
		if idle == nil {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Open loads the authoritative forest. When the remote cannot be reached the
// coordinator switches to offline mode and serves the cached forest instead;
// that is not reported as an error.
func (c *Coordinator) Open(ctx context.Context) error {
	ws, err := c.fetchWorkspace(ctx)
	if err != nil {
		c.goOffline(err)
		return nil
	}
	c.adopt(ws)
	return nil
}

// Resync replaces the local forest with the authoritative one, discarding
// local-only nodes. It leaves offline mode on success.
func (c *Coordinator) Resync(ctx context.Context) error {
	c.mu.Lock()
	busy := len(c.inflight) > 0
	c.mu.Unlock()
	if busy {
		return syncerr.New(syncerr.ConflictInProgress, "syncer.resync", errors.New("propagations in flight"))
	}
	ws, err := c.fetchWorkspace(ctx)
	if err != nil {
		return syncerr.Reclassify(syncerr.RemoteUnreachable, "syncer.resync", err)
	}
	c.adopt(ws)
	return nil
}

// ClearCacheAndResync drops the cached forest before resynchronizing.
func (c *Coordinator) ClearCacheAndResync(ctx context.Context) error {
	cache.Drop(c.cache, c.cacheKey())
	return c.Resync(ctx)
}

func (c *Coordinator) fetchWorkspace(ctx context.Context) (remote.Workspace, error) {
	if c.remote == nil {
		return remote.Workspace{}, syncerr.New(syncerr.RemoteUnreachable, "syncer.open", errors.New("no remote configured"))
	}
	if id := c.WorkspaceID(); id != 0 {
		return c.remote.WorkspaceSnapshot(ctx, id)
	}
	list, err := c.remote.ListSnapshots(ctx)
	if err != nil {
		return remote.Workspace{}, err
	}
	if len(list) > 0 {
		return list[0], nil
	}
	ws, err := c.remote.CreateWorkspace(ctx, remote.WorkspaceCreate{
		Title:       DefaultWorkspaceTitle,
		Description: "Default workspace for tasks",
	})
	if err != nil {
		return remote.Workspace{}, err
	}
	c.logger.Info("created default workspace", "workspace_id", ws.ID)
	return ws, nil
}

func (c *Coordinator) adopt(ws remote.Workspace) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	c.mu.Lock()
	c.offline = false
	c.workspaceID = ws.ID
	c.mu.Unlock()

	c.store.ReplaceFromAuthoritative(forestFromSnapshot(ws.Tasks))
	c.cache.Write(lastWorkspaceKey, []byte(strconv.FormatInt(ws.ID, 10)))
	c.persist()
	c.logger.Info("forest synchronized", "workspace_id", ws.ID, "roots", len(ws.Tasks))
}

func (c *Coordinator) goOffline(cause error) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	c.mu.Lock()
	c.offline = true
	if c.workspaceID == 0 {
		if raw, ok := c.cache.Read(lastWorkspaceKey); ok {
			if id, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
				c.workspaceID = id
			}
		}
	}
	c.mu.Unlock()

	key := c.cacheKey()
	raw, ok := c.cache.Read(key)
	if !ok {
		c.logger.Warn("remote unreachable, no cached forest", "key", key, "err", cause)
		return
	}
	var state tree.State
	if err := json.Unmarshal(raw, &state); err != nil {
		c.logger.Warn("remote unreachable, cached forest unreadable", "key", key, "err", err)
		return
	}
	c.store.Restore(state)
	c.logger.Warn("remote unreachable, serving cached forest", "key", key, "roots", len(state.Tasks), "err", cause)
}

func (c *Coordinator) cacheKey() string {
	return "tasks:" + strconv.FormatInt(c.WorkspaceID(), 10)
}

// persist writes the forest through to the cache. Callers hold applyMu.
func (c *Coordinator) persist() {
	raw, err := json.Marshal(c.store.Snapshot())
	if err != nil {
		c.logger.Warn("encode forest failed", "err", err)
		return
	}
	c.cache.Write(c.cacheKey(), raw)
}

// reserve locks ids for one propagation. Root is never locked. Callers hold
// applyMu, so a check made by checkFree under the same hold stays valid.
func (c *Coordinator) reserve(op string, p *Propagation, ids []int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conflictLocked(op, ids); err != nil {
		return err
	}
	for _, id := range ids {
		if id != tree.Root {
			c.inflight[id] = p
		}
	}
	c.running++
	if c.idle == nil {
		c.idle = make(chan struct{})
	}
	return nil
}

// checkFree fails with ConflictInProgress when any of ids is locked.
func (c *Coordinator) checkFree(op string, ids ...int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conflictLocked(op, ids)
}

func (c *Coordinator) conflictLocked(op string, ids []int64) error {
	for _, id := range ids {
		if id == tree.Root {
			continue
		}
		if other, busy := c.inflight[id]; busy {
			return syncerr.New(syncerr.ConflictInProgress, op,
				fmt.Errorf("task %d is locked by an in-flight %s", id, other.Mutation.Kind))
		}
	}
	return nil
}

func (c *Coordinator) release(p *Propagation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range p.Mutation.Locked {
		if c.inflight[id] == p {
			delete(c.inflight, id)
		}
	}
	c.running--
	if c.running == 0 && c.idle != nil {
		close(c.idle)
		c.idle = nil
	}
}

// skipRemote is true when nothing should be sent: offline, or the target only
// exists locally.
func (c *Coordinator) skipRemote(ids ...int64) bool {
	if c.Offline() || c.remote == nil {
		return true
	}
	for _, id := range ids {
		if id < 0 {
			return true
		}
	}
	return false
}

// launch runs call in the background. A structural failure runs undo under
// applyMu and is reported as RemoteRejected; anything else is reported as
// RemoteUnreachable with the local effect kept.
func (c *Coordinator) launch(op string, p *Propagation, call func(ctx context.Context) error, undo func() error) {
	c.spawn(func() {
		err := c.settle(op, p, call, undo)
		c.release(p)
		p.finish(err)
	})
}

func (c *Coordinator) settle(op string, p *Propagation, call func(ctx context.Context) error, undo func() error) error {
	err := call(context.Background())
	if err == nil {
		return nil
	}
	if !p.Mutation.Structural() {
		c.logger.Warn("propagation failed", "op", op, "task_id", p.Mutation.TargetID, "err", err)
		return syncerr.Reclassify(syncerr.RemoteUnreachable, op, err)
	}
	c.applyMu.Lock()
	if undo != nil {
		if uerr := undo(); uerr != nil {
			c.logger.Error("rollback failed", "op", op, "task_id", p.Mutation.TargetID, "err", uerr)
		}
	}
	c.persist()
	c.applyMu.Unlock()
	c.logger.Warn("propagation rejected, rolled back", "op", op, "task_id", p.Mutation.TargetID, "err", err)
	return syncerr.Reclassify(syncerr.RemoteRejected, op, err)
}

// Insert creates a task under parentID (tree.Root for top level). The new
// node carries a placeholder id until the remote confirms it.
func (c *Coordinator) Insert(title string, parentID int64) (*tree.Node, *Propagation, error) {
	const op = "syncer.insert"
	c.applyMu.Lock()
	// A parent whose own create is still in flight has no authoritative id
	// to send yet.
	if err := c.checkFree(op, parentID); err != nil {
		c.applyMu.Unlock()
		return nil, nil, err
	}
	node, err := c.store.Insert(title, parentID)
	if err != nil {
		c.applyMu.Unlock()
		return nil, nil, err
	}
	m := PendingMutation{
		Kind:      MutationCreate,
		TargetID:  node.ID,
		CreatedID: node.ID,
		From:      tree.Position{ParentID: parentID, Index: node.Order},
		Locked:    []int64{node.ID, parentID},
		At:        c.now(),
	}
	c.persist()
	if c.skipRemote(parentID) {
		c.applyMu.Unlock()
		return node, settled(m), nil
	}
	p := newPropagation(m)
	if err := c.reserve(op, p, m.Locked); err != nil {
		// The parent was checked under this applyMu hold and the new id is
		// fresh, so this only guards against future lock sets.
		if rerr := c.store.Remove(node.ID); rerr != nil {
			c.logger.Error("undo insert failed", "task_id", node.ID, "err", rerr)
		}
		c.persist()
		c.applyMu.Unlock()
		return nil, nil, err
	}
	c.applyMu.Unlock()

	in := remote.TaskCreate{
		Title:       node.Title,
		Status:      string(node.Status),
		WorkspaceID: c.WorkspaceID(),
	}
	if parentID != tree.Root {
		parent := parentID
		in.ParentTaskID = &parent
	}
	c.launch(op, p, func(ctx context.Context) error {
		task, err := c.remote.CreateTask(ctx, in)
		if err != nil {
			return err
		}
		c.applyMu.Lock()
		defer c.applyMu.Unlock()
		if err := c.store.Rekey(node.ID, task.ID); err != nil {
			c.logger.Warn("rekey after create failed", "placeholder_id", node.ID, "task_id", task.ID, "err", err)
			return nil
		}
		p.assigned = task.ID
		c.persist()
		return nil
	}, func() error {
		return c.store.Remove(node.ID)
	})
	return node, p, nil
}

// Move relocates id and its subtree under newParentID at index (tree.End to
// append).
func (c *Coordinator) Move(id, newParentID int64, index int) (*Propagation, error) {
	const op = "syncer.move"
	c.applyMu.Lock()
	from, ok := c.store.PositionOf(id)
	if !ok {
		c.applyMu.Unlock()
		return nil, syncerr.New(syncerr.NodeNotFound, op, fmt.Errorf("task %d", id))
	}
	subtree, _ := c.store.SubtreeIDs(id)
	m := PendingMutation{
		Kind:     MutationMove,
		TargetID: id,
		From:     from,
		Locked:   append(subtree, from.ParentID, newParentID),
		At:       c.now(),
	}
	p := newPropagation(m)
	if err := c.reserve(op, p, m.Locked); err != nil {
		c.applyMu.Unlock()
		return nil, err
	}
	if err := c.store.Move(id, newParentID, index); err != nil {
		c.applyMu.Unlock()
		c.release(p)
		return nil, err
	}
	c.persist()
	c.applyMu.Unlock()

	if c.skipRemote(id) {
		c.release(p)
		p.finish(nil)
		return p, nil
	}
	undo := func() error {
		return c.store.Move(id, from.ParentID, from.Index)
	}
	if newParentID < 0 {
		c.launch(op, p, func(context.Context) error {
			return fmt.Errorf("parent task %d is not confirmed yet", newParentID)
		}, undo)
		return p, nil
	}
	c.launch(op, p, func(ctx context.Context) error {
		_, err := c.remote.UpdateTask(ctx, id, remote.MoveTask{ParentTaskID: newParentID})
		return err
	}, undo)
	return p, nil
}

// Reorder moves the child at index from to index to within parentID. Remote
// failures are reported and not rolled back or retried.
func (c *Coordinator) Reorder(parentID int64, from, to int) (*Propagation, error) {
	const op = "syncer.reorder"
	c.applyMu.Lock()
	siblings, err := c.store.SiblingIDs(parentID)
	if err != nil {
		c.applyMu.Unlock()
		return nil, err
	}
	if from < 0 || from >= len(siblings) {
		c.applyMu.Unlock()
		return nil, syncerr.New(syncerr.IndexOutOfRange, op, fmt.Errorf("from=%d len=%d", from, len(siblings)))
	}
	moved := siblings[from]
	m := PendingMutation{
		Kind:     MutationReorder,
		TargetID: moved,
		From:     tree.Position{ParentID: parentID, Index: from},
		Siblings: siblings,
		Locked:   []int64{moved},
		At:       c.now(),
	}
	p := newPropagation(m)
	if err := c.reserve(op, p, m.Locked); err != nil {
		c.applyMu.Unlock()
		return nil, err
	}
	if err := c.store.Reorder(parentID, from, to); err != nil {
		c.applyMu.Unlock()
		c.release(p)
		return nil, err
	}
	c.persist()
	c.applyMu.Unlock()

	node, _ := c.store.Find(moved)
	if c.skipRemote(moved) || node == nil {
		c.release(p)
		p.finish(nil)
		return p, nil
	}
	c.launch(op, p, func(ctx context.Context) error {
		_, err := c.remote.UpdateTask(ctx, moved, remote.ReorderHint{Title: node.Title, Order: node.Order})
		return err
	}, nil)
	return p, nil
}

// Remove deletes id and its subtree. A rejected delete grafts the subtree
// back at its previous position.
func (c *Coordinator) Remove(id int64) (*Propagation, error) {
	const op = "syncer.remove"
	c.applyMu.Lock()
	node, ok := c.store.Find(id)
	if !ok {
		c.applyMu.Unlock()
		return nil, syncerr.New(syncerr.NodeNotFound, op, fmt.Errorf("task %d", id))
	}
	from, _ := c.store.PositionOf(id)
	subtree, _ := c.store.SubtreeIDs(id)
	m := PendingMutation{
		Kind:     MutationRemove,
		TargetID: id,
		From:     from,
		Subtree:  node,
		Locked:   append(subtree, from.ParentID),
		At:       c.now(),
	}
	p := newPropagation(m)
	if err := c.reserve(op, p, m.Locked); err != nil {
		c.applyMu.Unlock()
		return nil, err
	}
	if err := c.store.Remove(id); err != nil {
		c.applyMu.Unlock()
		c.release(p)
		return nil, err
	}
	c.persist()
	c.applyMu.Unlock()

	if c.skipRemote(id) {
		c.release(p)
		p.finish(nil)
		return p, nil
	}
	c.launch(op, p, func(ctx context.Context) error {
		return c.remote.DeleteTask(ctx, id)
	}, func() error {
		return c.store.Graft(node, from)
	})
	return p, nil
}

func (c *Coordinator) Rename(id int64, title string) (*Propagation, error) {
	patch := tree.Patch{Title: &title}
	return c.update("syncer.rename", MutationRename, id, patch, func(ctx context.Context, n *tree.Node) error {
		_, err := c.remote.UpdateTask(ctx, id, remote.RenameTask{Title: n.Title})
		return err
	})
}

func (c *Coordinator) SetStatus(id int64, status tree.Status) (*Propagation, error) {
	patch := tree.Patch{Status: &status}
	return c.update("syncer.set_status", MutationStatus, id, patch, func(ctx context.Context, n *tree.Node) error {
		_, err := c.remote.UpdateTask(ctx, id, remote.SetTaskStatus{Status: string(n.Status)})
		return err
	})
}

// Complete marks id done locally and through the backend's completion
// endpoint.
func (c *Coordinator) Complete(id int64) (*Propagation, error) {
	done := tree.StatusDone
	patch := tree.Patch{Status: &done}
	return c.update("syncer.complete", MutationComplete, id, patch, func(ctx context.Context, _ *tree.Node) error {
		_, err := c.remote.CompleteTask(ctx, id)
		return err
	})
}

func (c *Coordinator) update(op string, kind MutationKind, id int64, patch tree.Patch, call func(context.Context, *tree.Node) error) (*Propagation, error) {
	c.applyMu.Lock()
	prev, ok := c.store.Find(id)
	if !ok {
		c.applyMu.Unlock()
		return nil, syncerr.New(syncerr.NodeNotFound, op, fmt.Errorf("task %d", id))
	}
	m := PendingMutation{
		Kind:       kind,
		TargetID:   id,
		PrevTitle:  prev.Title,
		PrevStatus: prev.Status,
		Locked:     []int64{id},
		At:         c.now(),
	}
	p := newPropagation(m)
	if err := c.reserve(op, p, m.Locked); err != nil {
		c.applyMu.Unlock()
		return nil, err
	}
	node, err := c.store.Update(id, patch)
	if err != nil {
		c.applyMu.Unlock()
		c.release(p)
		return nil, err
	}
	c.persist()
	c.applyMu.Unlock()

	if c.skipRemote(id) {
		c.release(p)
		p.finish(nil)
		return p, nil
	}
	c.launch(op, p, func(ctx context.Context) error {
		return call(ctx, node)
	}, nil)
	return p, nil
}
