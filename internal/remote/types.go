package remote

import "tasksync/cli/internal/wire"

type TaskSnapshot struct {
	ID       int64          `json:"id"`
	Title    string         `json:"title"`
	Status   string         `json:"status"`
	Subtasks []TaskSnapshot `json:"subtasks"`
}

type Workspace struct {
	ID          int64          `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Tasks       []TaskSnapshot `json:"tasks"`
}

type WorkspaceCreate struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type Task struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	WorkspaceID  int64     `json:"workspace_id,omitempty"`
	ParentTaskID *int64    `json:"parent_task_id,omitempty"`
	CreatedAt    wire.Time `json:"created_at"`
	UpdatedAt    wire.Time `json:"updated_at"`
}

type TaskCreate struct {
	Title        string `json:"title"`
	Status       string `json:"status,omitempty"`
	WorkspaceID  int64  `json:"workspace_id"`
	ParentTaskID *int64 `json:"parent_task_id,omitempty"`
}

// TaskUpdate is one of MoveTask, RenameTask, SetTaskStatus, or ReorderHint.
// Each variant sends exactly its own fields.
type TaskUpdate interface {
	body() map[string]any
}

// MoveTask reparents a task. ParentTaskID zero moves it to the workspace root
// and is sent as an explicit null.
type MoveTask struct {
	ParentTaskID int64
}

func (m MoveTask) body() map[string]any {
	if m.ParentTaskID == 0 {
		return map[string]any{"parent_task_id": nil}
	}
	return map[string]any{"parent_task_id": m.ParentTaskID}
}

type RenameTask struct {
	Title string
}

func (r RenameTask) body() map[string]any {
	return map[string]any{"title": r.Title}
}

type SetTaskStatus struct {
	Status string
}

func (s SetTaskStatus) body() map[string]any {
	return map[string]any{"status": s.Status}
}

// ReorderHint nudges the backend after a local sibling reorder. The backend
// has no ordering column, so the hint only carries the moved task's title and
// new position.
type ReorderHint struct {
	Title string
	Order int
}

func (r ReorderHint) body() map[string]any {
	return map[string]any{"title": r.Title, "order": r.Order}
}

type Session struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	ContextSummary string    `json:"context_summary,omitempty"`
	StartedAt      wire.Time `json:"started_at"`
}

type SessionCreate struct {
	Title          string `json:"title"`
	ContextSummary string `json:"context_summary,omitempty"`
}

type Payload struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	From      string    `json:"from"`
	OK        bool      `json:"ok"`
	Err       string    `json:"err,omitempty"`
	CreatedAt wire.Time `json:"created_at"`
}

type Exchange struct {
	UserMessage Payload `json:"user_message"`
	AIResponse  Payload `json:"ai_response"`
}
