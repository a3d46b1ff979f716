package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arclight-ai/arclight/pkg/models"
)

// Task is one entry in the shared task list.
type Task struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskListTool manages a process-local task list the model can add to,
// complete, and read back.
type TaskListTool struct {
	mu    sync.Mutex
	tasks []*Task
}

// NewTaskListTool creates an empty task_list tool.
func NewTaskListTool() *TaskListTool {
	return &TaskListTool{}
}

func (t *TaskListTool) Name() string { return "task_list" }

func (t *TaskListTool) Description() string {
	return "Manage a task list: add tasks, mark them done, or list them."
}

func (t *TaskListTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type": "string",
				"enum": []any{"add", "complete", "list", "remove"},
			},
			"title": map[string]any{
				"type":        "string",
				"description": "Task title, required for add",
			},
			"task_id": map[string]any{
				"type":        "string",
				"description": "Task id, required for complete and remove",
			},
		},
		"required":             []any{"action"},
		"additionalProperties": false,
	}
}

func (t *TaskListTool) Timeout() time.Duration { return 5 * time.Second }

func (t *TaskListTool) Execute(ctx context.Context, args map[string]any) models.ToolResult {
	action, _ := args["action"].(string)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch action {
	case "add":
		title, _ := args["title"].(string)
		title = strings.TrimSpace(title)
		if title == "" {
			return models.FailureResult("add requires a non-empty title", nil)
		}
		task := &Task{ID: uuid.New().String(), Title: title, CreatedAt: time.Now()}
		t.tasks = append(t.tasks, task)
		return models.SuccessResult(fmt.Sprintf("Added task %s: %s", task.ID, task.Title),
			map[string]any{"task_id": task.ID})

	case "complete":
		id, _ := args["task_id"].(string)
		task := t.find(id)
		if task == nil {
			return models.FailureResult(fmt.Sprintf("no task with id %q", id), nil)
		}
		task.Done = true
		return models.SuccessResult(fmt.Sprintf("Completed task %s: %s", task.ID, task.Title), nil)

	case "remove":
		id, _ := args["task_id"].(string)
		for i, task := range t.tasks {
			if task.ID == id {
				t.tasks = append(t.tasks[:i], t.tasks[i+1:]...)
				return models.SuccessResult(fmt.Sprintf("Removed task %s", id), nil)
			}
		}
		return models.FailureResult(fmt.Sprintf("no task with id %q", id), nil)

	case "list":
		if len(t.tasks) == 0 {
			return models.SuccessResult("The task list is empty.", nil)
		}
		var out strings.Builder
		for _, task := range t.tasks {
			mark := "[ ]"
			if task.Done {
				mark = "[x]"
			}
			fmt.Fprintf(&out, "%s %s %s\n", mark, task.ID, task.Title)
		}
		return models.SuccessResult(strings.TrimSpace(out.String()),
			map[string]any{"task_count": len(t.tasks)})

	default:
		return models.FailureResult(fmt.Sprintf("unknown action %q", action), nil)
	}
}

func (t *TaskListTool) find(id string) *Task {
	for _, task := range t.tasks {
		if task.ID == id {
			return task
		}
	}
	return nil
}
