package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/task"
)

// TaskServiceInterface はタスクハンドラーが必要とするサービスインターフェース。
type TaskServiceInterface interface {
	List(ctx context.Context, userID, listID string) ([]*model.Task, error)
	Get(ctx context.Context, userID, listID, taskID string) (*model.Task, error)
	Create(ctx context.Context, userID, listID, title string) (*model.Task, error)
	Update(ctx context.Context, userID, listID, taskID string, in task.Update) error
	Delete(ctx context.Context, userID, listID, taskID string) (*model.Task, error)
}

// TaskHandler はタスクのHTTPハンドラー。
type TaskHandler struct {
	service TaskServiceInterface
}

// NewTaskHandler はTaskHandlerを生成する。
func NewTaskHandler(service TaskServiceInterface) *TaskHandler {
	return &TaskHandler{service: service}
}

// updateTaskRequest はタスク更新のリクエストボディ。省略したフィールドは変更しない。
type updateTaskRequest struct {
	Title     *string `json:"title"`
	Completed *bool   `json:"completed"`
}

// taskResponse はタスクのAPIレスポンス。
type taskResponse struct {
	ID        string `json:"_id"`
	Title     string `json:"title"`
	ListID    string `json:"_listId"`
	Completed bool   `json:"completed"`
}

// ListTasks はリスト内のタスク一覧を返す。
// GET /lists/{listId}/tasks
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	tasks, err := h.service.List(r.Context(), userID, chi.URLParam(r, "listId"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, toTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTask はタスクを1件返す。
// GET /lists/{listId}/tasks/{taskId}
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	t, err := h.service.Get(r.Context(), userID, chi.URLParam(r, "listId"), chi.URLParam(r, "taskId"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

// CreateTask はリストにタスクを作成する。
// POST /lists/{listId}/tasks
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req titleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	t, err := h.service.Create(r.Context(), userID, chi.URLParam(r, "listId"), req.Title)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

// UpdateTask はタスクのタイトルと完了状態を更新する。
// PATCH /lists/{listId}/tasks/{taskId}
func (h *TaskHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req updateTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := task.Update{Title: req.Title, Completed: req.Completed}
	if err := h.service.Update(r.Context(), userID, chi.URLParam(r, "listId"), chi.URLParam(r, "taskId"), in); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "タスクを更新しました。"})
}

// DeleteTask はタスクを削除し、削除したタスクを返す。
// DELETE /lists/{listId}/tasks/{taskId}
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	t, err := h.service.Delete(r.Context(), userID, chi.URLParam(r, "listId"), chi.URLParam(r, "taskId"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

func toTaskResponse(t *model.Task) taskResponse {
	return taskResponse{ID: t.ID, Title: t.Title, ListID: t.ListID, Completed: t.Completed}
}
