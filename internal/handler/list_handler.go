package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/taskman/internal/model"
)

// ListServiceInterface はリストハンドラーが必要とするサービスインターフェース。
// 所有者以外のリストは全操作でLIST_NOT_FOUNDとなる。
type ListServiceInterface interface {
	List(ctx context.Context, userID string) ([]*model.List, error)
	Get(ctx context.Context, userID, listID string) (*model.List, error)
	Create(ctx context.Context, userID, title string) (*model.List, error)
	Update(ctx context.Context, userID, listID, title string) error
	Delete(ctx context.Context, userID, listID string) (*model.List, error)
}

// ListHandler はタスクリストのHTTPハンドラー。
type ListHandler struct {
	service ListServiceInterface
}

// NewListHandler はListHandlerを生成する。
func NewListHandler(service ListServiceInterface) *ListHandler {
	return &ListHandler{service: service}
}

// titleRequest はリスト作成・更新のリクエストボディ。
type titleRequest struct {
	Title string `json:"title"`
}

// listResponse はリストのAPIレスポンス。
type listResponse struct {
	ID     string `json:"_id"`
	Title  string `json:"title"`
	UserID string `json:"_userId"`
}

// ListLists は主体のリスト一覧を返す。
// GET /lists
func (h *ListHandler) ListLists(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	lists, err := h.service.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]listResponse, 0, len(lists))
	for _, l := range lists {
		resp = append(resp, toListResponse(l))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetList はリストを1件返す。
// GET /lists/{listId}
func (h *ListHandler) GetList(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	l, err := h.service.Get(r.Context(), userID, chi.URLParam(r, "listId"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toListResponse(l))
}

// CreateList はリストを作成する。
// POST /lists
func (h *ListHandler) CreateList(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req titleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	l, err := h.service.Create(r.Context(), userID, req.Title)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toListResponse(l))
}

// UpdateList はリストのタイトルを更新する。
// PATCH /lists/{listId}
func (h *ListHandler) UpdateList(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req titleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.Update(r.Context(), userID, chi.URLParam(r, "listId"), req.Title); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "リストを更新しました。"})
}

// DeleteList はリストを削除し、削除したリストを返す。配下のタスクはバックグラウンドで削除される。
// DELETE /lists/{listId}
func (h *ListHandler) DeleteList(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	l, err := h.service.Delete(r.Context(), userID, chi.URLParam(r, "listId"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toListResponse(l))
}

func toListResponse(l *model.List) listResponse {
	return listResponse{ID: l.ID, Title: l.Title, UserID: l.UserID}
}
