package middleware

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

// decodeErrorBody はレスポンスボディを統一エラーフォーマットとして読み取る。
func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) ErrorResponseBody {
	t.Helper()
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}
