package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/taskman/internal/auth"
	"github.com/hitoshi/taskman/internal/list"
	"github.com/hitoshi/taskman/internal/metrics"
	"github.com/hitoshi/taskman/internal/middleware"
	"github.com/hitoshi/taskman/internal/model"
	"github.com/hitoshi/taskman/internal/security"
	"github.com/hitoshi/taskman/internal/task"
	"github.com/hitoshi/taskman/internal/user"
	"github.com/hitoshi/taskman/internal/worker/cascade"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

// testClock はテスト用の手動で進める時計。
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// testEnv は実サービスをインメモリストア上に組み立てたテスト環境。
type testEnv struct {
	t        *testing.T
	store    *memStore
	clock    *testClock
	registry *prometheus.Registry
	worker   *cascade.Worker
	handler  http.Handler
	pingErr  error
}

type envOption func(*middleware.RateLimiterConfig)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	env := &testEnv{
		t:        t,
		store:    newMemStore(),
		clock:    &testClock{t: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)},
		registry: prometheus.NewRegistry(),
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	collector := metrics.NewCollector(env.registry)

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		SigningKey:      []byte(testSigningKey),
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 10 * 24 * time.Hour,
		Clock:           env.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewTokenService() error: %v", err)
	}

	users := memUsers{env.store}
	lists := memLists{env.store}
	tasks := memTasks{env.store}

	env.worker = cascade.NewWorker(memJobs{env.store}, tasks, logger, collector, cascade.Config{})
	sessions := auth.NewSessionRegistry(users, tokens)
	sanitizer := security.NewTitleSanitizer()
	listService := list.NewService(lists, sanitizer, env.worker)

	rlCfg := middleware.DefaultRateLimiterConfig()
	for _, opt := range opts {
		opt(&rlCfg)
	}
	rateLimiter := middleware.NewRateLimiter(rlCfg)
	t.Cleanup(rateLimiter.Stop)

	env.handler = NewRouter(&RouterDeps{
		Logger:            logger,
		Metrics:           collector,
		MetricsGatherer:   env.registry,
		HealthChecker:     pingFunc(func(context.Context) error { return env.pingErr }),
		AccessVerifier:    tokens,
		IdentityFinder:    users,
		SessionChecker:    sessions,
		CORSAllowedOrigin: "*",
		RateLimiter:       rateLimiter,
		AuthService:       auth.NewService(users, auth.NewBcryptHasher(bcrypt.MinCost), tokens, sessions, collector),
		ListService:       listService,
		TaskService:       task.NewService(tasks, listService.Policy(), sanitizer),
		UserService:       user.NewService(users, env.worker),
	})
	return env
}

// request はリクエストを実行する。headersは名前と値を交互に並べる。
func (e *testEnv) request(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("failed to marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "192.0.2.10:40000"
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

// session はサインアップまたはログインで得た認証情報。
type session struct {
	userID       string
	accessToken  string
	refreshToken string
}

func (s session) access() []string {
	return []string{middleware.HeaderAccessToken, s.accessToken}
}

func (s session) refresh() []string {
	return []string{middleware.HeaderSubjectID, s.userID, middleware.HeaderRefreshToken, s.refreshToken}
}

func (e *testEnv) signUp(email string) session {
	e.t.Helper()
	w := e.request(http.MethodPost, "/users", map[string]string{"email": email, "password": "password123"})
	if w.Code != http.StatusOK {
		e.t.Fatalf("sign up status = %d, body = %s", w.Code, w.Body.String())
	}
	var ident identityResponse
	decodeBody(e.t, w, &ident)
	return session{
		userID:       ident.ID,
		accessToken:  w.Header().Get(middleware.HeaderAccessToken),
		refreshToken: w.Header().Get(middleware.HeaderRefreshToken),
	}
}

func (e *testEnv) createList(s session, title string) listResponse {
	e.t.Helper()
	w := e.request(http.MethodPost, "/lists", map[string]string{"title": title}, s.access()...)
	if w.Code != http.StatusOK {
		e.t.Fatalf("create list status = %d, body = %s", w.Code, w.Body.String())
	}
	var l listResponse
	decodeBody(e.t, w, &l)
	return l
}

func (e *testEnv) createTask(s session, listID, title string) taskResponse {
	e.t.Helper()
	w := e.request(http.MethodPost, "/lists/"+listID+"/tasks", map[string]string{"title": title}, s.access()...)
	if w.Code != http.StatusOK {
		e.t.Fatalf("create task status = %d, body = %s", w.Code, w.Body.String())
	}
	var tr taskResponse
	decodeBody(e.t, w, &tr)
	return tr
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Errorf("status = %d, want %d (body: %s)", w.Code, status, w.Body.String())
	}
	var body apiErrorResponse
	decodeBody(t, w, &body)
	if body.Code != code {
		t.Errorf("code = %q, want %q", body.Code, code)
	}
}

// --- 認証シナリオ ---

func TestRouter_SignUp_ReturnsIdentityAndTokens(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(http.MethodPost, "/users", map[string]string{"email": "Alice@Example.com", "password": "password123"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get(middleware.HeaderAccessToken) == "" || w.Header().Get(middleware.HeaderRefreshToken) == "" {
		t.Error("both token headers should be set")
	}

	var body map[string]any
	decodeBody(t, w, &body)
	if body["email"] != "alice@example.com" {
		t.Errorf("email = %v, want normalized address", body["email"])
	}
	if _, ok := body["_id"]; !ok {
		t.Error("identity document should contain _id")
	}
	if len(body) != 2 {
		t.Errorf("identity document should only expose _id and email, got %v", body)
	}
}

func TestRouter_SignUp_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.signUp("alice@example.com")

	w := env.request(http.MethodPost, "/users", map[string]string{"email": "alice@example.com", "password": "password123"})
	assertError(t, w, http.StatusBadRequest, model.ErrCodeEmailAlreadyRegistered)

	w = env.request(http.MethodPost, "/users", map[string]string{"email": "bob@example.com", "password": "short"})
	assertError(t, w, http.StatusBadRequest, model.ErrCodeValidation)

	req := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assertError(t, rec, http.StatusBadRequest, model.ErrCodeInvalidRequest)
}

// TestRouter_Login_KeepsExistingSessions はログインが既存セッションを無効化しないことを検証する。
func TestRouter_Login_KeepsExistingSessions(t *testing.T) {
	env := newTestEnv(t)
	first := env.signUp("alice@example.com")

	w := env.request(http.MethodPost, "/users/login", map[string]string{"email": "alice@example.com", "password": "password123"})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", w.Code, w.Body.String())
	}
	second := session{
		userID:       first.userID,
		accessToken:  w.Header().Get(middleware.HeaderAccessToken),
		refreshToken: w.Header().Get(middleware.HeaderRefreshToken),
	}
	if second.refreshToken == first.refreshToken {
		t.Error("login should issue a new refresh token")
	}

	for _, s := range []session{first, second} {
		w := env.request(http.MethodGet, "/users/me/access-token", nil, s.refresh()...)
		if w.Code != http.StatusOK {
			t.Errorf("refresh with session status = %d, want 200", w.Code)
		}
	}
}

func TestRouter_Login_InvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.signUp("alice@example.com")

	w := env.request(http.MethodPost, "/users/login", map[string]string{"email": "alice@example.com", "password": "wrong-password"})
	assertError(t, w, http.StatusUnauthorized, model.ErrCodeInvalidCredentials)

	w = env.request(http.MethodPost, "/users/login", map[string]string{"email": "nobody@example.com", "password": "password123"})
	assertError(t, w, http.StatusUnauthorized, model.ErrCodeInvalidCredentials)
}

// TestRouter_AccessTokenExpiryAndRefresh はアクセストークン失効後にリフレッシュで回復できることを検証する。
func TestRouter_AccessTokenExpiryAndRefresh(t *testing.T) {
	env := newTestEnv(t)
	s := env.signUp("alice@example.com")

	env.clock.Advance(16 * time.Minute)
	w := env.request(http.MethodGet, "/lists", nil, s.access()...)
	assertError(t, w, http.StatusUnauthorized, model.ErrCodeExpiredToken)

	w = env.request(http.MethodGet, "/users/me/access-token", nil, s.refresh()...)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body = %s", w.Code, w.Body.String())
	}
	var body accessTokenResponse
	decodeBody(t, w, &body)
	if body.AccessToken == "" || body.AccessToken != w.Header().Get(middleware.HeaderAccessToken) {
		t.Error("new access token should be returned in body and header")
	}

	w = env.request(http.MethodGet, "/lists", nil, middleware.HeaderAccessToken, body.AccessToken)
	if w.Code != http.StatusOK {
		t.Errorf("lists with refreshed token status = %d, want 200", w.Code)
	}
}

func TestRouter_SessionGuardFailures(t *testing.T) {
	env := newTestEnv(t)
	s := env.signUp("alice@example.com")
	other := env.signUp("bob@example.com")

	tests := []struct {
		name    string
		headers []string
		code    string
	}{
		{name: "ヘッダーなし", headers: nil, code: model.ErrCodeUnauthorized},
		{name: "存在しないユーザー", headers: []string{middleware.HeaderSubjectID, "7e57d004-2b97-4e7a-b45f-5387367791cd", middleware.HeaderRefreshToken, s.refreshToken}, code: model.ErrCodeIdentityNotFound},
		{name: "他ユーザーのトークン", headers: []string{middleware.HeaderSubjectID, s.userID, middleware.HeaderRefreshToken, other.refreshToken}, code: model.ErrCodeSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.request(http.MethodGet, "/users/me/access-token", nil, tt.headers...)
			assertError(t, w, http.StatusUnauthorized, tt.code)
		})
	}

	env.clock.Advance(10*24*time.Hour + time.Second)
	w := env.request(http.MethodGet, "/users/me/access-token", nil, s.refresh()...)
	assertError(t, w, http.StatusUnauthorized, model.ErrCodeSessionExpired)
}

// TestRouter_Logout_RemovesOnlyPresentedSession はログアウトが提示したセッションのみを破棄することを検証する。
func TestRouter_Logout_RemovesOnlyPresentedSession(t *testing.T) {
	env := newTestEnv(t)
	first := env.signUp("alice@example.com")
	w := env.request(http.MethodPost, "/users/login", map[string]string{"email": "alice@example.com", "password": "password123"})
	second := session{userID: first.userID, refreshToken: w.Header().Get(middleware.HeaderRefreshToken)}

	w = env.request(http.MethodDelete, "/users/me/session", nil, first.refresh()...)
	if w.Code != http.StatusOK {
		t.Fatalf("logout status = %d, body = %s", w.Code, w.Body.String())
	}

	w = env.request(http.MethodGet, "/users/me/access-token", nil, first.refresh()...)
	assertError(t, w, http.StatusUnauthorized, model.ErrCodeSessionNotFound)

	w = env.request(http.MethodGet, "/users/me/access-token", nil, second.refresh()...)
	if w.Code != http.StatusOK {
		t.Errorf("other session should remain valid, status = %d", w.Code)
	}
}

func TestRouter_AccessGuardFailures(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(http.MethodGet, "/lists", nil)
	assertError(t, w, http.StatusUnauthorized, model.ErrCodeUnauthorized)

	w = env.request(http.MethodGet, "/lists", nil, middleware.HeaderAccessToken, "garbage")
	assertError(t, w, http.StatusUnauthorized, model.ErrCodeInvalidToken)
}

// --- リスト・タスクのシナリオ ---

func TestRouter_ListLifecycle(t *testing.T) {
	env := newTestEnv(t)
	s := env.signUp("alice@example.com")

	w := env.request(http.MethodGet, "/lists", nil, s.access()...)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty lists should be [], got %d %s", w.Code, w.Body.String())
	}

	l := env.createList(s, "買い物")
	if l.UserID != s.userID || l.Title != "買い物" {
		t.Errorf("unexpected list: %+v", l)
	}

	w = env.request(http.MethodPatch, "/lists/"+l.ID, map[string]string{"title": "週末の買い物"}, s.access()...)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", w.Code, w.Body.String())
	}
	var msg messageResponse
	decodeBody(t, w, &msg)
	if msg.Message == "" {
		t.Error("update should return a message")
	}

	w = env.request(http.MethodGet, "/lists/"+l.ID, nil, s.access()...)
	var got listResponse
	decodeBody(t, w, &got)
	if got.Title != "週末の買い物" {
		t.Errorf("title = %q, want %q", got.Title, "週末の買い物")
	}

	w = env.request(http.MethodPost, "/lists", map[string]string{"title": ""}, s.access()...)
	assertError(t, w, http.StatusBadRequest, model.ErrCodeValidation)
}

// TestRouter_OwnershipIsNotFound は他ユーザーのリソースが全て404になることを検証する。
func TestRouter_OwnershipIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signUp("alice@example.com")
	bob := env.signUp("bob@example.com")
	l := env.createList(alice, "非公開")
	tk := env.createTask(alice, l.ID, "秘密のタスク")

	requests := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/lists/" + l.ID, nil},
		{http.MethodPatch, "/lists/" + l.ID, map[string]string{"title": "乗っ取り"}},
		{http.MethodDelete, "/lists/" + l.ID, nil},
		{http.MethodGet, "/lists/" + l.ID + "/tasks", nil},
		{http.MethodPost, "/lists/" + l.ID + "/tasks", map[string]string{"title": "侵入"}},
		{http.MethodGet, "/lists/" + l.ID + "/tasks/" + tk.ID, nil},
		{http.MethodPatch, "/lists/" + l.ID + "/tasks/" + tk.ID, map[string]bool{"completed": true}},
		{http.MethodDelete, "/lists/" + l.ID + "/tasks/" + tk.ID, nil},
	}
	for _, rq := range requests {
		w := env.request(rq.method, rq.path, rq.body, bob.access()...)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want 404", rq.method, rq.path, w.Code)
		}
	}

	w := env.request(http.MethodGet, "/lists", nil, bob.access()...)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("other user's lists should not be visible, got %s", w.Body.String())
	}
	if env.store.taskCount(l.ID) != 1 {
		t.Error("owner's task should be untouched")
	}
}

func TestRouter_TaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	s := env.signUp("alice@example.com")
	l := env.createList(s, "家事")

	tk := env.createTask(s, l.ID, "洗濯")
	if tk.ListID != l.ID || tk.Completed {
		t.Errorf("unexpected task: %+v", tk)
	}

	w := env.request(http.MethodPatch, "/lists/"+l.ID+"/tasks/"+tk.ID, map[string]bool{"completed": true}, s.access()...)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", w.Code, w.Body.String())
	}

	w = env.request(http.MethodGet, "/lists/"+l.ID+"/tasks/"+tk.ID, nil, s.access()...)
	var got taskResponse
	decodeBody(t, w, &got)
	if !got.Completed || got.Title != "洗濯" {
		t.Errorf("unexpected task after update: %+v", got)
	}

	w = env.request(http.MethodGet, "/lists/"+l.ID+"/tasks", nil, s.access()...)
	var tasks []taskResponse
	decodeBody(t, w, &tasks)
	if len(tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(tasks))
	}

	w = env.request(http.MethodDelete, "/lists/"+l.ID+"/tasks/"+tk.ID, nil, s.access()...)
	var deleted taskResponse
	decodeBody(t, w, &deleted)
	if deleted.ID != tk.ID {
		t.Errorf("deleted ID = %q, want %q", deleted.ID, tk.ID)
	}

	w = env.request(http.MethodGet, "/lists/"+l.ID+"/tasks/"+tk.ID, nil, s.access()...)
	assertError(t, w, http.StatusNotFound, model.ErrCodeTaskNotFound)
}

// TestRouter_DeleteList_CascadesTasks はリスト削除で配下のタスクが件数に関係なく
// カスケード削除され、ジョブが完了することを検証する。
func TestRouter_DeleteList_CascadesTasks(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("tasks=%d", n), func(t *testing.T) {
			env := newTestEnv(t)
			s := env.signUp("alice@example.com")
			l := env.createList(s, "引っ越し")
			for i := 0; i < n; i++ {
				env.createTask(s, l.ID, fmt.Sprintf("作業%d", i))
			}
			other := env.createList(s, "残すリスト")
			env.createTask(s, other.ID, "残すタスク")

			w := env.request(http.MethodDelete, "/lists/"+l.ID, nil, s.access()...)
			if w.Code != http.StatusOK {
				t.Fatalf("delete status = %d, body = %s", w.Code, w.Body.String())
			}
			var deleted listResponse
			decodeBody(t, w, &deleted)
			if deleted.ID != l.ID {
				t.Errorf("deleted ID = %q, want %q", deleted.ID, l.ID)
			}
			if got := env.store.jobCount(); got != 1 {
				t.Fatalf("pending cascade jobs = %d, want 1", got)
			}

			w = env.request(http.MethodGet, "/lists/"+l.ID+"/tasks", nil, s.access()...)
			assertError(t, w, http.StatusNotFound, model.ErrCodeListNotFound)

			if err := env.worker.RunOnce(context.Background()); err != nil {
				t.Fatalf("RunOnce returned error: %v", err)
			}
			if got := env.store.taskCount(l.ID); got != 0 {
				t.Errorf("remaining tasks = %d, want 0", got)
			}
			if got := env.store.jobCount(); got != 0 {
				t.Errorf("pending cascade jobs after run = %d, want 0", got)
			}
			if got := env.store.taskCount(other.ID); got != 1 {
				t.Errorf("tasks of other list = %d, want 1", got)
			}
		})
	}
}

// TestRouter_Withdraw はユーザー削除でリスト・タスク・セッションが消えることを検証する。
func TestRouter_Withdraw(t *testing.T) {
	env := newTestEnv(t)
	s := env.signUp("alice@example.com")
	l := env.createList(s, "仕事")
	env.createTask(s, l.ID, "報告書")

	w := env.request(http.MethodDelete, "/users/me", nil, s.access()...)
	if w.Code != http.StatusNoContent {
		t.Fatalf("withdraw status = %d, body = %s", w.Code, w.Body.String())
	}

	w = env.request(http.MethodGet, "/users/me/access-token", nil, s.refresh()...)
	assertError(t, w, http.StatusUnauthorized, model.ErrCodeIdentityNotFound)

	// アクセストークンは失効まで検証を通るが、参照先のリソースは存在しない
	w = env.request(http.MethodGet, "/lists", nil, s.access()...)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("lists after withdraw = %s, want []", w.Body.String())
	}

	if err := env.worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if n := env.store.taskCount(l.ID); n != 0 {
		t.Errorf("remaining tasks = %d, want 0", n)
	}
}

// --- 横断的な振る舞い ---

func TestRouter_AuthRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *middleware.RateLimiterConfig) {
		cfg.AuthRate = 0.001
		cfg.AuthBurst = 1
	})

	body := map[string]string{"email": "alice@example.com", "password": "password123"}
	env.request(http.MethodPost, "/users/login", body)
	w := env.request(http.MethodPost, "/users/login", body)
	assertError(t, w, http.StatusTooManyRequests, model.ErrCodeRateLimitExceeded)
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header should be set")
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(http.MethodOptions, "/lists", nil, "Origin", "https://app.example.com")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Expose-Headers") == "" {
		t.Error("expose headers should be set")
	}
}

func TestRouter_Health(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}

	env.pingErr = errors.New("connection refused")
	w = env.request(http.MethodGet, "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want 503", w.Code)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.request(http.MethodGet, "/lists", nil, middleware.HeaderAccessToken, "garbage")

	w := env.request(http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `taskman_auth_failures_total{reason="invalid_token"} 1`) {
		t.Errorf("auth failure metric missing:\n%s", body)
	}
	if !strings.Contains(body, "taskman_http_status_total") {
		t.Errorf("http status metric missing:\n%s", body)
	}
}
