package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrelsec/watchtower"
	"github.com/kestrelsec/watchtower/archive"
	"github.com/kestrelsec/watchtower/bridge"
	"github.com/kestrelsec/watchtower/internal/config"
	"github.com/kestrelsec/watchtower/session"
)

type fakeChatter struct {
	reply bridge.Reply
	err   error
	runs  []string
}

func (f *fakeChatter) Run(_ context.Context, sessionID, text string) (bridge.Reply, error) {
	f.runs = append(f.runs, sessionID+":"+text)
	return f.reply, f.err
}

type fakeTools struct{ defs []watchtower.ToolDefinition }

func (f *fakeTools) ListTools(context.Context) ([]watchtower.ToolDefinition, error) {
	return f.defs, nil
}

type fakeArchive struct {
	total  int64
	events []watchtower.Event
}

func (f *fakeArchive) TotalCount(context.Context) (int64, error) { return f.total, nil }
func (f *fakeArchive) Watermark(context.Context) (watchtower.Watermark, error) {
	return watchtower.Watermark{Timestamp: "2026-08-25T00:00:00.000Z", TotalIngested: f.total}, nil
}
func (f *fakeArchive) RecentEvents(context.Context, time.Duration, int, int) ([]watchtower.Event, error) {
	return f.events, nil
}
func (f *fakeArchive) AgentStats(context.Context) ([]archive.AgentStat, error) {
	return []archive.AgentStat{{AgentID: "001", AgentName: "web01", Count: 3, MaxLevel: 10}}, nil
}
func (f *fakeArchive) RuleStats(context.Context, int) ([]archive.RuleStat, error) {
	return []archive.RuleStat{{RuleID: 5710, RuleLevel: 5, RuleDescription: "sshd auth failure", Count: 3}}, nil
}

type testAPI struct {
	srv   *Server
	store *session.Store
	chat  *fakeChatter
	r     http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := session.New(filepath.Join(t.TempDir(), "sessions.db"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	chat := &fakeChatter{reply: bridge.Reply{Text: "no failed logins"}}
	cfg := config.NewHandle(config.Default(), "")
	srv := NewServer(store, chat, &fakeTools{}, &fakeArchive{total: 7}, cfg)
	return &testAPI{srv: srv, store: store, chat: chat, r: srv.Router()}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func (a *testAPI) registerAndLogin(t *testing.T, username string) string {
	t.Helper()
	w := a.do(t, "POST", "/api/auth/register", "", map[string]string{
		"username": username, "password": "hunter22", "email": username + "@example.com",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
	w = a.do(t, "POST", "/api/auth/login", "", map[string]string{
		"username": username, "password": "hunter22",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	resp := decode[map[string]any](t, w)
	token, _ := resp["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}
	return token
}

func TestAuthFlow(t *testing.T) {
	api := newTestAPI(t)
	token := api.registerAndLogin(t, "analyst")

	if w := api.do(t, "GET", "/api/sessions", token, nil); w.Code != http.StatusOK {
		t.Errorf("authed list: %d", w.Code)
	}
	if w := api.do(t, "POST", "/api/auth/logout", token, nil); w.Code != http.StatusNoContent {
		t.Errorf("logout: %d", w.Code)
	}
	// token is dead after logout
	if w := api.do(t, "GET", "/api/sessions", token, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("after logout: %d", w.Code)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/api/sessions", "/api/tools", "/api/status", "/api/dashboard"} {
		w := api.do(t, "GET", path, "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: %d", path, w.Code)
		}
		body := decode[errorBody](t, w)
		if body.Error.Kind != "auth_failed" {
			t.Errorf("%s error kind = %q", path, body.Error.Kind)
		}
	}
}

func TestLoginWrongPassword(t *testing.T) {
	api := newTestAPI(t)
	api.registerAndLogin(t, "analyst")
	w := api.do(t, "POST", "/api/auth/login", "", map[string]string{
		"username": "analyst", "password": "wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: %d", w.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	api := newTestAPI(t)
	token := api.registerAndLogin(t, "analyst")

	w := api.do(t, "POST", "/api/sessions", token, map[string]string{"title": "triage"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	sess := decode[watchtower.Session](t, w)

	w = api.do(t, "PATCH", "/api/sessions/"+sess.ID, token, map[string]string{"title": "ssh triage"})
	if w.Code != http.StatusNoContent {
		t.Errorf("rename: %d %s", w.Code, w.Body.String())
	}

	w = api.do(t, "GET", "/api/sessions/"+sess.ID, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
	got := decode[struct {
		Session  watchtower.Session         `json:"session"`
		Messages []watchtower.StoredMessage `json:"messages"`
	}](t, w)
	if got.Session.Title != "ssh triage" {
		t.Errorf("title = %q", got.Session.Title)
	}
	if len(got.Messages) != 0 {
		t.Errorf("messages = %+v", got.Messages)
	}

	w = api.do(t, "DELETE", "/api/sessions/"+sess.ID, token, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete: %d", w.Code)
	}
	w = api.do(t, "GET", "/api/sessions/"+sess.ID, token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get deleted: %d", w.Code)
	}
}

func TestSessionOwnershipIsolation(t *testing.T) {
	api := newTestAPI(t)
	alice := api.registerAndLogin(t, "alice")
	bob := api.registerAndLogin(t, "bob")

	w := api.do(t, "POST", "/api/sessions", alice, map[string]string{"title": "private"})
	sess := decode[watchtower.Session](t, w)

	// another user's session looks like it does not exist
	w = api.do(t, "GET", "/api/sessions/"+sess.ID, bob, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("cross-user get: %d", w.Code)
	}
	w = api.do(t, "DELETE", "/api/sessions/"+sess.ID, bob, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("cross-user delete: %d", w.Code)
	}
}

func TestChatTurn(t *testing.T) {
	api := newTestAPI(t)
	token := api.registerAndLogin(t, "analyst")
	w := api.do(t, "POST", "/api/sessions", token, map[string]string{"title": "t"})
	sess := decode[watchtower.Session](t, w)

	w = api.do(t, "POST", "/api/sessions/"+sess.ID+"/chat", token, map[string]string{
		"message": "any failed ssh logins?",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("chat: %d %s", w.Code, w.Body.String())
	}
	resp := decode[map[string]string](t, w)
	if resp["reply"] != "no failed logins" {
		t.Errorf("reply = %q", resp["reply"])
	}
	if len(api.chat.runs) != 1 || api.chat.runs[0] != sess.ID+":any failed ssh logins?" {
		t.Errorf("runs = %v", api.chat.runs)
	}
}

func TestChatConflictMapsTo409(t *testing.T) {
	api := newTestAPI(t)
	api.chat.err = watchtower.E(watchtower.KindConflict, "bridge.Run", "a turn is already in progress for this session", nil)
	token := api.registerAndLogin(t, "analyst")
	w := api.do(t, "POST", "/api/sessions", token, map[string]string{"title": "t"})
	sess := decode[watchtower.Session](t, w)

	w = api.do(t, "POST", "/api/sessions/"+sess.ID+"/chat", token, map[string]string{"message": "hi"})
	if w.Code != http.StatusConflict {
		t.Errorf("conflict turn: %d", w.Code)
	}
}

func TestStatusAndDashboard(t *testing.T) {
	api := newTestAPI(t)
	token := api.registerAndLogin(t, "analyst")

	w := api.do(t, "GET", "/api/status", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	status := decode[map[string]any](t, w)
	if status["total_events"].(float64) != 7 {
		t.Errorf("status = %v", status)
	}

	w = api.do(t, "GET", "/api/dashboard", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dashboard: %d", w.Code)
	}
	dash := decode[map[string]any](t, w)
	if _, ok := dash["severity"]; !ok {
		t.Errorf("dashboard = %v", dash)
	}
}

func TestAdminConfigRequiresAdmin(t *testing.T) {
	api := newTestAPI(t)
	token := api.registerAndLogin(t, "analyst")

	if w := api.do(t, "GET", "/api/admin/config", token, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("non-admin get config: %d", w.Code)
	}

	// promote and retry with the same token; admin is checked per request
	user, err := api.store.Authenticate(context.Background(), "analyst", "hunter22")
	if err != nil {
		t.Fatal(err)
	}
	if err := api.store.SetAdmin(context.Background(), user.ID, true); err != nil {
		t.Fatal(err)
	}
	adminToken := token

	w := api.do(t, "GET", "/api/admin/config", adminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("admin get config: %d %s", w.Code, w.Body.String())
	}
	cfg := decode[config.Config](t, w)

	cfg.Alerts.MaxPerHour = 5
	w = api.do(t, "PUT", "/api/admin/config", adminToken, cfg)
	if w.Code != http.StatusOK {
		t.Fatalf("admin put config: %d %s", w.Code, w.Body.String())
	}
	if api.srv.cfg.Current().Alerts.MaxPerHour != 5 {
		t.Error("config update did not take effect")
	}
}

func TestAdminConfigRejectsInvalidDocument(t *testing.T) {
	api := newTestAPI(t)
	user, err := api.store.CreateUser(context.Background(), "root", "root@example.com", "hunter22", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := api.store.SetAdmin(context.Background(), user.ID, true); err != nil {
		t.Fatal(err)
	}
	token, err := api.store.CreateToken(context.Background(), user.ID)
	if err != nil {
		t.Fatal(err)
	}

	bad := config.Default()
	bad.Model.BaseURL = ""
	w := api.do(t, "PUT", "/api/admin/config", token, bad)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid config: %d %s", w.Code, w.Body.String())
	}
}
