package handlers_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatsync/auth"
	"chatsync/chat"
	"chatsync/config"
	"chatsync/database"
	"chatsync/database/dbtest"
	"chatsync/fanout"
	"chatsync/handlers"
	"chatsync/metrics"
	"chatsync/models"
	"chatsync/presence"
)

const (
	alice = "11111111-1111-4111-8111-111111111111"
	bob   = "22222222-2222-4222-8222-222222222222"
	carol = "33333333-3333-4333-8333-333333333333"
)

type fakeGateway struct {
	mu     sync.Mutex
	served []auth.Principal
}

func (g *fakeGateway) Serve(w http.ResponseWriter, _ *http.Request, p auth.Principal) {
	g.mu.Lock()
	g.served = append(g.served, p)
	g.mu.Unlock()
	w.WriteHeader(http.StatusTeapot)
}

func (g *fakeGateway) principals() []auth.Principal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]auth.Principal(nil), g.served...)
}

type env struct {
	srv    *httptest.Server
	store  *database.Store
	seed   *dbtest.Seeder
	issuer *auth.Issuer
	gw     *fakeGateway
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := dbtest.New(t)
	bus := fanout.NewMemoryBus(zap.NewNop())
	t.Cleanup(func() { _ = bus.Close() })

	issuer, err := auth.NewIssuer(config.AuthConfig{
		Secret: "handlers-test-secret-0123456789", CookieName: "session", Issuer: "chatsync-test", TokenTTL: time.Hour,
	})
	require.NoError(t, err)

	m := metrics.New()
	log := zap.NewNop()
	svc := chat.NewService(store, bus, "test", config.PaginationConfig{DefaultLimit: 50, MaxLimit: 100}, m, log)
	tracker := presence.NewTracker(store, bus, "test", time.Minute, m, log)
	gw := &fakeGateway{}

	h := handlers.New(svc, tracker, store, issuer, gw, "session", log)
	srv := httptest.NewServer(h.Router(m))
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: store, seed: dbtest.NewSeeder(t, store), issuer: issuer, gw: gw}
}

func (e *env) token(t *testing.T, userID, name string) string {
	tok, _, err := e.issuer.Issue(userID, name)
	require.NoError(t, err)
	return tok
}

// do sends a request authenticated as token (if non-empty) and decodes the
// JSON response into out (if non-nil).
func (e *env) do(t *testing.T, method, path, token, body string, out any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

type apiError struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields"`
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)

	var body apiError
	resp := e.do(t, http.MethodGet, "/chats", "", "", &body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, auth.CodeMissing, body.Code)

	resp = e.do(t, http.MethodGet, "/chats", "not-a-token", "", &body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, auth.CodeInvalid, body.Code)

	expired := e.issuer.WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) })
	tok, _, err := expired.Issue(alice, "alice")
	require.NoError(t, err)
	resp = e.do(t, http.MethodGet, "/chats", tok, "", &body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, auth.CodeExpired, body.Code)

	resp = e.do(t, http.MethodGet, "/healthz", "", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatsEndpoints(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, alice, "alice")

	var created models.ChatWithDetails
	resp := e.do(t, http.MethodPost, "/chats", tok, `{"memberIds":["`+bob+`"]}`, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.False(t, created.IsGroup)

	var again models.ChatWithDetails
	resp = e.do(t, http.MethodPost, "/chats", tok, `{"memberIds":["`+bob+`"]}`, &again)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.ID, again.ID)

	var bad apiError
	resp = e.do(t, http.MethodPost, "/chats", tok, `{"memberIds":["nope"]}`, &bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", bad.Code)
	assert.Contains(t, bad.Fields, "memberIds[0]")

	var list []models.ChatWithDetails
	resp = e.do(t, http.MethodGet, "/chats", e.token(t, bob, "bob"), "", &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	resp = e.do(t, http.MethodGet, "/chats", e.token(t, carol, "carol"), "", &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, list)
}

func TestMembershipEndpoints(t *testing.T) {
	e := newEnv(t)
	c := e.seed.Chat(true, time.Now().Add(-time.Hour), alice, bob, carol)
	aliceTok, bobTok, carolTok := e.token(t, alice, "alice"), e.token(t, bob, "bob"), e.token(t, carol, "carol")

	var denied apiError
	resp := e.do(t, http.MethodDelete, "/chats/"+c.ID+"/members/"+carol, bobTok, "", &denied)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", denied.Code)

	resp = e.do(t, http.MethodDelete, "/chats/"+c.ID+"/members/"+carol, aliceTok, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/chats/"+c.ID+"/messages", carolTok, "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "a removed member loses history access")

	resp = e.do(t, http.MethodPost, "/chats/"+c.ID+"/leave", bobTok, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/chats/"+c.ID+"/leave", bobTok, "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var list []models.ChatWithDetails
	resp = e.do(t, http.MethodGet, "/chats", aliceTok, "", &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list, 1)
	assert.Len(t, list[0].Participants, 1)
}

func TestMessagesEndpoints(t *testing.T) {
	e := newEnv(t)
	start := time.Now().Add(-time.Hour)
	c := e.seed.Chat(false, start, alice, bob)
	msgs := e.seed.Messages(c.ID, alice, 30, start)
	bobTok := e.token(t, bob, "bob")

	var page models.Page
	resp := e.do(t, http.MethodGet, "/chats/"+c.ID+"/messages?limit=20", bobTok, "", &page)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, page.Messages, 19, "the backlog fills the page and nothing precedes it")
	assert.Equal(t, msgs[0].ID, page.Messages[0].ID)
	require.NotNil(t, page.FirstUnreadID)
	assert.Equal(t, msgs[0].ID, *page.FirstUnreadID)
	assert.Nil(t, page.NextCursor)

	var errBody apiError
	resp = e.do(t, http.MethodGet, "/chats/"+c.ID+"/messages?limit=abc", bobTok, "", &errBody)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/chats/"+c.ID+"/messages?cursor=zzz", bobTok, "", &errBody)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/chats/"+c.ID+"/messages", e.token(t, carol, "carol"), "", &errBody)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var read map[string]bool
	resp = e.do(t, http.MethodPost, "/chats/"+c.ID+"/read", bobTok, `{"messageId":"`+msgs[29].ID+`"}`, &read)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, read["advanced"])

	resp = e.do(t, http.MethodGet, "/chats/"+c.ID+"/messages?limit=20", bobTok, "", &page)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, page.FirstUnreadID)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, msgs[10].ID, *page.NextCursor)

	aliceTok := e.token(t, alice, "alice")
	var edited models.Message
	resp = e.do(t, http.MethodPatch, "/chats/"+c.ID+"/messages/"+msgs[0].ID, aliceTok, `{"content":"fixed"}`, &edited)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fixed", edited.Content)

	resp = e.do(t, http.MethodPatch, "/chats/"+c.ID+"/messages/"+msgs[0].ID, bobTok, `{"content":"mine"}`, &errBody)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var deleted models.Message
	resp = e.do(t, http.MethodDelete, "/chats/"+c.ID+"/messages/"+msgs[1].ID, aliceTok, "", &deleted)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, deleted.IsDeleted())
}

func TestSessionCookie(t *testing.T) {
	e := newEnv(t)

	var refreshed struct {
		Success bool `json:"success"`
	}
	resp := e.do(t, http.MethodPost, "/session/refresh", e.token(t, alice, "alice"), "", &refreshed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, refreshed.Success)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "session" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)

	u, err := e.store.GetUser(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/session", nil)
	require.NoError(t, err)
	req.AddCookie(cookie)
	me, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer me.Body.Close()
	assert.Equal(t, http.StatusOK, me.StatusCode)

	resp = e.do(t, http.MethodPost, "/session/logout", "", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Cookies())
	assert.Empty(t, resp.Cookies()[0].Value)
}

func TestPresenceWebSocketAndMetrics(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, alice, "alice")

	var p models.Presence
	resp := e.do(t, http.MethodGet, "/users/"+bob+"/presence", tok, "", &p)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, p.IsOnline)
	assert.Equal(t, bob, p.UserID)

	resp = e.do(t, http.MethodGet, "/users/bob/presence", tok, "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/ws?token="+tok, "", "", nil)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	served := e.gw.principals()
	require.Len(t, served, 1)
	assert.Equal(t, alice, served[0].UserID)

	resp = e.do(t, http.MethodGet, "/ws", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Len(t, e.gw.principals(), 1, "no upgrade without a token")

	metricsResp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	body, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatsync_auth_failures_total 1")
}
