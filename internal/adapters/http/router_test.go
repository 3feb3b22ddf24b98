package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlekit/huddle/internal/adapters/signal"
	"github.com/huddlekit/huddle/internal/app"
	"github.com/huddlekit/huddle/internal/audit"
	"github.com/huddlekit/huddle/internal/auth"
	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/metrics"
	"github.com/huddlekit/huddle/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Mode:       "release",
		ReadLimit:  32768,
		PingPeriod: time.Second,
		AccessTTL:  time.Hour,
		RefreshTTL: time.Hour,
		RateLimit:  config.RateLimitConfig{Enabled: false},
		ICEServers: []config.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}},
	}
}

func newTestRouter(t *testing.T) (http.Handler, store.Store, *auth.TokenService) {
	t.Helper()
	cfg := testConfig()
	tokens, err := auth.NewTokenService([]auth.SigningKey{{KID: "test", Secret: "secret"}}, cfg.AccessTTL)
	require.NoError(t, err)

	st := store.NewMemory()
	coll := metrics.NewCollector()
	orch := &app.Orchestrator{
		Store:          st,
		Registry:       app.NewRegistry(),
		Audit:          audit.Nop{},
		Metrics:        coll,
		RelayThreshold: 6,
	}
	sig := &signal.Controller{
		Orch:       orch,
		Tokens:     tokens,
		Metrics:    coll,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		RootCtx:    context.Background(),
	}
	router := SetupRouter(Deps{
		Cfg:     cfg,
		Store:   st,
		Tokens:  tokens,
		Orch:    orch,
		Audit:   audit.Nop{},
		Metrics: coll,
		Signal:  sig,
	})
	return router, st, tokens
}

func doJSON(t *testing.T, h http.Handler, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("{}")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type roomResp struct {
	Room struct {
		ID     string `json:"id"`
		HostID string `json:"hostId"`
		Mode   string `json:"mode"`
		Locked bool   `json:"locked"`
	} `json:"room"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func createRoom(t *testing.T, h http.Handler, hostID string) roomResp {
	t.Helper()
	w := doJSON(t, h, "POST", "/v1/rooms", `{"hostId":"`+hostID+`"}`, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp roomResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func joinRoom(t *testing.T, h http.Handler, roomID, userID string) (roomResp, int) {
	t.Helper()
	w := doJSON(t, h, "POST", "/v1/rooms/"+roomID+"/join", `{"userId":"`+userID+`"}`, "")
	var resp roomResp
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return resp, w.Code
}

func TestCreateAndJoinRoom(t *testing.T) {
	h, _, tokens := newTestRouter(t)

	created := createRoom(t, h, "alice")
	assert.True(t, strings.HasPrefix(created.Room.ID, "room_"))
	assert.Equal(t, "mesh", created.Room.Mode)
	assert.NotEmpty(t, created.RefreshToken)

	claims, err := tokens.Verify(created.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, auth.RoleHost, claims.Role)
	assert.Equal(t, created.Room.ID, claims.RoomID)

	joined, code := joinRoom(t, h, created.Room.ID, "bob")
	require.Equal(t, http.StatusOK, code)
	claims, err = tokens.Verify(joined.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleParticipant, claims.Role)

	_, code = joinRoom(t, h, "room_ffffff", "bob")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCreateRoomValidation(t *testing.T) {
	h, _, _ := newTestRouter(t)
	w := doJSON(t, h, "POST", "/v1/rooms", `{"hostId":""}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLockGatesJoinOnly(t *testing.T) {
	h, _, _ := newTestRouter(t)
	created := createRoom(t, h, "alice")
	joined, _ := joinRoom(t, h, created.Room.ID, "bob")

	// A participant cannot lock.
	w := doJSON(t, h, "POST", "/v1/rooms/"+created.Room.ID+"/lock", "", joined.AccessToken)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, h, "POST", "/v1/rooms/"+created.Room.ID+"/lock", "", created.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)

	_, code := joinRoom(t, h, created.Room.ID, "carol")
	assert.Equal(t, http.StatusLocked, code)

	w = doJSON(t, h, "POST", "/v1/rooms/"+created.Room.ID+"/unlock", "", created.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)
	_, code = joinRoom(t, h, created.Room.ID, "carol")
	assert.Equal(t, http.StatusOK, code)
}

func TestGetRoomAuth(t *testing.T) {
	h, _, _ := newTestRouter(t)
	created := createRoom(t, h, "alice")

	w := doJSON(t, h, "GET", "/v1/rooms/"+created.Room.ID, "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, h, "GET", "/v1/rooms/"+created.Room.ID, "", "garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	joined, _ := joinRoom(t, h, created.Room.ID, "bob")
	w = doJSON(t, h, "GET", "/v1/rooms/"+created.Room.ID, "", joined.AccessToken)
	assert.Equal(t, http.StatusOK, w.Code)

	// A token for one room opens no doors in another.
	other := createRoom(t, h, "mallory")
	w = doJSON(t, h, "GET", "/v1/rooms/"+created.Room.ID, "", other.AccessToken)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRefreshFlow(t *testing.T) {
	h, _, tokens := newTestRouter(t)
	created := createRoom(t, h, "alice")

	w := doJSON(t, h, "POST", "/auth/refresh",
		`{"userId":"alice","refresh":"wrong","roomId":"`+created.Room.ID+`","role":"host"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, h, "POST", "/auth/refresh",
		`{"userId":"alice","refresh":"`+created.RefreshToken+`","roomId":"`+created.Room.ID+`","role":"host"}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		AccessToken string `json:"accessToken"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	claims, err := tokens.Verify(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleHost, claims.Role)

	w = doJSON(t, h, "POST", "/auth/refresh",
		`{"userId":"alice","refresh":"`+created.RefreshToken+`","roomId":"`+created.Room.ID+`","role":"admin"}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestE2EEKey(t *testing.T) {
	h, _, _ := newTestRouter(t)
	created := createRoom(t, h, "alice")
	joined, _ := joinRoom(t, h, created.Room.ID, "bob")
	path := "/v1/rooms/" + created.Room.ID + "/e2ee"

	w := doJSON(t, h, "GET", path+"/key", "", joined.AccessToken)
	assert.Equal(t, http.StatusNotFound, w.Code, "no key set yet")

	w = doJSON(t, h, "POST", path+"/set", `{"keyB64":"c2VjcmV0"}`, joined.AccessToken)
	assert.Equal(t, http.StatusForbidden, w.Code, "participants cannot set the key")

	w = doJSON(t, h, "POST", path+"/set", `{"keyB64":"not base64!!"}`, created.AccessToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, "POST", path+"/set", `{"keyB64":"c2VjcmV0"}`, created.AccessToken)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, h, "GET", path+"/key", "", joined.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "c2VjcmV0")
}

func TestHostModeration(t *testing.T) {
	h, _, _ := newTestRouter(t)
	created := createRoom(t, h, "alice")
	joined, _ := joinRoom(t, h, created.Room.ID, "bob")

	w := doJSON(t, h, "POST", "/v1/rooms/"+created.Room.ID+"/muteAll", "", joined.AccessToken)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doJSON(t, h, "POST", "/v1/rooms/"+created.Room.ID+"/muteAll", "", created.AccessToken)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, "POST", "/v1/rooms/"+created.Room.ID+"/remove", `{"targetUserId":"bob"}`, created.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"notified":0`, "bob has no live sockets")
}

func TestHealthAndTurnCred(t *testing.T) {
	h, _, _ := newTestRouter(t)

	w := doJSON(t, h, "GET", "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, "POST", "/turn-cred", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "stun:stun.example.org:3478")
}

func TestWSRejectsBadToken(t *testing.T) {
	h, _, _ := newTestRouter(t)
	w := doJSON(t, h, "GET", "/ws?token=garbage", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWSRoundTrip(t *testing.T) {
	h, _, _ := newTestRouter(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	created := createRoom(t, h, "alice")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + created.AccessToken

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"1","type":"ping"}`)))
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, "pong", resp["type"])
	assert.Equal(t, "1", resp["id"])
}
