package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/spacestage/internal/devremote"
	"github.com/agentworkforce/spacestage/internal/navstage"
	"github.com/agentworkforce/spacestage/internal/remote"
	"github.com/agentworkforce/spacestage/internal/tabstage"
	"github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const testSecret = "test-secret"

var allScopes = []string{scopeRead, scopeWrite, scopeCommit}

type fixture struct {
	server  *Server
	store   *devremote.Store
	tabs    *tabstage.Service
	nav     *navstage.Service
	changes atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, devremote.NewStore())
}

func newFixtureWithStore(t *testing.T, store *devremote.Store) *fixture {
	t.Helper()
	signer, err := remote.GenerateEd25519Signer()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	client := devremote.NewLocalClient(store)
	tabs, err := tabstage.NewService(client, signer, tabstage.Options{})
	if err != nil {
		t.Fatalf("new tab service: %v", err)
	}
	nav, err := navstage.NewService(client, signer, tabs, navstage.Options{})
	if err != nil {
		t.Fatalf("new navigation service: %v", err)
	}
	f := &fixture{store: store, tabs: tabs, nav: nav}
	f.server = NewServerWithConfig(tabs, nav, ServerConfig{
		JWTSecret:   testSecret,
		CommunityID: "community-1",
		OnChange:    func() { f.changes.Add(1) },
	})
	return f
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/spaces"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (%s)", resp.Code, resp.Body.String())
	}

	cases := []struct {
		name    string
		token   string
		status  int
		message string
	}{
		{"wrong audience", mustTestJWTWithAudience(t, testSecret, "ui", allScopes, "other", time.Now().Add(time.Hour)), 401, "invalid aud claim"},
		{"expired", mustTestJWT(t, testSecret, "ui", allScopes, time.Now().Add(-time.Minute)), 401, "token expired"},
		{"bad signature", mustTestJWT(t, "another-secret", "ui", allScopes, time.Now().Add(time.Hour)), 401, "jwt signature mismatch"},
		{"missing scope", mustTestJWT(t, testSecret, "ui", []string{scopeWrite}, time.Now().Add(time.Hour)), 403, "missing required scope: stage:read"},
		{"garbage", "not-a-jwt", 401, "invalid jwt format"},
	}
	for _, tc := range cases {
		resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/spaces", token: tc.token})
		if resp.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.status, resp.Code, resp.Body.String())
		}
		var body map[string]any
		decodeBody(t, resp, &body)
		if body["message"] != tc.message {
			t.Fatalf("%s: expected message %q, got %v", tc.name, tc.message, body["message"])
		}
	}
}

func TestScopesAcceptSpaceSeparatedString(t *testing.T) {
	claims, authErr := parseTokenForTest(t, map[string]any{"scopes": "stage:read stage:write"})
	if authErr != nil {
		t.Fatalf("expected token to parse, got %v", authErr)
	}
	if _, ok := claims.Scopes[scopeWrite]; !ok {
		t.Fatalf("expected stage:write scope, got %v", claims.Scopes)
	}
}

func TestTabLifecycleThroughAPI(t *testing.T) {
	f := newFixture(t)
	token := mustTestJWT(t, testSecret, "ui", allScopes, time.Now().Add(time.Hour))

	resp := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/spaces/s1/tabs", token: token, body: map[string]any{"name": "Home"}})
	if resp.Code != http.StatusCreated {
		t.Fatalf("create tab: expected 201, got %d (%s)", resp.Code, resp.Body.String())
	}
	var created map[string]string
	decodeBody(t, resp, &created)
	if created["name"] != "Home" {
		t.Fatalf("expected tab Home, got %v", created)
	}
	if got := resp.Header().Get("X-Correlation-Id"); got == "" {
		t.Fatalf("expected generated correlation id")
	}

	resp = doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/spaces/s1/commit", token: token})
	if resp.Code != http.StatusOK {
		t.Fatalf("commit: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if keys := strings.Join(f.store.TabKeys("s1"), ","); keys != "Home" {
		t.Fatalf("expected remote key Home, got %q", keys)
	}

	resp = doRequest(t, f.server, request{method: http.MethodPatch, path: "/v1/spaces/s1/tabs/Home", token: token, body: map[string]any{"name": "Start"}})
	if resp.Code != http.StatusOK {
		t.Fatalf("rename: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var renamed map[string]string
	decodeBody(t, resp, &renamed)
	if renamed["name"] != "Start" {
		t.Fatalf("expected renamed tab Start, got %v", renamed)
	}

	resp = doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/spaces/s1", token: token})
	if resp.Code != http.StatusOK {
		t.Fatalf("space: expected 200, got %d", resp.Code)
	}
	var view struct {
		Dirty   bool `json:"dirty"`
		Changes []struct {
			Name   string `json:"name"`
			Key    string `json:"key"`
			Status string `json:"status"`
		} `json:"changes"`
	}
	decodeBody(t, resp, &view)
	if !view.Dirty || len(view.Changes) != 1 || view.Changes[0].Status != "pending_rename" || view.Changes[0].Key != "Home" {
		t.Fatalf("unexpected space view %+v", view)
	}

	resp = doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/spaces/s1/commit", token: token})
	if resp.Code != http.StatusOK {
		t.Fatalf("commit rename: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if keys := strings.Join(f.store.TabKeys("s1"), ","); keys != "Start" {
		t.Fatalf("expected moved key Start, got %q", keys)
	}

	resp = doRequest(t, f.server, request{method: http.MethodDelete, path: "/v1/spaces/s1/tabs/Start", token: token})
	if resp.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.Code)
	}
	resp = doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/spaces/s1/commit", token: token})
	if resp.Code != http.StatusOK {
		t.Fatalf("commit delete: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if keys := f.store.TabKeys("s1"); len(keys) != 0 {
		t.Fatalf("expected no remote keys, got %v", keys)
	}
	if f.changes.Load() == 0 {
		t.Fatalf("expected OnChange to run for staged mutations")
	}
}

func TestTabErrorsMapToStatuses(t *testing.T) {
	f := newFixture(t)
	token := mustTestJWT(t, testSecret, "ui", allScopes, time.Now().Add(time.Hour))
	f.tabs.CreateTab("s1", "Home", nil)

	resp := doRequest(t, f.server, request{method: http.MethodPatch, path: "/v1/spaces/s1/tabs/Home", token: token, body: map[string]any{"name": "bad/name"}})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("invalid rename: expected 400, got %d (%s)", resp.Code, resp.Body.String())
	}
	resp = doRequest(t, f.server, request{method: http.MethodPut, path: "/v1/spaces/s1/tabs/Missing", token: token, body: map[string]any{"config": map[string]any{}}})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("save unknown: expected 404, got %d (%s)", resp.Code, resp.Body.String())
	}
	resp = doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/spaces/nope", token: token})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("unknown space: expected 404, got %d", resp.Code)
	}
	resp = doRawRequest(t, f.server, rawRequest{method: http.MethodPost, path: "/v1/spaces/s1/tabs", token: token, body: []byte("{")})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("bad json: expected 400, got %d", resp.Code)
	}

	readOnly := mustTestJWT(t, testSecret, "ui", []string{scopeRead, scopeWrite}, time.Now().Add(time.Hour))
	resp = doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/spaces/s1/commit", token: readOnly})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("commit without scope: expected 403, got %d", resp.Code)
	}
}

func TestLoadTabThroughAPI(t *testing.T) {
	f := newFixture(t)
	token := mustTestJWT(t, testSecret, "ui", allScopes, time.Now().Add(time.Hour))

	resp := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/spaces/s1/tabs/Ghost/load", token: token})
	if resp.Code != http.StatusOK {
		t.Fatalf("load missing: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var view tabView
	decodeBody(t, resp, &view)
	if !view.Checked || view.Tab != nil {
		t.Fatalf("expected checked tab without content, got %+v", view)
	}
}

func TestNavigationThroughAPI(t *testing.T) {
	f := newFixture(t)
	token := mustTestJWT(t, testSecret, "ui", allScopes, time.Now().Add(time.Hour))

	resp := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/navigation/items", token: token, body: map[string]any{"label": "Music"}})
	if resp.Code != http.StatusCreated {
		t.Fatalf("create item: expected 201, got %d (%s)", resp.Code, resp.Body.String())
	}
	var item navstage.Item
	decodeBody(t, resp, &item)
	if item.Href != "/music" || item.SpaceID == "" {
		t.Fatalf("unexpected item %+v", item)
	}
	if _, ok := f.tabs.Space(item.SpaceID); !ok {
		t.Fatalf("expected local space %s", item.SpaceID)
	}

	resp = doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/navigation/items", token: token, body: map[string]any{"label": "Other", "href": "/music"}})
	if resp.Code != http.StatusConflict {
		t.Fatalf("duplicate href: expected 409, got %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, f.server, request{method: http.MethodPut, path: "/v1/navigation/order", token: token, body: map[string]any{"order": []string{"nope"}}})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unknown order id: expected 400, got %d", resp.Code)
	}
	resp = doRequest(t, f.server, request{method: http.MethodPut, path: "/v1/navigation/order", token: token, body: map[string]any{"order": []string{navstage.NotificationsItemID, item.ID}}})
	if resp.Code != http.StatusNoContent {
		t.Fatalf("order: expected 204, got %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/navigation/commit", token: token})
	if resp.Code != http.StatusOK {
		t.Fatalf("commit: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var view navigationView
	decodeBody(t, resp, &view)
	if view.Dirty || len(view.RemoteItems) != 1 {
		t.Fatalf("expected clean committed navigation, got %+v", view)
	}
	if raw, err := f.store.NavigationConfig("community-1"); err != nil || !bytes.Contains(raw, []byte(`"/music"`)) {
		t.Fatalf("expected stored navigation config, got %s (%v)", raw, err)
	}
	if keys := f.store.TabKeys(item.SpaceID); len(keys) != 1 {
		t.Fatalf("expected default tab committed for new space, got %v", keys)
	}

	resp = doRequest(t, f.server, request{method: http.MethodDelete, path: "/v1/navigation/items/" + item.ID, token: token})
	if resp.Code != http.StatusNoContent {
		t.Fatalf("delete item: expected 204, got %d", resp.Code)
	}
	resp = doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/navigation/reset", token: token})
	if resp.Code != http.StatusNoContent {
		t.Fatalf("reset: expected 204, got %d", resp.Code)
	}
	if items := f.nav.Items(); len(items) != 1 || items[0].ID != item.ID {
		t.Fatalf("expected reset to restore committed item, got %+v", items)
	}
	if _, ok := f.tabs.Space(item.SpaceID); !ok {
		t.Fatalf("expected reset to restore the item's space")
	}
}

func TestNavigationLoadThroughAPI(t *testing.T) {
	first := newFixture(t)
	token := mustTestJWT(t, testSecret, "ui", allScopes, time.Now().Add(time.Hour))
	resp := doRequest(t, first.server, request{method: http.MethodPost, path: "/v1/navigation/items", token: token, body: map[string]any{"label": "Music"}})
	if resp.Code != http.StatusCreated {
		t.Fatalf("create item: expected 201, got %d (%s)", resp.Code, resp.Body.String())
	}
	resp = doRequest(t, first.server, request{method: http.MethodPost, path: "/v1/navigation/commit", token: token})
	if resp.Code != http.StatusOK {
		t.Fatalf("commit: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}

	f := newFixtureWithStore(t, first.store)
	readOnly := mustTestJWT(t, testSecret, "ui", []string{scopeRead}, time.Now().Add(time.Hour))
	resp = doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/navigation/load", token: readOnly})
	if resp.Code != http.StatusOK {
		t.Fatalf("load: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var view navigationView
	decodeBody(t, resp, &view)
	if len(view.Items) != 1 || view.Items[0].Label != "Music" || view.Dirty {
		t.Fatalf("expected committed navigation loaded, got %+v", view)
	}
	if _, ok := f.tabs.Space(view.Items[0].SpaceID); !ok {
		t.Fatalf("expected loaded item to get a local space")
	}

	resp = doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/navigation/load", token: readOnly, body: map[string]any{"communityId": "unknown"}})
	if resp.Code != http.StatusOK {
		t.Fatalf("load of unknown community: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	decodeBody(t, resp, &view)
	if len(view.Items) != 1 {
		t.Fatalf("expected missing config to leave navigation alone, got %+v", view.Items)
	}
}

func TestSpaceMetaThroughAPI(t *testing.T) {
	f := newFixture(t)
	token := mustTestJWT(t, testSecret, "ui", allScopes, time.Now().Add(time.Hour))
	resp := doRequest(t, f.server, request{method: http.MethodPut, path: "/v1/spaces/s1/meta", token: token, body: map[string]any{"fid": 42, "channelId": "music"}})
	if resp.Code != http.StatusOK {
		t.Fatalf("meta: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	sp, ok := f.tabs.Space("s1")
	if !ok || sp.Meta.FID != 42 || sp.Meta.ChannelID != "music" {
		t.Fatalf("expected metadata recorded, got %+v (found=%v)", sp.Meta, ok)
	}
	resp = doRequest(t, f.server, request{method: http.MethodPut, path: "/v1/spaces/s1/meta", token: token, body: map[string]any{"owner": "x"}})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", resp.Code)
	}
}

func TestEventFeedStreamsChanges(t *testing.T) {
	f := newFixture(t)
	token := mustTestJWT(t, testSecret, "ui", allScopes, time.Now().Add(time.Hour))
	ts := httptest.NewServer(f.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, ts.URL+"/v1/events?access_token="+token, nil)
	if err != nil {
		t.Fatalf("dial event feed: %v", err)
	}
	defer conn.CloseNow()

	// The subscription is registered after the upgrade; retry until the
	// first event arrives.
	received := make(chan Event, 16)
	go func() {
		for {
			var ev Event
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				close(received)
				return
			}
			received <- ev
		}
	}()
	deadline := time.After(3 * time.Second)
	for i := 0; ; i++ {
		f.tabs.CreateTab("feed", "Tab", nil)
		select {
		case ev, ok := <-received:
			if !ok {
				t.Fatalf("event feed closed early")
			}
			if ev.Kind != "tab.created" || ev.SpaceID != "feed" {
				t.Fatalf("unexpected event %+v", ev)
			}
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no event received after %d attempts", i+1)
		}
	}
}

func TestEventFeedRequiresToken(t *testing.T) {
	f := newFixture(t)
	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/events"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestEventHubFlagsOverflow(t *testing.T) {
	hub := newEventHub(1)
	events, unsubscribe := hub.subscribe()
	defer unsubscribe()

	hub.broadcast(Event{Kind: "a"})
	hub.broadcast(Event{Kind: "b"})
	if ev := <-events; ev.Kind != "a" {
		t.Fatalf("expected first event, got %+v", ev)
	}
	hub.broadcast(Event{Kind: "c"})
	if ev := <-events; ev.Kind != "feed.overflow" {
		t.Fatalf("expected overflow marker, got %+v", ev)
	}
}

type request struct {
	method string
	path   string
	token  string
	body   any
}

type rawRequest struct {
	method string
	path   string
	token  string
	body   []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if r.body != nil {
		var err error
		payload, err = json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
	}
	return doRawRequest(t, server, rawRequest{method: r.method, path: r.path, token: r.token, body: payload})
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	if len(r.body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", resp.Body.String(), err)
	}
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, subject, scopes, defaultAudience, exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	now := exp.Add(-time.Hour)
	token, err := IssueToken(secret, aud, subject, scopes, exp.Sub(now), now)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func parseTokenForTest(t *testing.T, extra map[string]any) (tokenClaims, *authError) {
	t.Helper()
	claims := map[string]any{
		"sub": "ui",
		"aud": defaultAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	for key, value := range extra {
		claims[key] = value
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(claims)).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign claims: %v", err)
	}
	return parseToken(raw, testSecret, defaultAudience, time.Now())
}
