package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/agentworkforce/spacestage/internal/appconfig"
	"github.com/agentworkforce/spacestage/internal/draft"
	"github.com/agentworkforce/spacestage/internal/httpapi"
	"github.com/agentworkforce/spacestage/internal/navstage"
	"github.com/agentworkforce/spacestage/internal/remote"
)

func testLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true})
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "dev-remote", "config", "token"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Fatalf("expected %s subcommand, got %v (%v)", name, cmd, err)
		}
	}
}

func TestConfigInitWritesDefault(t *testing.T) {
	t.Setenv("SPACESTAGE_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "init", "--config", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out.String(), path) {
		t.Fatalf("expected written path in output, got %q", out.String())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file: %v", err)
	}

	root = newRootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"config", "init", "--config", path})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected second init without --force to fail")
	}
}

func TestTokenCommandPrintsJWT(t *testing.T) {
	t.Setenv("SPACESTAGE_HOME", t.TempDir())
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--config", filepath.Join(t.TempDir(), "none.yaml"), "--scopes", "stage:read"})
	if err := root.Execute(); err != nil {
		t.Fatalf("token: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out.String()), "."); len(parts) != 3 {
		t.Fatalf("expected a jwt, got %q", out.String())
	}
}

func TestStageRestoresCapturedDraft(t *testing.T) {
	cfg := testConfig(t)
	signer, err := remote.GenerateEd25519Signer()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	backend := draft.NewMemoryBackend()
	client := remote.NewHTTPClient("http://127.0.0.1:1", remote.HTTPClientOptions{MaxRetries: -1})

	first, err := newStage(cfg, client, signer, backend, testLogger())
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	first.tabs.CreateTab("s1", "Home", nil)
	if _, err := first.nav.CreateItem(navstage.ItemInput{Label: "Music"}); err != nil {
		t.Fatalf("create item: %v", err)
	}
	doc, err := first.capture()
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if err := backend.Save(doc); err != nil {
		t.Fatalf("save: %v", err)
	}

	second, err := newStage(cfg, client, signer, backend, testLogger())
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := second.restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, ok := second.tabs.Space("s1"); !ok {
		t.Fatalf("expected restored space s1")
	}
	items := second.nav.Items()
	if len(items) != 1 || items[0].Label != "Music" {
		t.Fatalf("expected restored navigation item, got %+v", items)
	}
	if !second.nav.HasUncommittedChanges() {
		t.Fatalf("expected restored edits to remain uncommitted")
	}
}

func TestServeStageCommitsThroughDevRemote(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := testLogger()

	remoteListener := mustListen(t)
	remoteDone := make(chan error, 1)
	go func() {
		remoteDone <- runDevRemote(ctx, appconfig.DevRemoteConfig{Token: "remote-token"}, remoteListener, logger)
	}()

	signer, err := remote.GenerateEd25519Signer()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	client := remote.NewHTTPClient("http://"+remoteListener.Addr().String(), remote.HTTPClientOptions{
		Token:      "remote-token",
		MaxRetries: -1,
	})
	backend := draft.NewMemoryBackend()
	st, err := newStage(cfg, client, signer, backend, logger)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}

	apiListener := mustListen(t)
	apiDone := make(chan error, 1)
	go func() {
		apiDone <- serveStage(ctx, cfg, st, apiListener, logger)
	}()
	base := "http://" + apiListener.Addr().String()
	token, err := httpapi.IssueToken(cfg.HTTP.JWTSecret, cfg.HTTP.Audience, "test", []string{"stage:read", "stage:write", "stage:commit"}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	resp := apiCall(t, http.MethodPost, base+"/v1/navigation/items", token, map[string]any{"label": "Music"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create item: expected 201, got %d", resp.StatusCode)
	}
	resp = apiCall(t, http.MethodPost, base+"/v1/navigation/commit", token, map[string]any{"communityId": "c1"})
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("commit: expected 200, got %d (%s)", resp.StatusCode, body)
	}
	if st.nav.HasUncommittedChanges() {
		t.Fatalf("expected navigation to be clean after commit")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		doc, err := backend.Load()
		if err != nil {
			t.Fatalf("load draft: %v", err)
		}
		if doc != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected autosaved draft")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// A later session starts from the committed navigation.
	next, err := newStage(cfg, client, signer, draft.NewMemoryBackend(), logger)
	if err != nil {
		t.Fatalf("second stage: %v", err)
	}
	if err := next.loadNavigation(ctx, "c1"); err != nil {
		t.Fatalf("load navigation: %v", err)
	}
	if items := next.nav.Items(); len(items) != 1 || items[0].Label != "Music" {
		t.Fatalf("expected committed item loaded, got %+v", items)
	}
	if _, err := next.nav.CreateItem(navstage.ItemInput{Label: "Home"}); err != nil {
		t.Fatalf("create item: %v", err)
	}
	if err := next.nav.Commit(ctx, "c1", nil); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	raw, err := client.GetNavigationConfig(ctx, "c1")
	if err != nil {
		t.Fatalf("get navigation: %v", err)
	}
	var stored navstage.Config
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("decode navigation: %v", err)
	}
	if len(stored.Items) != 2 || stored.Items[0].Label != "Music" || stored.Items[1].Label != "Home" {
		t.Fatalf("expected both items stored, got %+v", stored.Items)
	}

	cancel()
	for name, done := range map[string]chan error{"api": apiDone, "remote": remoteDone} {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("%s server: %v", name, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s server did not stop", name)
		}
	}
}

func testConfig(t *testing.T) appconfig.Config {
	t.Helper()
	t.Setenv("SPACESTAGE_HOME", t.TempDir())
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Draft.AutosaveDelay = "10ms"
	cfg.Draft.Watch = false
	return cfg
}

func mustListen(t *testing.T) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return listener
}

func apiCall(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}
