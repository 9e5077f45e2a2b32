package devremote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/spacestage/internal/remote"
)

func newTestSigner(t *testing.T) *remote.Ed25519Signer {
	t.Helper()
	signer, err := remote.GenerateEd25519Signer()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	return signer
}

func newTestClient(t *testing.T, store *Store, cfg ServerConfig) *remote.HTTPClient {
	t.Helper()
	server := httptest.NewServer(NewServerWithConfig(store, cfg))
	t.Cleanup(server.Close)
	return remote.NewHTTPClient(server.URL, remote.HTTPClientOptions{
		Token:      cfg.Token,
		MaxRetries: -1,
	})
}

func sign(t *testing.T, signer remote.Signer, payload any) remote.SignedEnvelope {
	t.Helper()
	env, err := signer.Sign(context.Background(), payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return env
}

func tabFile(spaceID, name string) remote.TabFile {
	return remote.TabFile{
		SpaceID:   spaceID,
		Name:      name,
		Config:    []byte(`{"layoutID":"grid"}`),
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestTabRoundTripOverHTTP(t *testing.T) {
	store := NewStore()
	client := newTestClient(t, store, ServerConfig{})
	signer := newTestSigner(t)
	ctx := context.Background()

	if err := client.PutTab(ctx, "space 1", "Home", sign(t, signer, tabFile("space 1", "Home"))); err != nil {
		t.Fatalf("put tab: %v", err)
	}
	got, err := client.GetTab(ctx, "space 1", "Home")
	if err != nil {
		t.Fatalf("get tab: %v", err)
	}
	if got.Name != "Home" || string(got.Config) != `{"layoutID":"grid"}` {
		t.Fatalf("unexpected tab %+v", got)
	}
	if !got.Timestamp.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("timestamp not preserved: %v", got.Timestamp)
	}
}

func TestPutUnderOldKeyMovesTab(t *testing.T) {
	store := NewStore()
	client := newTestClient(t, store, ServerConfig{})
	signer := newTestSigner(t)
	ctx := context.Background()

	if err := client.PutTab(ctx, "s", "Old", sign(t, signer, tabFile("s", "Old"))); err != nil {
		t.Fatalf("put tab: %v", err)
	}
	if err := client.PutTab(ctx, "s", "Old", sign(t, signer, tabFile("s", "New"))); err != nil {
		t.Fatalf("move tab: %v", err)
	}
	if keys := strings.Join(store.TabKeys("s"), ","); keys != "New" {
		t.Fatalf("expected only New to remain, got %q", keys)
	}
	if _, err := client.GetTab(ctx, "s", "Old"); !remote.IsNotFound(err) {
		t.Fatalf("expected old key to be gone, got %v", err)
	}
}

func TestMissingTabIsNotFound(t *testing.T) {
	for _, html := range []bool{false, true} {
		client := newTestClient(t, NewStore(), ServerConfig{HTMLNotFound: html})
		_, err := client.GetTab(context.Background(), "s", "Nope")
		if !remote.IsNotFound(err) {
			t.Fatalf("html=%v: expected not found, got %v", html, err)
		}
		var httpErr *remote.HTTPError
		if !errors.As(err, &httpErr) || httpErr.HTML != html {
			t.Fatalf("html=%v: unexpected error shape %#v", html, err)
		}
	}
}

func TestTamperedEnvelopeRejected(t *testing.T) {
	store := NewStore()
	signer := newTestSigner(t)
	env := sign(t, signer, tabFile("s", "Home"))
	env.Payload = []byte(`{"spaceId":"s","name":"Evil","config":{},"timestamp":"2026-01-01T00:00:00Z"}`)

	if err := store.PutTab("s", "Home", env); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
	if len(store.TabKeys("s")) != 0 {
		t.Fatalf("expected nothing stored")
	}
}

func TestPutTabRejectsMismatchedSpace(t *testing.T) {
	client := newTestClient(t, NewStore(), ServerConfig{})
	err := client.PutTab(context.Background(), "a", "Home", sign(t, newTestSigner(t), tabFile("b", "Home")))
	if !errors.Is(err, remote.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDeleteTab(t *testing.T) {
	store := NewStore()
	client := newTestClient(t, store, ServerConfig{})
	signer := newTestSigner(t)
	ctx := context.Background()

	if err := client.PutTab(ctx, "s", "Home", sign(t, signer, tabFile("s", "Home"))); err != nil {
		t.Fatalf("put tab: %v", err)
	}
	deletion := remote.TabDeletion{SpaceID: "s", Key: "Home", Timestamp: time.Now().UTC()}
	if err := client.DeleteTab(ctx, "s", "Home", sign(t, signer, deletion)); err != nil {
		t.Fatalf("delete tab: %v", err)
	}
	if err := client.DeleteTab(ctx, "s", "Home", sign(t, signer, deletion)); !remote.IsNotFound(err) {
		t.Fatalf("expected second delete to be not found, got %v", err)
	}
}

func TestOrderRoundTrip(t *testing.T) {
	client := newTestClient(t, NewStore(), ServerConfig{})
	signer := newTestSigner(t)
	ctx := context.Background()

	if _, err := client.GetOrder(ctx, "s"); !remote.IsNotFound(err) {
		t.Fatalf("expected missing order to be not found, got %v", err)
	}
	order := remote.TabOrder{SpaceID: "s", Order: []string{"B", "A"}, Timestamp: time.Now().UTC()}
	if err := client.PutOrder(ctx, "s", sign(t, signer, order)); err != nil {
		t.Fatalf("put order: %v", err)
	}
	got, err := client.GetOrder(ctx, "s")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if strings.Join(got.Order, ",") != "B,A" {
		t.Fatalf("unexpected order %v", got.Order)
	}
}

func TestRegisterSpace(t *testing.T) {
	signer := newTestSigner(t)
	ctx := context.Background()

	client := newTestClient(t, NewStore(), ServerConfig{})
	req := remote.SpaceRegistrationRequest{SpaceID: "space_1", SpaceName: "home", NavItemID: "item_1", Timestamp: time.Now().UTC()}
	reg, err := client.RegisterSpace(ctx, sign(t, signer, req))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.SpaceID != "space_1" {
		t.Fatalf("expected requested id, got %q", reg.SpaceID)
	}
	if _, err := client.RegisterSpace(ctx, sign(t, signer, req)); err != nil {
		t.Fatalf("expected repeated registration for same item to succeed, got %v", err)
	}
	req.NavItemID = "item_2"
	var httpErr *remote.HTTPError
	if _, err := client.RegisterSpace(ctx, sign(t, signer, req)); !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	assigning := newTestClient(t, NewStoreWithOptions(StoreOptions{AssignSpaceIDs: true}), ServerConfig{})
	reg, err = assigning.RegisterSpace(ctx, sign(t, signer, req))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.SpaceID == "space_1" || !strings.HasPrefix(reg.SpaceID, "space_") {
		t.Fatalf("expected server assigned id, got %q", reg.SpaceID)
	}
	again, err := assigning.RegisterSpace(ctx, sign(t, signer, req))
	if err != nil {
		t.Fatalf("repeat register: %v", err)
	}
	if again.SpaceID != reg.SpaceID {
		t.Fatalf("expected repeated registration of the item to return %q, got %q", reg.SpaceID, again.SpaceID)
	}
}

func TestNavigationConfigValidated(t *testing.T) {
	store := NewStore()
	client := newTestClient(t, store, ServerConfig{})
	signer := newTestSigner(t)
	ctx := context.Background()

	bad := remote.NavigationConfigUpdate{CommunityID: "c", NavigationConfig: []byte(`{"items":[{"id":"1","label":"Home","href":"Home"}]}`)}
	if err := client.PutNavigationConfig(ctx, sign(t, signer, bad)); !errors.Is(err, remote.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	good := remote.NavigationConfigUpdate{CommunityID: "c", NavigationConfig: []byte(`{"items":[{"id":"1","label":"Home","href":"/home"}]}`)}
	if err := client.PutNavigationConfig(ctx, sign(t, signer, good)); err != nil {
		t.Fatalf("put navigation: %v", err)
	}
	stored, err := store.NavigationConfig("c")
	if err != nil {
		t.Fatalf("navigation config: %v", err)
	}
	if !strings.Contains(string(stored), `"/home"`) {
		t.Fatalf("unexpected stored config %s", stored)
	}

	fetched, err := client.GetNavigationConfig(ctx, "c")
	if err != nil {
		t.Fatalf("get navigation: %v", err)
	}
	if string(fetched) != string(stored) {
		t.Fatalf("expected stored config served verbatim, got %s", fetched)
	}
	if _, err := client.GetNavigationConfig(ctx, "missing"); !remote.IsNotFound(err) {
		t.Fatalf("expected not found over http, got %v", err)
	}
	if _, err := NewLocalClient(store).GetNavigationConfig(ctx, "missing"); !remote.IsNotFound(err) {
		t.Fatalf("expected not found in process, got %v", err)
	}
}

func TestBearerTokenEnforced(t *testing.T) {
	server := NewServerWithConfig(NewStore(), ServerConfig{Token: "secret"})
	req := httptest.NewRequest(http.MethodGet, "/v1/spaces/s/order", nil)
	rec := httptest.NewRecorder()

	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	client := newTestClient(t, NewStore(), ServerConfig{Token: "secret"})
	if _, err := client.GetOrder(context.Background(), "s"); !remote.IsNotFound(err) {
		t.Fatalf("expected authorized request to reach the store, got %v", err)
	}
}

func TestLocalClientMapsErrors(t *testing.T) {
	client := NewLocalClient(NewStore())
	if _, err := client.GetTab(context.Background(), "s", "x"); !remote.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	env := sign(t, newTestSigner(t), tabFile("other", "x"))
	if err := client.PutTab(context.Background(), "s", "x", env); !errors.Is(err, remote.ErrValidation) {
		t.Fatalf("expected validation, got %v", err)
	}
}
