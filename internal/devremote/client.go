package devremote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentworkforce/spacestage/internal/remote"
)

// LocalClient serves the remote.Client contract straight from a Store,
// translating store errors into the errors the HTTP client would return.
type LocalClient struct {
	store *Store
}

var _ remote.Client = (*LocalClient)(nil)

func NewLocalClient(store *Store) *LocalClient {
	return &LocalClient{store: store}
}

func (c *LocalClient) GetTab(ctx context.Context, spaceID, key string) (remote.TabFile, error) {
	if err := ctx.Err(); err != nil {
		return remote.TabFile{}, err
	}
	env, err := c.store.GetTab(spaceID, key)
	if err != nil {
		return remote.TabFile{}, toRemoteError(err)
	}
	var file remote.TabFile
	if err := remote.DecodePayload(env, &file); err != nil {
		return remote.TabFile{}, &remote.PayloadError{Kind: "tab", Err: err}
	}
	return file, nil
}

func (c *LocalClient) PutTab(ctx context.Context, spaceID, key string, env remote.SignedEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return toRemoteError(c.store.PutTab(spaceID, key, env))
}

func (c *LocalClient) DeleteTab(ctx context.Context, spaceID, key string, env remote.SignedEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return toRemoteError(c.store.DeleteTab(spaceID, key, env))
}

func (c *LocalClient) GetOrder(ctx context.Context, spaceID string) (remote.TabOrder, error) {
	if err := ctx.Err(); err != nil {
		return remote.TabOrder{}, err
	}
	env, err := c.store.GetOrder(spaceID)
	if err != nil {
		return remote.TabOrder{}, toRemoteError(err)
	}
	var order remote.TabOrder
	if err := remote.DecodePayload(env, &order); err != nil {
		return remote.TabOrder{}, &remote.PayloadError{Kind: "order", Err: err}
	}
	return order, nil
}

func (c *LocalClient) PutOrder(ctx context.Context, spaceID string, env remote.SignedEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return toRemoteError(c.store.PutOrder(spaceID, env))
}

func (c *LocalClient) RegisterSpace(ctx context.Context, env remote.SignedEnvelope) (remote.SpaceRegistration, error) {
	if err := ctx.Err(); err != nil {
		return remote.SpaceRegistration{}, err
	}
	reg, err := c.store.RegisterSpace(env)
	return reg, toRemoteError(err)
}

func (c *LocalClient) GetNavigationConfig(ctx context.Context, communityID string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := c.store.NavigationConfig(communityID)
	if err != nil {
		return nil, toRemoteError(err)
	}
	return raw, nil
}

func (c *LocalClient) PutNavigationConfig(ctx context.Context, env remote.SignedEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return toRemoteError(c.store.PutNavigationConfig(env))
}

// statusFor maps a store error onto the HTTP status the handler answers with.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrSignature):
		return http.StatusUnauthorized, "bad_signature"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, "bad_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func toRemoteError(err error) error {
	if err == nil {
		return nil
	}
	status, code := statusFor(err)
	return &remote.HTTPError{StatusCode: status, Code: code, Message: err.Error()}
}
