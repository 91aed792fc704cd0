package client

import (
	"context"
	"net/http"

	"pkt.systems/kvcoord/api"
)

// SessionCreate creates a session and returns its ID.
func (c *Client) SessionCreate(ctx context.Context, req api.SessionRequest) (*api.Response, string, error) {
	body, err := marshalJSON(req)
	if err != nil {
		return nil, "", err
	}
	resp, data, err := c.exec(ctx, request{
		method: http.MethodPut,
		path:   "/v1/session/create",
		body:   body,
		json:   true,
	})
	if err != nil {
		return resp, "", err
	}
	var out api.SessionCreateResponse
	if err := decodeJSON(data, &out); err != nil {
		return resp, "", err
	}
	if out.ID == "" {
		return resp, "", api.Validation("session.create", "server returned no session id")
	}
	c.logDebugCtx(ctx, "client.session.created", "session", out.ID, "ttl", req.TTL)
	return resp, out.ID, nil
}

// SessionRenew extends the TTL of id. An unknown or expired session is
// reported as an *APIError with status 404.
func (c *Client) SessionRenew(ctx context.Context, id string) (*api.Response, *api.SessionEntry, error) {
	if id == "" {
		return nil, nil, api.Validation("session.renew", "session id required")
	}
	resp, data, err := c.exec(ctx, request{
		method: http.MethodPut,
		path:   "/v1/session/renew/" + id,
	})
	if err != nil {
		return resp, nil, err
	}
	var entries []*api.SessionEntry
	if err := decodeJSON(data, &entries); err != nil {
		return resp, nil, err
	}
	if len(entries) == 0 {
		return resp, nil, &APIError{Status: http.StatusNotFound, Method: http.MethodPut, Path: "/v1/session/renew/" + id}
	}
	return resp, entries[0], nil
}

// SessionDestroy invalidates id, releasing or deleting the keys it holds
// according to the session's behaviour.
func (c *Client) SessionDestroy(ctx context.Context, id string) (*api.Response, bool, error) {
	if id == "" {
		return nil, false, api.Validation("session.destroy", "session id required")
	}
	resp, data, err := c.exec(ctx, request{
		method: http.MethodPut,
		path:   "/v1/session/destroy/" + id,
	})
	if err != nil {
		return resp, false, err
	}
	ok, err := decodeBool(data)
	return resp, ok, err
}

// SessionInfo looks up id. A missing session yields a nil entry.
func (c *Client) SessionInfo(ctx context.Context, id string, q api.QueryOptions) (*api.Response, *api.SessionEntry, error) {
	if id == "" {
		return nil, nil, api.Validation("session.info", "session id required")
	}
	resp, data, err := c.exec(ctx, request{
		method: http.MethodGet,
		path:   "/v1/session/info/" + id,
		read:   true,
		q:      q,
	})
	if err != nil {
		return resp, nil, err
	}
	var entries []*api.SessionEntry
	if err := decodeJSON(data, &entries); err != nil {
		return resp, nil, err
	}
	if len(entries) == 0 {
		return resp, nil, nil
	}
	return resp, entries[0], nil
}

// SessionList returns every active session.
func (c *Client) SessionList(ctx context.Context, q api.QueryOptions) (*api.Response, []*api.SessionEntry, error) {
	resp, data, err := c.exec(ctx, request{
		method: http.MethodGet,
		path:   "/v1/session/list",
		read:   true,
		q:      q,
	})
	if err != nil {
		return resp, nil, err
	}
	var entries []*api.SessionEntry
	if err := decodeJSON(data, &entries); err != nil {
		return resp, nil, err
	}
	return resp, entries, nil
}
