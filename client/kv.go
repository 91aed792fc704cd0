package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"pkt.systems/kvcoord/api"
	"pkt.systems/kvcoord/watch"
)

// KVGet reads a single key. A missing key yields a nil pair, a nil error and
// a 404 response that still carries the index header.
func (c *Client) KVGet(ctx context.Context, key string, q api.QueryOptions) (*api.Response, *api.KVPair, error) {
	if key == "" {
		return nil, nil, api.Validation("kv.get", "key required")
	}
	resp, data, err := c.exec(ctx, request{
		method: http.MethodGet,
		path:   kvPath(key),
		read:   true,
		q:      q,
		allow:  []int{http.StatusNotFound},
	})
	if err != nil || resp.NotFound() {
		return resp, nil, err
	}
	var pairs []*api.KVPair
	if err := decodeJSON(data, &pairs); err != nil {
		return resp, nil, err
	}
	if len(pairs) == 0 {
		return resp, nil, nil
	}
	return resp, pairs[0], nil
}

// KVList reads every key under prefix.
func (c *Client) KVList(ctx context.Context, prefix string, q api.QueryOptions) (*api.Response, []*api.KVPair, error) {
	resp, data, err := c.exec(ctx, request{
		method: http.MethodGet,
		path:   kvPath(prefix),
		query:  url.Values{"recurse": {""}},
		read:   true,
		q:      q,
		allow:  []int{http.StatusNotFound},
	})
	if err != nil || resp.NotFound() {
		return resp, nil, err
	}
	var pairs []*api.KVPair
	if err := decodeJSON(data, &pairs); err != nil {
		return resp, nil, err
	}
	return resp, pairs, nil
}

// KVKeys lists key names under prefix. A non-empty separator groups keys
// below the next separator occurrence, as a directory listing would.
func (c *Client) KVKeys(ctx context.Context, prefix, separator string, q api.QueryOptions) (*api.Response, []string, error) {
	query := url.Values{"keys": {""}}
	if separator != "" {
		query.Set("separator", separator)
	}
	resp, data, err := c.exec(ctx, request{
		method: http.MethodGet,
		path:   kvPath(prefix),
		query:  query,
		read:   true,
		q:      q,
		allow:  []int{http.StatusNotFound},
	})
	if err != nil || resp.NotFound() {
		return resp, nil, err
	}
	var keys []string
	if err := decodeJSON(data, &keys); err != nil {
		return resp, nil, err
	}
	return resp, keys, nil
}

// KVPut writes value at key. With Acquire or Release set the write is a
// lock operation; with CAS set it is conditional on the key's ModifyIndex.
// The boolean reports whether the condition held.
func (c *Client) KVPut(ctx context.Context, key string, value []byte, w api.WriteOptions) (*api.Response, bool, error) {
	if key == "" {
		return nil, false, api.Validation("kv.put", "key required")
	}
	if w.Acquire != "" && w.Release != "" {
		return nil, false, api.Validation("kv.put", "acquire and release are mutually exclusive")
	}
	query := url.Values{}
	if w.Flags != 0 {
		query.Set("flags", strconv.FormatUint(w.Flags, 10))
	}
	if w.CAS != nil {
		query.Set("cas", strconv.FormatUint(*w.CAS, 10))
	}
	if w.Acquire != "" {
		query.Set("acquire", w.Acquire)
	}
	if w.Release != "" {
		query.Set("release", w.Release)
	}
	if value == nil {
		value = []byte{}
	}
	resp, data, err := c.exec(ctx, request{
		method:  http.MethodPut,
		path:    kvPath(key),
		query:   query,
		body:    value,
		timeout: w.Timeout,
	})
	if err != nil {
		return resp, false, err
	}
	ok, err := decodeBool(data)
	return resp, ok, err
}

// KVDelete removes key, or every key under it when recurse is set. A
// non-nil cas makes the delete conditional.
func (c *Client) KVDelete(ctx context.Context, key string, recurse bool, cas *uint64) (*api.Response, bool, error) {
	if key == "" && !recurse {
		return nil, false, api.Validation("kv.delete", "key required")
	}
	query := url.Values{}
	if recurse {
		query.Set("recurse", "")
	}
	if cas != nil {
		if recurse {
			return nil, false, api.Validation("kv.delete", "cas cannot be combined with recurse")
		}
		query.Set("cas", strconv.FormatUint(*cas, 10))
	}
	resp, data, err := c.exec(ctx, request{
		method: http.MethodDelete,
		path:   kvPath(key),
		query:  query,
	})
	if err != nil {
		return resp, false, err
	}
	ok, err := decodeBool(data)
	if err != nil {
		return resp, false, fmt.Errorf("kv.delete: %w", err)
	}
	return resp, ok, nil
}

// KVGetOperation adapts KVGet on key into a watch.Operation.
func (c *Client) KVGetOperation(key string) watch.Operation {
	return watch.KeyOperation(c, key)
}

// KVListOperation adapts KVList on prefix into a watch.Operation.
func (c *Client) KVListOperation(prefix string) watch.Operation {
	return watch.PrefixOperation(c, prefix)
}
