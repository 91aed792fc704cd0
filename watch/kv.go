package watch

import (
	"context"

	"pkt.systems/kvcoord/api"
)

// KeyReader reads a single key. A missing key is reported as a nil pair
// with a nil error.
type KeyReader interface {
	KVGet(ctx context.Context, key string, q api.QueryOptions) (*api.Response, *api.KVPair, error)
}

// PrefixReader reads every key under a prefix.
type PrefixReader interface {
	KVList(ctx context.Context, prefix string, q api.QueryOptions) (*api.Response, []*api.KVPair, error)
}

// KVReader is the read half of the key/value collaborator.
type KVReader interface {
	KeyReader
	PrefixReader
}

// KeyOperation reads a single key. Change events carry a *api.KVPair, or nil
// when the key does not exist.
func KeyOperation(kv KeyReader, key string) Operation {
	return func(ctx context.Context, q api.QueryOptions) (*api.Response, any, error) {
		resp, pair, err := kv.KVGet(ctx, key, q)
		if err != nil || pair == nil {
			return resp, nil, err
		}
		return resp, pair, nil
	}
}

// PrefixOperation reads every key under prefix. Change events carry a
// []*api.KVPair.
func PrefixOperation(kv PrefixReader, prefix string) Operation {
	return func(ctx context.Context, q api.QueryOptions) (*api.Response, any, error) {
		resp, pairs, err := kv.KVList(ctx, prefix, q)
		if err != nil {
			return resp, nil, err
		}
		return resp, pairs, nil
	}
}

// Key returns an idle watcher over a single key. cfg.Operation is replaced.
func Key(kv KeyReader, key string, cfg Config) (*Watcher, error) {
	if key == "" {
		return nil, api.Validation("watch", "key required")
	}
	cfg.Operation = KeyOperation(kv, key)
	if cfg.Name == "" {
		cfg.Name = "key:" + key
	}
	return New(cfg)
}

// KeyPrefix returns an idle watcher over every key under prefix.
func KeyPrefix(kv PrefixReader, prefix string, cfg Config) (*Watcher, error) {
	cfg.Operation = PrefixOperation(kv, prefix)
	if cfg.Name == "" {
		cfg.Name = "prefix:" + prefix
	}
	return New(cfg)
}
