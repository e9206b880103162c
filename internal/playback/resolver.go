package playback

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// URLSource turns a blob key into a fetchable URL.
type URLSource interface {
	ResolveDownloadURL(ctx context.Context, key string) (string, error)
}

// Resolver caches the URL of the most recently resolved key. A key is only
// sent to the source again once a different key has been resolved in between.
type Resolver struct {
	source URLSource
	group  singleflight.Group

	mu  sync.Mutex
	key string
	url string
}

func NewResolver(source URLSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns the URL for key and whether it differs from the previously
// resolved key.
func (r *Resolver) Resolve(ctx context.Context, key string) (url string, changed bool, err error) {
	r.mu.Lock()
	if r.url != "" && r.key == key {
		url = r.url
		r.mu.Unlock()
		return url, false, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.source.ResolveDownloadURL(ctx, key)
	})
	if err != nil {
		return "", false, fmt.Errorf("resolve %s: %w", key, err)
	}
	url = v.(string)

	r.mu.Lock()
	r.key = key
	r.url = url
	r.mu.Unlock()
	return url, true, nil
}
