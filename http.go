// Package xfer is an HTTP/1.x client built around a non-blocking transfer
// engine, a shared connection pool and a reference counted name cache.
//
// A zero [Client] is ready to use:
//
//	c := &xfer.Client{}
//	resp, err := c.CtxDo(ctx, &xfer.Request{URL: "http://example.com/"})
package xfer

import (
	"net/http"

	"github.com/frankli0324/go-xfer/internal"
	"github.com/frankli0324/go-xfer/internal/model"
	"github.com/frankli0324/go-xfer/internal/resolver"
)

type Client = internal.Client
type Header = http.Header
type Request = model.Request
type PreparedRequest = model.PreparedRequest
type Response = model.Response

type Handler = internal.Handler
type Middleware = internal.Middleware

// Options configure a [Client] through [Client.Configure].
type Options = internal.Options

func DefaultOptions() *Options { return internal.DefaultOptions() }

// NameCache can be shared by clients through [Options].SharedCache.
type NameCache = resolver.Cache

// NameCacheConfig tunes a [NameCache] built by [NewNameCache].
type NameCacheConfig = resolver.Config

// NewNameCache creates a name cache for sharing, cfg may be nil.
func NewNameCache(cfg *NameCacheConfig) (*NameCache, error) {
	return resolver.NewCache(cfg)
}
