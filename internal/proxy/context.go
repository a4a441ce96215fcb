package proxy

import (
	"context"
	"net/http"
	"time"
)

// analyticsBodyCap bounds how much of a request or response body is retained
// for interceptors. Bodies stream to their destination in full regardless.
const analyticsBodyCap = 100 * 1024

// ProxyContext carries one proxied exchange through the interceptor chain.
type ProxyContext struct {
	// RequestID is freshly generated for every exchange.
	RequestID string
	SessionID string
	StartedAt time.Time

	Method string
	Path   string
	// Upstream is the request sent upstream; interceptors mutate its headers
	// in OnRequest.
	Upstream *http.Request
	// RequestBody holds up to analyticsBodyCap bytes of the request body.
	RequestBody []byte

	// Blocked marks an exchange answered locally without contacting upstream.
	// Once set by an interceptor, the remaining OnRequest hooks are skipped.
	Blocked bool

	StatusCode int
	// ResponseBody holds up to analyticsBodyCap bytes of the response body.
	ResponseBody []byte
	// ResponseHeader is the upstream response header, nil for blocked or
	// failed exchanges.
	ResponseHeader http.Header

	// Values is scratch space shared between an interceptor's request and
	// response hooks.
	Values map[string]any
}

// Duration returns how long the exchange has been running.
func (pc *ProxyContext) Duration() time.Duration {
	return time.Since(pc.StartedAt)
}

// Interceptor observes and mutates proxied exchanges. OnRequest runs before
// the exchange leaves for upstream; an error aborts the exchange. OnResponse
// runs for every answered exchange, including blocked ones. OnError runs when
// upstream could not be reached.
type Interceptor interface {
	Name() string
	OnRequest(pc *ProxyContext) error
	OnResponse(pc *ProxyContext)
	OnError(pc *ProxyContext, err error)
}

// Flusher is implemented by interceptors holding deferred work; the server
// flushes them on shutdown.
type Flusher interface {
	Flush(ctx context.Context)
}
