package proxy

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	codemieerr "codemie/internal/errors"
	"codemie/internal/logging"
	"codemie/internal/observability"
	"codemie/internal/sso"
)

// EndpointBlockerInterceptor answers the assistant's own telemetry endpoints
// locally with a canned success so nothing leaks upstream. It must sit first
// in the chain: blocking skips every later OnRequest hook.
type EndpointBlockerInterceptor struct {
	prefixes []string
	log      *logging.Logger
}

// NewEndpointBlockerInterceptor creates the blocker for the given path
// prefixes; matching is case-insensitive.
func NewEndpointBlockerInterceptor(prefixes []string) *EndpointBlockerInterceptor {
	lowered := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		lowered = append(lowered, strings.ToLower(p))
	}
	return &EndpointBlockerInterceptor{
		prefixes: lowered,
		log:      logging.NewComponentLogger("EndpointBlocker"),
	}
}

func (i *EndpointBlockerInterceptor) Name() string { return "endpoint-blocker" }

func (i *EndpointBlockerInterceptor) OnRequest(pc *ProxyContext) error {
	path := strings.ToLower(pc.Path)
	for _, prefix := range i.prefixes {
		if strings.HasPrefix(path, prefix) {
			i.log.Debug("blocked %s %s", pc.Method, pc.Path)
			pc.Blocked = true
			pc.StatusCode = http.StatusOK
			pc.ResponseBody = []byte(`{"success":true}`)
			return nil
		}
	}
	return nil
}

func (i *EndpointBlockerInterceptor) OnResponse(pc *ProxyContext) {}

func (i *EndpointBlockerInterceptor) OnError(pc *ProxyContext, err error) {}

// SSOAuthInterceptor attaches stored SSO cookies to outgoing requests and
// evicts them when upstream rejects the session. It runs before the identity
// interceptors so they see the final auth headers.
type SSOAuthInterceptor struct {
	store   *sso.Store
	baseURL string
	log     *logging.Logger
}

// NewSSOAuthInterceptor creates the auth interceptor for the given upstream.
func NewSSOAuthInterceptor(store *sso.Store, baseURL string) *SSOAuthInterceptor {
	return &SSOAuthInterceptor{
		store:   store,
		baseURL: baseURL,
		log:     logging.NewComponentLogger("SSOAuth"),
	}
}

func (i *SSOAuthInterceptor) Name() string { return "sso-auth" }

func (i *SSOAuthInterceptor) OnRequest(pc *ProxyContext) error {
	creds, err := i.store.Load(i.baseURL)
	if err != nil {
		return codemieerr.Wrap(codemieerr.KindAuth, err, "load sso credentials")
	}
	if creds == nil {
		// no credentials is not fatal; upstream will challenge
		return nil
	}
	if header := creds.CookieHeader(); header != "" {
		pc.Upstream.Header.Set("Cookie", header)
	}
	return nil
}

func (i *SSOAuthInterceptor) OnResponse(pc *ProxyContext) {
	if pc.StatusCode == http.StatusUnauthorized || pc.StatusCode == http.StatusForbidden {
		i.log.Info("upstream returned %d, evicting credentials", pc.StatusCode)
		i.store.Evict(i.baseURL)
	}
}

func (i *SSOAuthInterceptor) OnError(pc *ProxyContext, err error) {}

// HeaderInjectionInterceptor stamps the orchestrator's identity onto every
// upstream request: a fresh request id, the session id, and the optional
// integration, model, timeout, and client identifiers.
type HeaderInjectionInterceptor struct {
	sessionID   string
	integration string
	model       string
	timeout     time.Duration
	client      string
}

// NewHeaderInjectionInterceptor creates the identity header interceptor.
func NewHeaderInjectionInterceptor(sessionID, integration, model string, timeout time.Duration, client string) *HeaderInjectionInterceptor {
	return &HeaderInjectionInterceptor{
		sessionID:   sessionID,
		integration: integration,
		model:       model,
		timeout:     timeout,
		client:      client,
	}
}

func (i *HeaderInjectionInterceptor) Name() string { return "header-injection" }

func (i *HeaderInjectionInterceptor) OnRequest(pc *ProxyContext) error {
	h := pc.Upstream.Header
	h.Set("X-CodeMie-Request-ID", pc.RequestID)
	h.Set("X-CodeMie-Session-ID", i.sessionID)
	if i.integration != "" {
		h.Set("X-CodeMie-Integration", i.integration)
	}
	if i.model != "" {
		h.Set("X-CodeMie-CLI-Model", i.model)
	}
	if i.timeout > 0 {
		h.Set("X-CodeMie-CLI-Timeout", strconv.FormatInt(int64(i.timeout.Seconds()), 10))
	}
	if i.client != "" {
		h.Set("X-CodeMie-Client", i.client)
	}
	return nil
}

func (i *HeaderInjectionInterceptor) OnResponse(pc *ProxyContext) {}

func (i *HeaderInjectionInterceptor) OnError(pc *ProxyContext, err error) {}

// AnalyticsInterceptor feeds the self-monitoring instruments from proxied
// exchanges.
type AnalyticsInterceptor struct {
	collector *observability.MetricsCollector
}

// NewAnalyticsInterceptor creates the analytics interceptor.
func NewAnalyticsInterceptor(collector *observability.MetricsCollector) *AnalyticsInterceptor {
	return &AnalyticsInterceptor{collector: collector}
}

func (i *AnalyticsInterceptor) Name() string { return "analytics" }

func (i *AnalyticsInterceptor) OnRequest(pc *ProxyContext) error { return nil }

func (i *AnalyticsInterceptor) OnResponse(pc *ProxyContext) {
	i.collector.RecordProxyExchange(context.Background(), pc.Method, pc.Path, pc.StatusCode, pc.Blocked, pc.Duration())
}

func (i *AnalyticsInterceptor) OnError(pc *ProxyContext, err error) {
	i.collector.RecordProxyExchange(context.Background(), pc.Method, pc.Path, pc.StatusCode, false, pc.Duration())
}

// MetricsSyncInterceptor periodically ships the session's pending usage
// deltas while the assistant is still running, so a crash does not lose the
// whole session. The sync itself runs off the request path.
type MetricsSyncInterceptor struct {
	sync     func(context.Context)
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewMetricsSyncInterceptor creates the interceptor; interval <= 0 defaults
// to one minute.
func NewMetricsSyncInterceptor(syncFn func(context.Context), interval time.Duration) *MetricsSyncInterceptor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &MetricsSyncInterceptor{sync: syncFn, interval: interval}
}

func (i *MetricsSyncInterceptor) Name() string { return "metrics-sync" }

func (i *MetricsSyncInterceptor) OnRequest(pc *ProxyContext) error { return nil }

func (i *MetricsSyncInterceptor) OnResponse(pc *ProxyContext) {
	if pc.Blocked || i.sync == nil || pc.StatusCode < 200 || pc.StatusCode >= 300 {
		return
	}
	i.mu.Lock()
	due := time.Since(i.last) >= i.interval
	if due {
		i.last = time.Now()
	}
	i.mu.Unlock()
	if !due {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		i.sync(ctx)
	}()
}

func (i *MetricsSyncInterceptor) OnError(pc *ProxyContext, err error) {}

// Flush ships whatever is pending synchronously; the server calls this when
// the proxy stops.
func (i *MetricsSyncInterceptor) Flush(ctx context.Context) {
	if i.sync == nil {
		return
	}
	i.sync(ctx)
}

// SyncNudgeInterceptor nudges the collector after LLM responses so freshly
// written session log lines are picked up without waiting a full debounce
// window.
type SyncNudgeInterceptor struct {
	nudge func()
}

// NewSyncNudgeInterceptor creates the interceptor; nudge must be non-blocking.
func NewSyncNudgeInterceptor(nudge func()) *SyncNudgeInterceptor {
	return &SyncNudgeInterceptor{nudge: nudge}
}

func (i *SyncNudgeInterceptor) Name() string { return "sync-nudge" }

func (i *SyncNudgeInterceptor) OnRequest(pc *ProxyContext) error { return nil }

func (i *SyncNudgeInterceptor) OnResponse(pc *ProxyContext) {
	if pc.Blocked || i.nudge == nil {
		return
	}
	if pc.StatusCode >= 200 && pc.StatusCode < 300 {
		i.nudge()
	}
}

func (i *SyncNudgeInterceptor) OnError(pc *ProxyContext, err error) {}
