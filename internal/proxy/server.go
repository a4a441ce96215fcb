// Package proxy runs the loopback reverse proxy the assistant's LLM traffic
// is routed through. Every exchange passes an interceptor chain that injects
// credentials and identity headers, blocks the assistant's own telemetry
// endpoints, and feeds the analytics counters.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	codemieerr "codemie/internal/errors"
	"codemie/internal/logging"
)

// Config configures the proxy server.
type Config struct {
	SessionID string
	// UpstreamBaseURL is where non-blocked traffic is forwarded.
	UpstreamBaseURL string
	// Timeout bounds one upstream round trip; exceeding it yields 504.
	Timeout      time.Duration
	Interceptors []Interceptor
}

// Server is the loopback proxy. It binds to an ephemeral port so multiple
// orchestrator instances never collide.
type Server struct {
	cfg      Config
	upstream *url.URL
	client   *http.Client
	listener net.Listener
	httpSrv  *http.Server
	log      *logging.Logger
}

// NewServer validates the config and builds the server; Start binds the port.
func NewServer(cfg Config) (*Server, error) {
	upstream, err := url.Parse(cfg.UpstreamBaseURL)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, codemieerr.New(codemieerr.KindConfiguration, "invalid upstream base url").
			WithContext("baseUrl", cfg.UpstreamBaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	return &Server{
		cfg:      cfg,
		upstream: upstream,
		client: &http.Client{
			Timeout: cfg.Timeout,
			// the proxy forwards redirects to the client untouched
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: logging.NewComponentLogger("Proxy"),
	}, nil
}

// Start binds 127.0.0.1:0 and serves in the background. It returns the base
// URL the assistant should be pointed at.
func (s *Server) Start() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", codemieerr.Wrap(codemieerr.KindProxy, err, "bind loopback listener")
	}
	s.listener = listener

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.NoRoute(s.handle)

	s.httpSrv = &http.Server{Handler: engine}
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("proxy serve: %v", err)
		}
	}()

	url := s.URL()
	s.log.Info("proxy listening on %s, upstream %s", url, s.upstream)
	return url, nil
}

// URL returns the proxy's base URL; empty before Start.
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	return fmt.Sprintf("http://%s", s.listener.Addr())
}

// Shutdown flushes interceptors holding deferred work, then drains in-flight
// exchanges and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, ic := range s.cfg.Interceptors {
		if f, ok := ic.(Flusher); ok {
			f.Flush(ctx)
		}
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handle(c *gin.Context) {
	pc := &ProxyContext{
		RequestID: uuid.NewString(),
		SessionID: s.cfg.SessionID,
		StartedAt: time.Now(),
		Method:    c.Request.Method,
		Path:      c.Request.URL.Path,
		Values:    make(map[string]any),
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "failed to read request body"})
		return
	}
	pc.RequestBody = capBody(body)

	target := *s.upstream
	target.Path = singleJoin(s.upstream.Path, c.Request.URL.Path)
	target.RawQuery = c.Request.URL.RawQuery

	upReq, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "failed to build upstream request"})
		return
	}
	copyHeaders(upReq.Header, c.Request.Header)
	stripHopByHop(upReq.Header)
	upReq.Header.Del("Host")
	pc.Upstream = upReq

	for _, ic := range s.cfg.Interceptors {
		if err := ic.OnRequest(pc); err != nil {
			s.log.Warn("interceptor %s rejected %s %s: %v", ic.Name(), pc.Method, pc.Path, err)
			s.fail(c, pc, http.StatusBadGateway, err)
			return
		}
		// a blocking interceptor short-circuits the rest of the chain
		if pc.Blocked {
			break
		}
	}

	if pc.Blocked {
		if pc.StatusCode == 0 {
			pc.StatusCode = http.StatusOK
		}
		if pc.ResponseBody == nil {
			pc.ResponseBody = []byte(`{"success":true}`)
		}
		s.runOnResponse(pc)
		c.Data(pc.StatusCode, "application/json", pc.ResponseBody)
		return
	}

	resp, err := s.client.Do(upReq)
	if err != nil {
		status := http.StatusBadGateway
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Timeout() {
			status = http.StatusGatewayTimeout
		}
		s.log.Warn("upstream %s %s failed: %v", pc.Method, pc.Path, err)
		s.fail(c, pc, status, err)
		return
	}
	defer resp.Body.Close()

	pc.StatusCode = resp.StatusCode
	pc.ResponseHeader = resp.Header

	respHeader := c.Writer.Header()
	copyHeaders(respHeader, resp.Header)
	stripHopByHop(respHeader)
	c.Status(resp.StatusCode)

	// stream the body through while retaining a capped copy for the chain;
	// each chunk is flushed immediately so SSE events reach the assistant
	// as they arrive
	var capture bytes.Buffer
	tee := io.TeeReader(resp.Body, limitedWriter{&capture})
	if err := flushingCopy(c.Writer, tee); err != nil {
		s.log.Debug("client disconnected during %s %s: %v", pc.Method, pc.Path, err)
	}
	pc.ResponseBody = capture.Bytes()

	s.runOnResponse(pc)
}

// flushingCopy forwards src to dst chunk by chunk, flushing after each write.
func flushingCopy(dst gin.ResponseWriter, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			dst.Flush()
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func (s *Server) fail(c *gin.Context, pc *ProxyContext, status int, err error) {
	pc.StatusCode = status
	for _, ic := range s.cfg.Interceptors {
		ic.OnError(pc, err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (s *Server) runOnResponse(pc *ProxyContext) {
	for _, ic := range s.cfg.Interceptors {
		ic.OnResponse(pc)
	}
}

// hop-by-hop headers per RFC 9110 section 7.6.1
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func capBody(body []byte) []byte {
	if len(body) > analyticsBodyCap {
		return body[:analyticsBodyCap]
	}
	return body
}

func singleJoin(base, path string) string {
	switch {
	case base == "":
		return path
	case strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/"):
		return base + path[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/"):
		return base + "/" + path
	default:
		return base + path
	}
}

// limitedWriter absorbs writes until the analytics cap, then discards.
type limitedWriter struct {
	buf *bytes.Buffer
}

func (w limitedWriter) Write(p []byte) (int, error) {
	remaining := analyticsBodyCap - w.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
