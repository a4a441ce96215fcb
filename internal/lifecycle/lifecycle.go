// Package lifecycle spawns the assistant as a child process with the
// orchestrator's routing and metrics wrapped around it: proxy up before the
// child, environment rewritten to point at it, signals forwarded through,
// and the metrics pipeline notified at each boundary.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"codemie/internal/agent"
	"codemie/internal/config"
	codemieerr "codemie/internal/errors"
	"codemie/internal/logging"
	"codemie/internal/metrics/pipeline"
	"codemie/internal/observability"
	"codemie/internal/proxy"
	"codemie/internal/sso"
)

// telemetryGrace is how long the proxy stays up after the child exits so
// late telemetry still lands.
const telemetryGrace = 2000 * time.Millisecond

// ExitCodeError carries the child's non-zero exit code to the CLI layer.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("agent exited with code %d", e.Code)
}

// Options configures one assistant run.
type Options struct {
	AgentName string
	Args      []string
	Version   string
	// Settings overrides the environment-loaded configuration; nil loads it.
	Settings *config.Settings
}

// Run executes the assistant to completion. It returns *ExitCodeError when
// the child exits non-zero; metrics and proxy failures never surface here.
func Run(ctx context.Context, opts Options) error {
	log := logging.NewComponentLogger("Lifecycle")

	cfg := opts.Settings
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
	}

	def, err := agent.Lookup(opts.AgentName)
	if err != nil {
		return err
	}
	binary, err := exec.LookPath(def.Binary)
	if err != nil {
		return codemieerr.Wrap(codemieerr.KindSpawn, err, "agent binary not found").
			WithContext("binary", def.Binary)
	}

	obsCfg, err := observability.LoadConfig("")
	if err != nil {
		log.Warn("observability config unreadable, using defaults: %v", err)
	}
	obs, err := observability.NewMetricsCollector(obsCfg.Metrics)
	if err != nil {
		log.Warn("self-monitoring disabled: %v", err)
		obs = &observability.MetricsCollector{}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	credentials := sso.NewStore()
	pipe, err := pipeline.New(cfg, def, obs, credentials, opts.Version)
	if err != nil {
		return err
	}

	// in SSO mode the child talks to the loopback proxy; otherwise straight
	// to the configured upstream
	baseURL := cfg.BaseURL
	var proxySrv *proxy.Server
	if cfg.Provider == config.ProviderSSO && cfg.BaseURL != "" {
		client := "codemie"
		if opts.Version != "" {
			client += "/" + opts.Version
		}
		// the blocker sits first: a blocked exchange must not spend auth or
		// identity work, and later OnRequest hooks are skipped entirely
		proxySrv, err = proxy.NewServer(proxy.Config{
			SessionID:       pipe.SessionID(),
			UpstreamBaseURL: cfg.BaseURL,
			Timeout:         cfg.Timeout,
			Interceptors: []proxy.Interceptor{
				proxy.NewEndpointBlockerInterceptor(cfg.BlockedEndpoints),
				proxy.NewSSOAuthInterceptor(credentials, cfg.BaseURL),
				proxy.NewHeaderInjectionInterceptor(pipe.SessionID(), cfg.IntegrationID, cfg.Model, cfg.Timeout, client),
				proxy.NewAnalyticsInterceptor(obs),
				proxy.NewMetricsSyncInterceptor(pipe.SyncPending, time.Minute),
				proxy.NewSyncNudgeInterceptor(pipe.NudgeCollector),
			},
		})
		if err != nil {
			return err
		}
		proxyURL, err := proxySrv.Start()
		if err != nil {
			return err
		}
		baseURL = proxyURL
	}

	params := agent.Params{
		BaseURL:  baseURL,
		APIKey:   cfg.APIKey,
		Model:    cfg.Model,
		Provider: cfg.Provider,
	}
	env := config.ComposeEnv(config.SnapshotProcessEnv(), def.EnvOverrides(params))
	args := def.Args(opts.Args, params)

	workingDir, err := os.Getwd()
	if err != nil {
		workingDir = "."
	}

	stopProxy := func() {
		if proxySrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		proxySrv.Shutdown(shutdownCtx)
		proxySrv = nil
	}
	defer stopProxy()

	pipe.BeforeSpawn(ctx, workingDir)

	cmd := exec.Command(binary, args...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stopProxy()
		pipe.OnExit(ctx, -1, false)
		return codemieerr.Wrap(codemieerr.KindSpawn, err, "failed to start agent").
			WithContext("binary", binary)
	}
	log.Info("spawned %s (pid %d)", def.Name, cmd.Process.Pid)

	pipe.AfterSpawn(ctx)

	var interrupted atomic.Bool
	done := make(chan struct{})
	go forwardSignals(cmd, done, &interrupted, log)

	waitErr := cmd.Wait()
	close(done)

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	log.Info("%s exited with code %d", def.Name, exitCode)

	// assistants flush telemetry on the way out; keep the proxy routable a
	// moment longer before tearing it down
	if proxySrv != nil && !pipe.Disabled() {
		time.Sleep(telemetryGrace)
	}
	stopProxy()

	// exit handling uses a fresh context; the caller's may already be gone
	exitCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	pipe.OnExit(exitCtx, exitCode, interrupted.Load())

	if exitCode != 0 {
		return &ExitCodeError{Code: exitCode}
	}
	return nil
}

// forwardSignals relays interrupt and terminate to the child and then waits
// for it to exit on its own; the child owns its shutdown, the orchestrator
// never escalates to SIGKILL.
func forwardSignals(cmd *exec.Cmd, done <-chan struct{}, interrupted *atomic.Bool, log *logging.Logger) {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	for {
		select {
		case <-done:
			return
		case sig := <-signals:
			log.Info("forwarding %v to agent", sig)
			interrupted.Store(true)
			if err := cmd.Process.Signal(sig); err != nil {
				return
			}
		}
	}
}
