// Package preview supervises the optional child preview process a run
// may declare: it allocates a port, spawns the command, probes it for
// readiness, reverse-proxies HTTP GET/HEAD to it, and captures a rolling
// window of its combined stdout/stderr.
package preview

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestratord/internal/domain"
	"github.com/kandev/orchestratord/internal/eventbus"
	"github.com/kandev/orchestratord/internal/logging"
	"github.com/kandev/orchestratord/internal/portutil"
	"github.com/kandev/orchestratord/internal/repository"
)

// State is the lifecycle state of one run's preview process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateError    State = "error"
)

const (
	defaultRingBufferLines = 200
	defaultConnectTimeout  = 2500 * time.Millisecond
	defaultReadyTimeout    = 45 * time.Second
	defaultPollInterval    = 500 * time.Millisecond
	defaultStopGrace       = 2 * time.Second
)

// Config tunes the supervisor's defaults; zero values fall back to the
// spec's stated defaults.
type Config struct {
	RingBufferLines int
	ConnectTimeout  time.Duration
	ReadyTimeout    time.Duration
	PollInterval    time.Duration
	StopGrace       time.Duration
}

func (c Config) withDefaults() Config {
	if c.RingBufferLines <= 0 {
		c.RingBufferLines = defaultRingBufferLines
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
	return c
}

// Status is a point-in-time snapshot of a run's preview entry.
type Status struct {
	RunID       string    `json:"runId"`
	State       State     `json:"state"`
	Port        int       `json:"port,omitempty"`
	ProxiedPath string    `json:"proxiedPath"`
	ExternalURL string    `json:"externalUrl,omitempty"`
	StartedAt   string    `json:"startedAt,omitempty"`
	StoppedAt   string    `json:"stoppedAt,omitempty"`
	Error       string    `json:"error,omitempty"`
	Logs        []string  `json:"logs,omitempty"`
}

type entry struct {
	mu          sync.Mutex
	runID       string
	state       State
	port        int
	proxiedPath string
	startedAt   time.Time
	stoppedAt   time.Time
	errText     string
	cmd         *exec.Cmd
	ring        *ringBuffer
	cancel      context.CancelFunc
}

func (e *entry) snapshot() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		RunID:       e.runID,
		State:       e.state,
		Port:        e.port,
		ProxiedPath: e.proxiedPath,
		Error:       e.errText,
		Logs:        e.ring.lines(),
	}
	if e.state == StateReady {
		st.ExternalURL = e.proxiedPath
	}
	if !e.startedAt.IsZero() {
		st.StartedAt = e.startedAt.UTC().Format(time.RFC3339)
	}
	if !e.stoppedAt.IsZero() {
		st.StoppedAt = e.stoppedAt.UTC().Format(time.RFC3339)
	}
	return st
}

// Supervisor owns every run's preview entry.
type Supervisor struct {
	mu      sync.Mutex
	entries map[string]*entry

	repo *repository.Repository
	hub  *eventbus.Hub
	log  *logging.Logger
	cfg  Config

	httpClient *http.Client
}

// New creates a Supervisor.
func New(repo *repository.Repository, hub *eventbus.Hub, log *logging.Logger, cfg Config) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		entries:    make(map[string]*entry),
		repo:       repo,
		hub:        hub,
		log:        log,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.ConnectTimeout},
	}
}

func proxiedPath(runID string) string {
	return "/runs/" + runID + "/preview/"
}

// Get returns the current preview status for runID, synthesizing a
// stopped status if no entry exists yet.
func (s *Supervisor) Get(runID string) Status {
	s.mu.Lock()
	e, ok := s.entries[runID]
	s.mu.Unlock()
	if !ok {
		return Status{RunID: runID, State: StateStopped, ProxiedPath: proxiedPath(runID)}
	}
	return e.snapshot()
}

// Start begins (or returns the already-in-flight) preview process for
// runID per cfg.
func (s *Supervisor) Start(ctx context.Context, runID string, cfg domain.PreviewConfig) (Status, error) {
	s.mu.Lock()
	e, ok := s.entries[runID]
	if ok {
		e.mu.Lock()
		state := e.state
		e.mu.Unlock()
		if state == StateStarting || state == StateReady {
			s.mu.Unlock()
			return e.snapshot(), nil
		}
	}
	e = &entry{runID: runID, state: StateStarting, proxiedPath: proxiedPath(runID), ring: newRingBuffer(s.cfg.RingBufferLines)}
	s.entries[runID] = e
	s.mu.Unlock()

	s.emit(runID, "preview.starting", nil)

	port, err := portutil.Allocate()
	if err != nil {
		return s.fail(e, fmt.Errorf("allocate port: %w", err))
	}
	e.mu.Lock()
	e.port = port
	e.mu.Unlock()

	args := make([]string, len(cfg.Args))
	for i, a := range cfg.Args {
		args[i] = substitutePlaceholders(a, port, runID)
	}

	cmd := exec.Command(cfg.Command, args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = append(cmd.Env,
		"PORT="+strconv.Itoa(port),
		"HOST=127.0.0.1",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.fail(e, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.fail(e, fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return s.fail(e, fmt.Errorf("spawn preview command: %w", err))
	}

	e.mu.Lock()
	e.cmd = cmd
	e.startedAt = time.Now()
	e.mu.Unlock()

	go captureLines(stdout, e.ring)
	go captureLines(stderr, e.ring)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	readyPath := cfg.ReadyPath
	if readyPath == "" {
		readyPath = "/"
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, readyPath)

	go s.waitForReadyOrExit(readyCtx, e, url, exited)

	return e.snapshot(), nil
}

func (s *Supervisor) waitForReadyOrExit(ctx context.Context, e *entry, url string, exited <-chan error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-exited:
			e.mu.Lock()
			wasReady := e.state == StateReady
			e.mu.Unlock()
			if wasReady {
				s.markStopped(e)
			} else {
				s.markError(e, fmt.Sprintf("preview exited (%s)", exitDescription(err)))
			}
			return
		case <-ctx.Done():
			s.markError(e, "preview did not become ready before the readiness timeout")
			return
		case <-ticker.C:
			if s.probeReady(ctx, url) {
				s.markReady(e)
				s.monitorAfterReady(e, exited)
				return
			}
		}
	}
}

func (s *Supervisor) probeReady(ctx context.Context, url string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func (s *Supervisor) monitorAfterReady(e *entry, exited <-chan error) {
	err := <-exited
	_ = err
	s.markStopped(e)
}

func (s *Supervisor) markReady(e *entry) {
	e.mu.Lock()
	e.state = StateReady
	e.mu.Unlock()
	s.emit(e.runID, "preview.ready", map[string]any{"externalUrl": e.proxiedPath, "port": e.port})
}

func (s *Supervisor) markError(e *entry, reason string) {
	e.mu.Lock()
	e.state = StateError
	e.errText = reason
	e.mu.Unlock()
	s.emit(e.runID, "preview.error", map[string]any{"error": reason})
}

func (s *Supervisor) markStopped(e *entry) {
	e.mu.Lock()
	e.state = StateStopped
	e.stoppedAt = time.Now()
	e.mu.Unlock()
	s.emit(e.runID, "preview.stopped", nil)
}

func (s *Supervisor) fail(e *entry, err error) (Status, error) {
	s.markError(e, err.Error())
	return e.snapshot(), err
}

func exitDescription(err error) string {
	if err == nil {
		return "code=0"
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return fmt.Sprintf("code=%d", exitErr.ExitCode())
	}
	return err.Error()
}

// Stop transitions runID's preview to stopped, terminating the child
// process gracefully then forcefully. Idempotent.
func (s *Supervisor) Stop(runID string) Status {
	s.mu.Lock()
	e, ok := s.entries[runID]
	s.mu.Unlock()
	if !ok {
		return Status{RunID: runID, State: StateStopped, ProxiedPath: proxiedPath(runID)}
	}

	e.mu.Lock()
	already := e.state == StateStopped
	cmd := e.cmd
	cancel := e.cancel
	e.mu.Unlock()
	if already {
		return e.snapshot()
	}
	if cancel != nil {
		cancel()
	}

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _ = cmd.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(s.cfg.StopGrace):
			_ = cmd.Process.Kill()
		}
	}

	s.markStopped(e)
	return e.snapshot()
}

func (s *Supervisor) emit(runID, eventType string, data map[string]any) {
	if s.repo == nil {
		return
	}
	ev, err := s.repo.AppendEvent(runID, eventType, data)
	if err != nil {
		if s.log != nil {
			s.log.Warn("preview: failed to persist lifecycle event", zap.String("run_id", runID), zap.Error(err))
		}
		return
	}
	if s.hub != nil {
		s.hub.Publish(*ev)
	}
}

func substitutePlaceholders(arg string, port int, runID string) string {
	arg = strings.ReplaceAll(arg, "{PORT}", strconv.Itoa(port))
	arg = strings.ReplaceAll(arg, "{RUN_ID}", runID)
	return arg
}

// ProxyToRun reverse-proxies an inbound GET/HEAD request to the run's
// preview child process.
func (s *Supervisor) ProxyToRun(w http.ResponseWriter, r *http.Request, runID string) {
	s.mu.Lock()
	e, ok := s.entries[runID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "preview not found", http.StatusNotFound)
		return
	}

	e.mu.Lock()
	port := e.port
	state := e.state
	e.mu.Unlock()
	if port == 0 || state != StateReady {
		http.Error(w, "preview not running", http.StatusNotFound)
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	prefix := proxiedPath(runID)

	proxy := &httputil.ReverseProxy{}
	proxy.Rewrite = func(pr *httputil.ProxyRequest) {
		pr.SetURL(target)
		path := strings.TrimPrefix(pr.Out.URL.Path, strings.TrimSuffix(prefix, "/"))
		if path == "" {
			path = "/"
		}
		pr.Out.URL.Path = path
		pr.Out.URL.RawPath = ""
		pr.Out.Header.Del("Connection")
		pr.Out.Header.Del("Transfer-Encoding")
	}
	proxy.ModifyResponse = func(resp *http.Response) error {
		for _, h := range hopByHopHeaders {
			resp.Header.Del(h)
		}
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, err error) {
		if s.log != nil {
			s.log.Warn("preview: proxy error", zap.String("run_id", runID), zap.Error(err))
		}
		http.Error(w, "preview proxy error", http.StatusBadGateway)
	}

	proxy.ServeHTTP(w, r)
}

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}
