package preview

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingBuffer_WrapsAndPreservesOrder(t *testing.T) {
	rb := newRingBuffer(3)
	rb.append("a")
	rb.append("b")
	rb.append("c")
	rb.append("d")
	require.Equal(t, []string{"b", "c", "d"}, rb.lines())
}

func TestRingBuffer_BelowCapacity(t *testing.T) {
	rb := newRingBuffer(5)
	rb.append("x")
	rb.append("y")
	require.Equal(t, []string{"x", "y"}, rb.lines())
}

func TestSubstitutePlaceholders(t *testing.T) {
	out := substitutePlaceholders("--port={PORT} --run={RUN_ID}", 4321, "run-1")
	require.Equal(t, "--port=4321 --run=run-1", out)
}

func TestGet_UnknownRunSynthesizesStoppedStatus(t *testing.T) {
	s := New(nil, nil, nil, Config{})
	status := s.Get("unknown-run")
	require.Equal(t, StateStopped, status.State)
	require.Equal(t, "/runs/unknown-run/preview/", status.ProxiedPath)
}

func TestStop_UnknownRunIsIdempotent(t *testing.T) {
	s := New(nil, nil, nil, Config{})
	status := s.Stop("unknown-run")
	require.Equal(t, StateStopped, status.State)
}

func mustParsePort(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func TestProxyToRun_ForwardsGETAndStripsPrefix(t *testing.T) {
	var gotPath, gotMethod string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()
	port := mustParsePort(t, upstream.URL)

	s := New(nil, nil, nil, Config{})
	s.entries["run-1"] = &entry{runID: "run-1", state: StateReady, port: port, proxiedPath: "/runs/run-1/preview/", ring: newRingBuffer(10)}

	req := httptest.NewRequest(http.MethodGet, "/runs/run-1/preview/some/path", nil)
	rec := httptest.NewRecorder()
	s.ProxyToRun(rec, req, "run-1")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "/some/path", gotPath)
	require.Equal(t, http.MethodGet, gotMethod)
}

func TestProxyToRun_RejectsNonGetHead(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	port := mustParsePort(t, upstream.URL)

	s := New(nil, nil, nil, Config{})
	s.entries["run-1"] = &entry{runID: "run-1", state: StateReady, port: port, proxiedPath: "/runs/run-1/preview/", ring: newRingBuffer(10)}

	req := httptest.NewRequest(http.MethodPost, "/runs/run-1/preview/", nil)
	rec := httptest.NewRecorder()
	s.ProxyToRun(rec, req, "run-1")

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestProxyToRun_NotFoundWhenNoEntry(t *testing.T) {
	s := New(nil, nil, nil, Config{})
	req := httptest.NewRequest(http.MethodGet, "/runs/missing/preview/", nil)
	rec := httptest.NewRecorder()
	s.ProxyToRun(rec, req, "missing")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxyToRun_NotFoundWhenNotReady(t *testing.T) {
	s := New(nil, nil, nil, Config{})
	s.entries["run-1"] = &entry{runID: "run-1", state: StateStarting, proxiedPath: "/runs/run-1/preview/", ring: newRingBuffer(10)}

	req := httptest.NewRequest(http.MethodGet, "/runs/run-1/preview/", nil)
	rec := httptest.NewRecorder()
	s.ProxyToRun(rec, req, "run-1")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
