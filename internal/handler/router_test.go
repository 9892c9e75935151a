package handler

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CageChen/htscan/internal/audit"
	"github.com/CageChen/htscan/internal/config"
	"github.com/CageChen/htscan/internal/inspector"
	"github.com/CageChen/htscan/internal/metrics"
	"github.com/CageChen/htscan/internal/ratelimiter"
	"github.com/CageChen/htscan/internal/watcher"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testUser = "alice"
	testPass = "s3cret"
)

func newInstall(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"wp-config.php":                     "<?php // db password",
		"wp-includes/.htaccess":             "deny from all",
		"wp-content/plugins/<b>x/.htaccess": "<script>alert(1)</script>",
		"wp-content/uploads/evil.php":       "",
		"wp-content/uploads/bin.php":        "\xff\xfe<?php",
	}
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

type testServer struct {
	router  *gin.Engine
	metrics *metrics.Registry
	audit   *bytes.Buffer
}

func newTestServer(t *testing.T, mutate func(*Options)) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.InstallRoot = newInstall(t)

	reg := metrics.NewRegistry()
	auditBuf := &bytes.Buffer{}
	in, err := inspector.New(cfg, audit.NewWriter(auditBuf), reg)
	require.NoError(t, err)

	opts := Options{
		Inspector: in,
		Operators: map[string]string{testUser: testPass},
		Metrics:   reg,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &testServer{router: NewRouter(opts), metrics: reg, audit: auditBuf}
}

func (s *testServer) do(req *http.Request, auth bool) *httptest.ResponseRecorder {
	if auth {
		req.SetBasicAuth(testUser, testPass)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func retrieveRequest(path, origin string) *http.Request {
	body, _ := json.Marshal(RetrieveRequest{Path: path})
	req := httptest.NewRequest(http.MethodPost, "http://example.com/api/retrieve", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

// auditEntries decodes the JSON lines written to the audit log so far.
func (s *testServer) auditEntries(t *testing.T) []audit.Entry {
	t.Helper()
	var out []audit.Entry
	sc := bufio.NewScanner(bytes.NewReader(s.audit.Bytes()))
	for sc.Scan() {
		var e audit.Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	return out
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{"/report", "/api/roots", "/api/matches/uploads", "/api/raw?path=wp-includes/.htaccess", "/view?path=x"} {
		w := s.do(httptest.NewRequest(http.MethodGet, path, nil), false)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/roots", nil)
	req.SetBasicAuth(testUser, "wrong")
	assert.Equal(t, http.StatusUnauthorized, s.do(req, false).Code)
}

func TestNoOperatorsRunsAsLocal(t *testing.T) {
	s := newTestServer(t, func(o *Options) { o.Operators = nil })

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/roots", nil), false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetRoots(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/roots", nil), true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	var resp struct {
		Roots []config.Root `json:"roots"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Roots, 3)
	assert.Equal(t, "uploads", resp.Roots[2].Key)
}

func TestGetMatches(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/matches/uploads", nil), true)
	require.Equal(t, http.StatusOK, w.Code)

	var listing inspector.Listing
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Len(t, listing.Matches, 2)
	assert.Equal(t, "bin.php", listing.Matches[0].DisplayPath)
	assert.Equal(t, "wp-content/uploads/bin.php", listing.Matches[0].Token)
	assert.Equal(t, "evil.php", listing.Matches[1].DisplayPath)
	assert.True(t, listing.Matches[1].Empty)
	assert.Empty(t, listing.Matches[1].Token)
	assert.NotContains(t, w.Body.String(), os.TempDir())

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/matches/nope", nil), true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetReport(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(httptest.NewRequest(http.MethodGet, "/report", nil), true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.NotEmpty(t, w.Header().Get("Content-Security-Policy"))

	body := w.Body.String()
	assert.Contains(t, body, "One .htaccess file found in")
	assert.Contains(t, body, "2 PHP files found in")
	assert.Contains(t, body, "evil.php (empty file)")
	assert.Contains(t, body, "/view?path=wp-content%2Fuploads%2Fbin.php")
	assert.NotContains(t, body, "<b>x")
	assert.Contains(t, body, "&lt;b&gt;x")
	assert.Contains(t, body, "<nav>")

	w = s.do(httptest.NewRequest(http.MethodGet, "/report?root=wp-includes", nil), true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "PHP files")
	assert.NotContains(t, w.Body.String(), "<nav>")
}

func TestRetrieve(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(retrieveRequest("wp-includes/.htaccess", "http://example.com"), true)
	require.Equal(t, http.StatusOK, w.Code)
	var resp RetrieveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "utf-8", resp.Encoding)
	assert.Equal(t, "deny from all", resp.Content)
}

func TestRetrieve_BinaryContent(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(retrieveRequest("wp-content/uploads/bin.php", "http://example.com"), true)
	require.Equal(t, http.StatusOK, w.Code)
	var resp RetrieveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "base64", resp.Encoding)
	raw, err := base64.StdEncoding.DecodeString(resp.Content)
	require.NoError(t, err)
	assert.Equal(t, []byte("\xff\xfe<?php"), raw)
}

func TestRetrieve_Rejected(t *testing.T) {
	s := newTestServer(t, nil)

	for _, p := range []string{"wp-content/../wp-config.php", "wp-config.php", "wp-content/missing.php", ""} {
		w := s.do(retrieveRequest(p, "http://example.com"), true)
		assert.Equal(t, http.StatusBadRequest, w.Code, p)

		var resp RetrieveResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.False(t, resp.OK)
		assert.Equal(t, inspector.ReasonInvalidPath, resp.Reason)
		assert.NotContains(t, w.Body.String(), "db password")
	}
}

func TestRetrieve_OriginCheck(t *testing.T) {
	s := newTestServer(t, func(o *Options) { o.AllowedOrigins = []string{"https://admin.example.org"} })

	tests := []struct {
		origin string
		want   int
	}{
		{"", http.StatusForbidden},
		{"https://evil.example", http.StatusForbidden},
		{"null", http.StatusForbidden},
		{"http://example.com", http.StatusOK},
		{"https://admin.example.org", http.StatusOK},
	}
	for _, tt := range tests {
		w := s.do(retrieveRequest("wp-includes/.htaccess", tt.origin), true)
		assert.Equal(t, tt.want, w.Code, "origin %q", tt.origin)
	}

	// Referer stands in for a missing Origin.
	req := retrieveRequest("wp-includes/.htaccess", "")
	req.Header.Set("Referer", "http://example.com/report")
	assert.Equal(t, http.StatusOK, s.do(req, true).Code)
}

func TestRetrieve_RateLimited(t *testing.T) {
	s := newTestServer(t, func(o *Options) { o.Limiter = ratelimiter.New(1, 2) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, s.do(retrieveRequest("wp-includes/.htaccess", "http://example.com"), true).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	w := s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil), false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `htscan_retrievals_total{outcome="rate_limited"} 1`)
	assert.Contains(t, w.Body.String(), `htscan_retrievals_total{outcome="ok"} 2`)
}

func TestGetRaw(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/raw?path="+url.QueryEscape("wp-content/plugins/<b>x/.htaccess"), nil), true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "<script>alert(1)</script>", w.Body.String())

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/raw?path=wp-content/uploads/evil.php", nil), true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/raw?path=wp-content/../wp-config.php", nil), true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetView(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(httptest.NewRequest(http.MethodGet, "/view?path="+url.QueryEscape("wp-content/plugins/<b>x/.htaccess"), nil), true)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.NotContains(t, body, "<script>")
	assert.Contains(t, body, "<pre")

	w = s.do(httptest.NewRequest(http.MethodGet, "/view?path=wp-content/../wp-config.php", nil), true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid path")
}

func TestWebSocketAlerts(t *testing.T) {
	ws := NewWSHandler(nil)
	s := newTestServer(t, func(o *Options) { o.WS = ws })

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(testUser+":"+testPass)))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"

	// Foreign browser origins are refused.
	bad := header.Clone()
	bad.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, bad)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ws.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	ws.OnFileChange(watcher.Event{Type: watcher.EventCreate, RootKey: "uploads", DisplayPath: "shell.php", Path: "/secret/abs/shell.php"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    string `json:"type"`
		Payload struct {
			Type        string `json:"type"`
			Root        string `json:"root"`
			DisplayPath string `json:"displayPath"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "fileChange", msg.Type)
	assert.Equal(t, "create", msg.Payload.Type)
	assert.Equal(t, "uploads", msg.Payload.Root)
	assert.Equal(t, "shell.php", msg.Payload.DisplayPath)
	assert.NotContains(t, string(data), "/secret/abs")
}

func TestOriginChecker(t *testing.T) {
	o := newOriginChecker([]string{"https://Admin.Example.org/"})

	assert.True(t, o.permits("http://localhost:8080", "localhost:8080"))
	assert.True(t, o.permits("https://admin.example.org", "localhost:8080"))
	assert.False(t, o.permits("http://localhost:9090", "localhost:8080"))
	assert.False(t, o.permits("", "localhost:8080"))
	assert.False(t, o.permits("not a url", "localhost:8080"))
}

func TestAuditRecordsSourceIP(t *testing.T) {
	s := newTestServer(t, nil)

	req := retrieveRequest("wp-includes/.htaccess", "http://example.com")
	req.RemoteAddr = "203.0.113.9:5555"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	require.Equal(t, http.StatusOK, s.do(req, true).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/raw?path=wp-content/../wp-config.php", nil)
	req.RemoteAddr = "203.0.113.10:6000"
	require.Equal(t, http.StatusBadRequest, s.do(req, true).Code)

	req = httptest.NewRequest(http.MethodGet, "/view?path=wp-includes/.htaccess", nil)
	req.RemoteAddr = "[2001:db8::7]:443"
	require.Equal(t, http.StatusOK, s.do(req, true).Code)

	entries := s.auditEntries(t)
	require.Len(t, entries, 3)
	assert.Equal(t, "203.0.113.9", entries[0].SourceIP, "untrusted X-Forwarded-For must be ignored")
	assert.Equal(t, testUser, entries[0].Operator)
	assert.Equal(t, audit.ResultAllowed, entries[0].Result)
	assert.Equal(t, "203.0.113.10", entries[1].SourceIP)
	assert.Equal(t, audit.ResultRejected, entries[1].Result)
	assert.Equal(t, "2001:db8::7", entries[2].SourceIP)
}

func TestAuditSourceIPBehindTrustedProxy(t *testing.T) {
	s := newTestServer(t, func(o *Options) { o.TrustedProxies = []string{"10.0.0.0/8"} })

	req := retrieveRequest("wp-includes/.htaccess", "http://example.com")
	req.RemoteAddr = "10.1.2.3:40000"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	require.Equal(t, http.StatusOK, s.do(req, true).Code)

	entries := s.auditEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "198.51.100.1", entries[0].SourceIP)
}
