package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transactor-client/internal/adapter/token"
	"transactor-client/internal/domain"
	"transactor-client/internal/infra/config"
)

const (
	testWorkspace = "0f2f7c4e-8f0a-4a53-9d55-3d8a1d1f6a10"
	testAccount   = "7d4b1f0e-3c55-4d0f-8a77-1b2c3d4e5f60"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(&out).RunContext(context.Background(), append([]string{"transactorctl"}, args...))
	return out.String(), err
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		raw  string
		ws   bool
		want string
	}{
		{"https://host/base", false, "https://host/base"},
		{"https://host/base", true, "wss://host/base/"},
		{"http://host:8080", true, "ws://host:8080/"},
		{"wss://host/", false, "https://host/"},
		{"ws://host", false, "http://host"},
	}
	for _, tt := range tests {
		u, err := endpoint(tt.raw, tt.ws)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, u.String(), tt.raw)
	}

	_, err := endpoint("", true)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestJSONObject(t *testing.T) {
	raw, err := jsonObject(`{"space":"proj"}`, "query")
	require.NoError(t, err)
	assert.JSONEq(t, `{"space":"proj"}`, string(raw))

	for _, bad := range []string{"", "[]", "null", `"x"`, "{"} {
		_, err := jsonObject(bad, "query")
		assert.ErrorIs(t, err, domain.ErrInvalidInput, bad)
	}
}

func TestParseExtra(t *testing.T) {
	m, err := parseExtra([]string{"service=github", "mode=ro=x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"service": "github", "mode": "ro=x"}, m)

	m, err = parseExtra(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = parseExtra([]string{"novalue"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTokenClaims(t *testing.T) {
	c, err := tokenClaims(testAccount, testWorkspace, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, testAccount, c.Account.String())
	require.NotNil(t, c.Workspace)
	assert.Equal(t, testWorkspace, c.Workspace.String())

	_, err = tokenClaims("alice", "", 0, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = tokenClaims(testAccount, "ws", 0, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConfigEncrypt(t *testing.T) {
	out, err := runApp(t, "config", "encrypt", "--key", "pass", "bearer-xyz")
	require.NoError(t, err)

	line := strings.TrimSpace(out)
	require.True(t, strings.HasPrefix(line, "enc:"), line)
	plain, err := config.DecryptValue(strings.TrimPrefix(line, "enc:"), "pass")
	require.NoError(t, err)
	assert.Equal(t, "bearer-xyz", plain)

	t.Setenv(config.KeyEnv, "")
	_, err = runApp(t, "config", "encrypt", "v")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTokenIssueAndInspect(t *testing.T) {
	path := writeConfig(t, `
token:
  secret: "hmac"
  account: "`+testAccount+`"
logger:
  output: "stderr"
`)

	out, err := runApp(t, "--config", path, "token", "issue", "--workspace", testWorkspace, "--extra", "service=cli")
	require.NoError(t, err)
	signed := strings.TrimSpace(out)

	claims, err := token.Parse(signed, "hmac")
	require.NoError(t, err)
	assert.Equal(t, testAccount, claims.Account.String())
	require.NotNil(t, claims.Workspace)
	assert.Equal(t, testWorkspace, claims.Workspace.String())
	assert.Equal(t, "cli", claims.Extra["service"])

	out, err = runApp(t, "--config", path, "token", "inspect", signed)
	require.NoError(t, err)
	assert.Contains(t, out, testAccount)
}

// fakeTransactor answers every REST call with body and records the requests.
type fakeTransactor struct {
	mu    sync.Mutex
	paths []string
	auth  []string
	body  string
}

func (f *fakeTransactor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	io.Copy(io.Discard, r.Body)
	f.mu.Lock()
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, f.body)
}

func httpConfig(t *testing.T, url string) string {
	return writeConfig(t, `
transactor:
  url: "`+url+`"
  workspace: "`+testWorkspace+`"
  token: "bearer-abc"
  transport: "ws"
`)
}

func TestFindOverHTTP(t *testing.T) {
	f := &fakeTransactor{body: `{"total":1,"value":[{"_id":"a","title":"hello"}]}`}
	srv := httptest.NewServer(f)
	defer srv.Close()

	out, err := runApp(t, "--config", httpConfig(t, srv.URL), "--transport", "http",
		"find", "--query", `{"space":"proj"}`, "--limit", "5", "tracker:class:Issue")
	require.NoError(t, err)

	var res domain.FindResult[map[string]any]
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Value, 1)
	assert.Equal(t, "a", res.Value[0]["_id"])
	assert.Equal(t, "tracker:class:Issue", res.Value[0]["_class"])
	assert.Equal(t, "proj", res.Value[0]["space"])

	require.Len(t, f.paths, 1)
	assert.True(t, strings.HasPrefix(f.paths[0], "GET /api/v1/"), f.paths[0])
	assert.True(t, strings.HasSuffix(f.paths[0], testWorkspace), f.paths[0])
	assert.Equal(t, "Bearer bearer-abc", f.auth[0])
}

func TestFindRejectsBadQuery(t *testing.T) {
	f := &fakeTransactor{body: `{}`}
	srv := httptest.NewServer(f)
	defer srv.Close()

	_, err := runApp(t, "--config", httpConfig(t, srv.URL), "--transport", "http",
		"find", "--query", `[1]`, "tracker:class:Issue")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Empty(t, f.paths)
}

func TestRemoveOverHTTP(t *testing.T) {
	f := &fakeTransactor{body: `{}`}
	srv := httptest.NewServer(f)
	defer srv.Close()

	_, err := runApp(t, "--config", httpConfig(t, srv.URL), "--transport", "http",
		"remove", "--space", "proj", "--modified-by", "user1", "tracker:class:Issue", "i1")
	require.NoError(t, err)
	require.Len(t, f.paths, 1)
	assert.True(t, strings.HasPrefix(f.paths[0], "POST /api/v1/"), f.paths[0])
}

func TestTransportOverrideIsValidated(t *testing.T) {
	_, err := runApp(t, "--config", httpConfig(t, "http://127.0.0.1:1"), "--transport", "kafka", "account")
	var ve *config.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestJournalListEmpty(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
journal:
  path: "`+filepath.Join(dir, "j", "journal.db")+`"
`)
	out, err := runApp(t, "--config", path, "journal", "list", "tracker:class:Issue")
	require.NoError(t, err)
	assert.Empty(t, out)
}
