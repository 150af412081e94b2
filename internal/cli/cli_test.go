package cli

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printlog/internal/config"
)

type cliEnv struct {
	t  *testing.T
	db string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv(config.ConfigPathEnvVar, filepath.Join(dir, "missing.yaml"))
	t.Setenv("THUMBNAIL_OUTPUT_DIR", filepath.Join(dir, "thumbs"))
	return &cliEnv{t: t, db: filepath.Join(dir, "ctl.db")}
}

func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--db", e.db}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{
		{"apikey", "create"}, {"apikey", "list"}, {"apikey", "revoke"},
		{"printer", "add"}, {"printer", "list"}, {"import"}, {"backfill"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, strings.Join(path, " "))
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestInvalidFormat(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run("--format", "yaml", "printer", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestAPIKeyCommands(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run("--format", "json", "apikey", "create", "--name", "dashboard", "--expires", "24h")
	require.NoError(t, err)
	var created struct {
		Key    string `json:"key"`
		APIKey struct {
			ID        int64      `json:"id"`
			ExpiresAt *time.Time `json:"expires_at"`
		} `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.True(t, strings.HasPrefix(created.Key, "pl_"))
	assert.NotNil(t, created.APIKey.ExpiresAt)

	out, err = env.run("apikey", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "dashboard")
	assert.Contains(t, out, "true")

	out, err = env.run("apikey", "revoke", strconv.FormatInt(created.APIKey.ID, 10))
	require.NoError(t, err)
	assert.Contains(t, out, "revoked")

	_, err = env.run("apikey", "revoke", "999")
	assert.Error(t, err)
	_, err = env.run("apikey", "create")
	assert.Error(t, err, "name is required")
}

func TestPrinterCommands(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run("printer", "add", "--name", "voron", "--url", "http://voron.local:7125", "--location", "garage")
	require.NoError(t, err)
	_, err = env.run("printer", "add", "--name", "ender", "--url", "http://ender.local", "--inactive")
	require.NoError(t, err)

	out, err := env.run("--format", "json", "printer", "list", "--active")
	require.NoError(t, err)
	var printers []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &printers))
	require.Len(t, printers, 1)
	assert.Equal(t, "voron", printers[0]["name"])
	assert.Equal(t, "garage", printers[0]["location"])

	out, err = env.run("printer", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ender")
}

func fakeMoonraker(t *testing.T, fail bool) *httptest.Server {
	t.Helper()
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/server/history/list" || fail {
			http.NotFound(w, r)
			return
		}
		jobs := []map[string]any{{
			"job_id":         "00000A",
			"filename":       "benchy.gcode",
			"status":         "completed",
			"start_time":     float64(start.Unix()),
			"end_time":       float64(start.Add(time.Hour).Unix()),
			"print_duration": 3500.0,
			"total_duration": 3600.0,
			"filament_used":  1200.0,
		}}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"count": len(jobs), "jobs": jobs}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestImportAndBackfill(t *testing.T) {
	env := newCLIEnv(t)
	srv := fakeMoonraker(t, false)

	_, err := env.run("printer", "add", "--name", "voron", "--url", srv.URL)
	require.NoError(t, err)

	out, err := env.run("--format", "json", "import", "--printer", "1")
	require.NoError(t, err)
	var stats map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats["imported"])

	out, err = env.run("import", "--printer", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "skipped 1")

	// the gcode file is gone, so the job stays without details
	out, err = env.run("backfill", "--printer", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "processed 1")

	_, err = env.run("import", "--printer", "42")
	assert.Error(t, err)
}

func TestImportFailure(t *testing.T) {
	env := newCLIEnv(t)
	srv := fakeMoonraker(t, true)

	_, err := env.run("printer", "add", "--name", "offline", "--url", srv.URL)
	require.NoError(t, err)
	_, err = env.run("import", "--printer", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
