package coremain

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/anscache/mlog"
	"github.com/pmkol/anscache/pkg/answer_cache"
	"github.com/pmkol/anscache/pkg/cache_source"
	"github.com/pmkol/anscache/pkg/fallback"
)

const testCacheText = `
www.example.org. IN AAAA 0 1 0
www.example.org. 3600 IN AAAA 2001:db8::1

missing.example.org. IN A 3 0 1
example.org. 900 IN SOA ns.example.org. admin.example.org. 1 7200 3600 1209600 300
`

func TestReadConfig(t *testing.T) {
	cfg, err := readConfig(strings.NewReader(`
log:
  level: debug
cache:
  file: ./cache.txt
  class: ch
  bucket_count: "128"
  authoritative: true
  watch: true
fallback:
  rcode: SERVFAIL
  upstreams: ["udp://192.0.2.53", "tcp://192.0.2.54:5353"]
  timeout: 3
servers:
  - protocol: udp
    addr: 127.0.0.1:5353
  - protocol: tcp
    addr: 127.0.0.1:5353
    idle_timeout: 20
api:
  http: 127.0.0.1:8080
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, CacheConfig{
		File:          "./cache.txt",
		Class:         "ch",
		BucketCount:   128,
		Authoritative: true,
		Watch:         true,
	}, cfg.Cache)
	assert.Equal(t, []string{"udp://192.0.2.53", "tcp://192.0.2.54:5353"}, cfg.Fallback.Upstreams)
	assert.Equal(t, uint(3), cfg.Fallback.Timeout)
	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, uint(20), cfg.Servers[1].IdleTimeout)
	assert.Equal(t, "127.0.0.1:8080", cfg.API.HTTP)

	opts, err := cfg.Cache.buildOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(dns.ClassCHAOS), opts.Class)
	assert.Equal(t, 128, opts.BucketCount)
	assert.True(t, opts.Authoritative)

	_, err = readConfig(strings.NewReader("cache:\n  flie: typo.txt\n"))
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "anscache.yaml")
	require.NoError(t, os.WriteFile(p, []byte("cache:\n  file: cache.txt\n"), 0o644))
	cfg, used, err := loadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, p, used)
	assert.Equal(t, "cache.txt", cfg.Cache.File)

	_, _, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCacheConfig_source(t *testing.T) {
	s, c, err := (&CacheConfig{File: "cache.txt"}).source()
	require.NoError(t, err)
	assert.IsType(t, &cache_source.FileSource{}, s)
	assert.IsType(t, nopCloser{}, c)
	assert.NoError(t, c.Close())

	s, c, err = (&CacheConfig{RedisURL: "redis://127.0.0.1:6379/0", RedisKey: "anscache"}).source()
	require.NoError(t, err)
	assert.IsType(t, &cache_source.RedisSource{}, s)
	assert.NoError(t, c.Close())

	_, _, err = (&CacheConfig{}).source()
	assert.Error(t, err)
	_, _, err = (&CacheConfig{File: "a", RedisURL: "redis://127.0.0.1"}).source()
	assert.Error(t, err)
	_, _, err = (&CacheConfig{RedisURL: "redis://127.0.0.1"}).source()
	assert.Error(t, err, "empty key")

	_, err = (&CacheConfig{Class: "XX"}).buildOptions(nil)
	assert.Error(t, err)
}

func TestFallbackConfig_build(t *testing.T) {
	tests := []struct {
		rcode string
		want  int
		err   bool
	}{
		{"", dns.RcodeRefused, false},
		{"servfail", dns.RcodeServerFailure, false},
		{"NXDOMAIN", dns.RcodeNameError, false},
		{"0", dns.RcodeSuccess, false},
		{"drop", fallback.DropRcode, false},
		{"16", 0, true},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		fb, err := (&FallbackConfig{Rcode: tt.rcode}).build(zap.NewNop())
		if tt.err {
			assert.Error(t, err, tt.rcode)
			continue
		}
		require.NoError(t, err, tt.rcode)
		require.IsType(t, &fallback.Responder{}, fb)
		assert.Equal(t, tt.want, fb.(*fallback.Responder).Rcode, tt.rcode)
	}

	fb, err := (&FallbackConfig{Upstreams: []string{"192.0.2.53"}}).build(nil)
	require.NoError(t, err)
	assert.IsType(t, &fallback.Forwarder{}, fb)

	_, err = (&FallbackConfig{Upstreams: []string{"quic://192.0.2.53"}}).build(nil)
	assert.Error(t, err)
}

func TestDumpTable(t *testing.T) {
	tb, err := answer_cache.Build(strings.NewReader(testCacheText), answer_cache.BuildOptions{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, dumpTable(&buf, tb))

	var got []entrySummary
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, entrySummary{
		Name: "missing.example.org.", Type: "A", Rcode: "NXDOMAIN",
		Authority: 1, TTL: 900, DataLen: got[0].DataLen,
	}, got[0])
	assert.Equal(t, "www.example.org.", got[1].Name)
	assert.Equal(t, uint32(3600), got[1].TTL)
	assert.Equal(t, uint16(1), got[1].Answer)
	assert.Positive(t, got[0].DataLen)
}

func writeTestCache(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cache.txt")
	require.NoError(t, os.WriteFile(p, []byte(testCacheText), 0o644))
	return p
}

func TestNewAnscache(t *testing.T) {
	p := writeTestCache(t)
	cfg := &Config{
		Cache:   CacheConfig{File: p},
		Servers: []ServerConfig{{Addr: "127.0.0.1:0"}},
	}
	m, err := newAnscache(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, m.provider.Table().Len())

	// Reload through the api.
	require.NoError(t, os.WriteFile(p, []byte("a.example. IN A 0 0 0\n"), 0o644))
	rec := httptest.NewRecorder()
	m.GetHTTPAPIMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reload", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1 entries")

	require.NoError(t, os.WriteFile(p, []byte("a.example. IN A 0 1 0\n"), 0o644))
	rec = httptest.NewRecorder()
	m.GetHTTPAPIMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reload", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, m.provider.Table().Len())

	rec = httptest.NewRecorder()
	m.GetHTTPAPIMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "anscache_reloads_total")
	assert.Contains(t, rec.Body.String(), `anscache_cache_entries 1`)

	_, err = newAnscache(context.Background(), &Config{Cache: CacheConfig{File: p}}, zap.NewNop())
	assert.Error(t, err, "no server")
	_, err = newAnscache(context.Background(), &Config{
		Cache:   CacheConfig{File: filepath.Join(t.TempDir(), "missing.txt")},
		Servers: cfg.Servers,
	}, zap.NewNop())
	assert.Error(t, err)
}

func TestRunAnscache(t *testing.T) {
	defaultLogger := mlog.L()
	defer mlog.SetDefault(defaultLogger)

	logFile := filepath.Join(t.TempDir(), "anscache.log")
	cfg := &Config{
		Log:   mlog.LogConfig{Level: "error", File: logFile},
		Cache: CacheConfig{File: writeTestCache(t), Watch: true},
		Servers: []ServerConfig{
			{Protocol: "udp", Addr: "127.0.0.1:0"},
			{Protocol: "tcp", Addr: "127.0.0.1:0"},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunAnscache(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("anscache did not exit")
	}

	// The configured logger is the process default afterwards.
	mlog.L().Info("below the configured level")
	mlog.L().Error("logged through the default logger")
	require.NoError(t, mlog.L().Sync())
	b, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(b), "logged through the default logger")
	assert.NotContains(t, string(b), "below the configured level")

	cfg.Servers = []ServerConfig{{Protocol: "doq", Addr: "127.0.0.1:0"}}
	assert.Error(t, RunAnscache(context.Background(), cfg))
}
