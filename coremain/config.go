package coremain

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/anscache/mlog"
	"github.com/pmkol/anscache/pkg/answer_cache"
	"github.com/pmkol/anscache/pkg/cache_source"
	"github.com/pmkol/anscache/pkg/fallback"
)

type Config struct {
	Log      mlog.LogConfig `yaml:"log"`
	Cache    CacheConfig    `yaml:"cache"`
	Fallback FallbackConfig `yaml:"fallback"`
	Servers  []ServerConfig `yaml:"servers"`
	API      APIConfig      `yaml:"api"`
}

type CacheConfig struct {
	// File is the path of the cache specification.
	// Exactly one of File and RedisURL must be set.
	File string `yaml:"file"`

	// RedisURL and RedisKey locate a specification stored in redis.
	RedisURL string `yaml:"redis_url"`
	RedisKey string `yaml:"redis_key"`

	Class         string `yaml:"class"`        // Default is IN.
	BucketCount   int    `yaml:"bucket_count"` // Default is 10000.
	Authoritative bool   `yaml:"authoritative"`

	// Watch reloads File when it changes.
	Watch bool `yaml:"watch"`
}

type FallbackConfig struct {
	// Rcode answers the queries the cache does not handle when no
	// upstream is configured. A name like "REFUSED", a number, or "drop".
	// Default is REFUSED.
	Rcode string `yaml:"rcode"`

	// Upstreams: [udp://|tcp://]host[:port]
	Upstreams []string `yaml:"upstreams"`

	Timeout uint `yaml:"timeout"` // (sec) Default is 5.
}

type ServerConfig struct {
	// Protocol: "", "udp" -> udp
	// "tcp" -> tcp
	Protocol string `yaml:"protocol"`

	// Addr: server "host:port" addr. Cannot be empty.
	Addr string `yaml:"addr"`

	IdleTimeout uint `yaml:"idle_timeout"` // (sec) used by tcp as connection idle timeout.
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

func (c *CacheConfig) buildOptions(lg *zap.Logger) (answer_cache.BuildOptions, error) {
	opts := answer_cache.BuildOptions{
		BucketCount:   c.BucketCount,
		Authoritative: c.Authoritative,
		Logger:        lg,
	}
	if len(c.Class) > 0 {
		class, ok := dns.StringToClass[strings.ToUpper(c.Class)]
		if !ok {
			return opts, fmt.Errorf("unknown class %s", c.Class)
		}
		opts.Class = class
	}
	return opts, nil
}

// source returns the configured specification source. The closer
// releases its resources and is never nil.
func (c *CacheConfig) source() (cache_source.Source, io.Closer, error) {
	switch {
	case len(c.File) > 0 && len(c.RedisURL) > 0:
		return nil, nil, errors.New("cache file and redis_url are mutually exclusive")
	case len(c.File) > 0:
		return &cache_source.FileSource{Path: c.File}, nopCloser{}, nil
	case len(c.RedisURL) > 0:
		s, err := cache_source.NewRedisSourceFromURL(c.RedisURL, c.RedisKey, 0)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, errors.New("no cache file or redis_url is configured")
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func parseRcode(s string) (int, error) {
	switch strings.ToLower(s) {
	case "":
		return dns.RcodeRefused, nil
	case "drop":
		return fallback.DropRcode, nil
	}
	if rcode, ok := dns.StringToRcode[strings.ToUpper(s)]; ok {
		return rcode, nil
	}
	rcode, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid rcode %s", s)
	}
	return rcode, nil
}

func (c *FallbackConfig) build(lg *zap.Logger) (fallback.Fallback, error) {
	if len(c.Upstreams) == 0 {
		rcode, err := parseRcode(c.Rcode)
		if err != nil {
			return nil, err
		}
		return fallback.NewResponder(rcode)
	}

	ups := make([]fallback.Upstream, 0, len(c.Upstreams))
	for _, addr := range c.Upstreams {
		u, err := fallback.NewUpstream(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream %s, %w", addr, err)
		}
		ups = append(ups, u)
	}
	return fallback.NewForwarder(fallback.ForwarderOpts{
		Upstreams: ups,
		Timeout:   time.Duration(c.Timeout) * time.Second,
		Logger:    lg,
	})
}
