package coremain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/anscache/pkg/answer_cache"
	"github.com/pmkol/anscache/pkg/cache_source"
	"github.com/pmkol/anscache/pkg/dnsutils"
)

type fileFlags struct {
	file  string
	class string
}

func (f *fileFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "cache specification file")
	cmd.Flags().StringVar(&f.class, "class", "IN", "query class served by the cache")
	cmd.MarkFlagRequired("file")
}

func (f *fileFlags) build() (*answer_cache.Table, []byte, error) {
	b, err := os.ReadFile(f.file)
	if err != nil {
		return nil, nil, err
	}
	cc := CacheConfig{Class: f.class}
	opts, err := cc.buildOptions(nil)
	if err != nil {
		return nil, nil, err
	}
	t, err := answer_cache.Build(bytes.NewReader(b), opts)
	if err != nil {
		return nil, nil, err
	}
	return t, b, nil
}

func newCheckCmd() *cobra.Command {
	sf := new(fileFlags)
	c := &cobra.Command{
		Use:   "check -f cache_file",
		Short: "Build a cache specification and report errors.",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, _, err := sf.build()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries\n", sf.file, t.Len())
			return nil
		},
		SilenceUsage: true,
	}
	sf.register(c)
	return c
}

func newDumpCmd() *cobra.Command {
	sf := new(fileFlags)
	c := &cobra.Command{
		Use:   "dump -f cache_file",
		Short: "Print the entries of a cache specification as yaml.",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, _, err := sf.build()
			if err != nil {
				return err
			}
			return dumpTable(cmd.OutOrStdout(), t)
		},
		SilenceUsage: true,
	}
	sf.register(c)
	return c
}

func newPushCmd() *cobra.Command {
	sf := new(fileFlags)
	var redisURL, key string
	var timeout time.Duration
	c := &cobra.Command{
		Use:   "push -f cache_file --redis-url url --key key",
		Short: "Check a cache specification and store it in redis.",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, b, err := sf.build()
			if err != nil {
				return err
			}
			s, err := cache_source.NewRedisSourceFromURL(redisURL, key, timeout)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Put(context.Background(), b); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d entries to %s\n", t.Len(), s)
			return nil
		},
		SilenceUsage: true,
	}
	sf.register(c)
	c.Flags().StringVar(&redisURL, "redis-url", "redis://localhost:6379/0", "redis server url")
	c.Flags().StringVar(&key, "key", "anscache", "redis key")
	c.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "redis command timeout")
	return c
}

type entrySummary struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Rcode     string `yaml:"rcode"`
	Answer    uint16 `yaml:"answer"`
	Authority uint16 `yaml:"authority"`
	TTL       uint32 `yaml:"ttl"`
	DataLen   int    `yaml:"data_len"`
}

// dumpTable writes a summary of every entry, sorted by name and type.
func dumpTable(w io.Writer, t *answer_cache.Table) error {
	entries := make([]entrySummary, 0, t.Len())
	t.Range(func(e *answer_cache.Entry) bool {
		entries = append(entries, entrySummary{
			Name:      e.OwnerName(),
			Type:      dnsutils.QtypeToString(e.QType()),
			Rcode:     dnsutils.RcodeToString(e.Rcode()),
			Answer:    e.AnswerCount(),
			Authority: e.AuthorityCount(),
			TTL:       e.TTL(),
			DataLen:   e.DataLength(),
		})
		return true
	})
	slices.SortFunc(entries, func(a, b entrySummary) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Type, b.Type)
	})

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(entries); err != nil {
		return err
	}
	return enc.Close()
}
