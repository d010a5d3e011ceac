/*
 * Copyright (C) 2020-2026, IrineSistiana
 *
 * This file is part of anscache.
 */

package fallback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	C "github.com/pmkol/anscache/pkg/query_context"
)

type Upstream interface {
	Exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error)
	Address() string
}

// dnsUpstream is a plain udp or tcp upstream. A truncated udp response
// is retried over tcp.
type dnsUpstream struct {
	addr string
	net  string
	udp  *dns.Client
	tcp  *dns.Client
}

// NewUpstream parses addr in the form [udp://|tcp://]host[:port].
// The default scheme is udp and the default port is 53.
func NewUpstream(addr string) (Upstream, error) {
	network := "udp"
	if scheme, rest, ok := strings.Cut(addr, "://"); ok {
		switch scheme {
		case "udp", "tcp":
			network = scheme
		default:
			return nil, fmt.Errorf("unsupported upstream scheme %q", scheme)
		}
		addr = rest
	}
	if len(addr) == 0 {
		return nil, errors.New("empty upstream address")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(strings.Trim(addr, "[]"), "53")
	}
	return &dnsUpstream{
		addr: addr,
		net:  network,
		udp:  &dns.Client{Net: "udp", UDPSize: dns.DefaultMsgSize},
		tcp:  &dns.Client{Net: "tcp"},
	}, nil
}

func (u *dnsUpstream) Address() string {
	return u.net + "://" + u.addr
}

func (u *dnsUpstream) Exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	if u.net == "tcp" {
		r, _, err := u.tcp.ExchangeContext(ctx, q, u.addr)
		return r, err
	}
	r, _, err := u.udp.ExchangeContext(ctx, q, u.addr)
	if err != nil {
		return nil, err
	}
	if r.Truncated {
		r, _, err = u.tcp.ExchangeContext(ctx, q, u.addr)
	}
	return r, err
}

type parallelResult struct {
	r    *dns.Msg
	err  error
	from Upstream
}

var nopLogger = zap.NewNop()
var ErrAllFailed = errors.New("all upstreams failed")

// ExchangeParallel sends q to every upstream at once. The first NOERROR
// response with answers wins. Otherwise the first response received is
// returned. q is not modified.
func ExchangeParallel(ctx context.Context, qCtx *C.Context, q *dns.Msg, upstreams []Upstream, logger *zap.Logger) (*dns.Msg, error) {
	if logger == nil {
		logger = nopLogger
	}

	t := len(upstreams)
	if t == 0 {
		return nil, ErrAllFailed
	}
	if t == 1 {
		return upstreams[0].Exchange(ctx, q.Copy())
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	c := make(chan *parallelResult, t)
	for _, u := range upstreams {
		qCopy := q.Copy()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := u.Exchange(taskCtx, qCopy)
			c <- &parallelResult{r: r, err: err, from: u}
		}()
	}
	go func() {
		wg.Wait()
		close(c)
	}()

	errMsgs := make([]string, 0, t)
	var firstResponse *dns.Msg
	for res := range c {
		if res.err != nil {
			switch {
			case errors.Is(res.err, context.Canceled):
				logger.Debug("upstream exchange canceled", qCtx.InfoField(), zap.String("addr", res.from.Address()))
			case errors.Is(res.err, context.DeadlineExceeded):
				logger.Warn("upstream exchange timed out", qCtx.InfoField(), zap.String("addr", res.from.Address()))
				errMsgs = append(errMsgs, fmt.Sprintf("[%s: timeout]", res.from.Address()))
			default:
				logger.Warn("upstream exchange failed", qCtx.InfoField(), zap.String("addr", res.from.Address()), zap.Error(res.err))
				errMsgs = append(errMsgs, fmt.Sprintf("[%s: %v]", res.from.Address(), res.err))
			}
			continue
		}
		if res.r == nil {
			continue
		}

		// Do not settle for NODATA or an error rcode while others may still answer.
		if res.r.Rcode == dns.RcodeSuccess && len(res.r.Answer) > 0 {
			cancel()
			return res.r, nil
		}
		if firstResponse == nil {
			firstResponse = res.r
		}
	}

	if firstResponse != nil {
		return firstResponse, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	err := ErrAllFailed
	if len(errMsgs) > 0 {
		err = fmt.Errorf("%w: %s", ErrAllFailed, strings.Join(errMsgs, ", "))
	}
	logger.Warn("parallel exchange failed", qCtx.InfoField(), zap.Error(err))
	return nil, err
}
