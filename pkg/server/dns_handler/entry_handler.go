/*
 * Copyright (C) 2020-2026, IrineSistiana
 *
 * This file is part of anscache.
 *
 * anscache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * anscache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package dns_handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/anscache/pkg/answer_cache"
	"github.com/pmkol/anscache/pkg/dnsutils"
	"github.com/pmkol/anscache/pkg/fallback"
	"github.com/pmkol/anscache/pkg/pool"
	C "github.com/pmkol/anscache/pkg/query_context"
)

const (
	defaultQueryTimeout = time.Second * 5
)

var nopLogger = zap.NewNop()

// Handler handles dns queries from a server. The response is stored
// in qCtx. A qCtx without a response after ServeDNS means the query is
// dropped.
type Handler interface {
	ServeDNS(ctx context.Context, qCtx *C.Context) error
}

// TableGetter returns the answer table to use for the next query.
// *cache_source.Provider implements it.
type TableGetter interface {
	Table() *answer_cache.Table
}

type EntryHandlerOpts struct {
	// Logger is used for logging. Default is a noop logger.
	Logger *zap.Logger

	// Tables is required.
	Tables TableGetter

	// Fallback resolves the queries the table does not handle.
	// Default is a responder replying REFUSED.
	Fallback fallback.Fallback

	// QueryTimeout limits the time spent in Fallback. Default is 5s.
	QueryTimeout time.Duration

	// Registerer optionally registers the handler metrics.
	Registerer prometheus.Registerer
}

func (opts *EntryHandlerOpts) init() error {
	if opts.Tables == nil {
		return errors.New("nil table getter")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Fallback == nil {
		opts.Fallback = &fallback.Responder{Rcode: dns.RcodeRefused}
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	return nil
}

// EntryHandler answers from the current answer table and passes every
// query the table does not handle to the fallback.
type EntryHandler struct {
	opts EntryHandlerOpts

	queries        *prometheus.CounterVec
	fallbackErrors prometheus.Counter
}

var _ Handler = (*EntryHandler)(nil)

func NewEntryHandler(opts EntryHandlerOpts) (*EntryHandler, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	h := &EntryHandler{
		opts: opts,
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queries_total",
			Help: "The total number of queries by answer table outcome",
		}, []string{"outcome"}),
		fallbackErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fallback_errors_total",
			Help: "The total number of fallback failures",
		}),
	}
	if r := opts.Registerer; r != nil {
		for _, c := range []prometheus.Collector{h.queries, h.fallbackErrors} {
			if err := r.Register(c); err != nil {
				return nil, fmt.Errorf("failed to register metrics, %w", err)
			}
		}
	}
	return h, nil
}

// ServeDNS implements Handler.
// Answered queries get the raw reply built by answer_cache.HandleQuery.
// Malformed queries are dropped. Fallback failures are answered with
// SERVFAIL.
func (h *EntryHandler) ServeDNS(ctx context.Context, qCtx *C.Context) error {
	buf := pool.GetBuf(dns.MaxMsgSize)
	n, res := answer_cache.HandleQuery(qCtx.RawQ(), h.opts.Tables.Table(), buf.Bytes())
	h.queries.WithLabelValues(res.String()).Inc()
	switch res {
	case answer_cache.Answered:
		qCtx.SetRawResponse(buf.Bytes()[:n], buf.Release)
		return nil
	case answer_cache.Malformed:
		buf.Release()
		h.opts.Logger.Debug("dropped malformed query", zap.Stringer("from", qCtx.ReqMeta().GetClientAddr()))
		return nil
	}
	buf.Release()

	ctx, cancel := context.WithTimeout(ctx, h.opts.QueryTimeout)
	defer cancel()
	r, err := h.opts.Fallback.Exchange(ctx, qCtx)
	if err != nil {
		h.fallbackErrors.Inc()
		h.opts.Logger.Warn("fallback failed", qCtx.InfoField(), zap.Error(err))
		q, qErr := qCtx.Q()
		if qErr != nil {
			return nil
		}
		r = dnsutils.GenEmptyReply(q, dns.RcodeServerFailure)
	}
	if r != nil {
		qCtx.SetResponse(r)
	}
	return nil
}
