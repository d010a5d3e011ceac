package fallback

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/anscache/pkg/dnsutils"
	C "github.com/pmkol/anscache/pkg/query_context"
)

// Fallback resolves the queries the answer cache does not handle.
// A nil response with a nil error means the query is dropped.
type Fallback interface {
	Exchange(ctx context.Context, qCtx *C.Context) (*dns.Msg, error)
}

// DropRcode makes a Responder drop queries instead of answering them.
const DropRcode = -1

// Responder answers every query with an empty reply carrying Rcode.
type Responder struct {
	Rcode int
}

var _ Fallback = (*Responder)(nil)

func NewResponder(rcode int) (*Responder, error) {
	if rcode < DropRcode || rcode > 0xF {
		return nil, fmt.Errorf("invalid rcode %d", rcode)
	}
	return &Responder{Rcode: rcode}, nil
}

func (r *Responder) Exchange(_ context.Context, qCtx *C.Context) (*dns.Msg, error) {
	if r.Rcode == DropRcode {
		return nil, nil
	}
	q, err := qCtx.Q()
	if err != nil {
		return nil, err
	}
	return dnsutils.GenEmptyReply(q, r.Rcode), nil
}

const defaultForwardTimeout = time.Second * 5

type ForwarderOpts struct {
	// Upstreams are raced for every query. At least one is required.
	Upstreams []Upstream

	// Timeout bounds one forwarded query. Default is 5s.
	Timeout time.Duration

	// Logger optionally specifies a logger for the forwarder.
	// A nil Logger will disable the logging.
	Logger *zap.Logger
}

// Forwarder sends queries to its upstreams in parallel and returns the
// best response.
type Forwarder struct {
	opts ForwarderOpts
}

var _ Fallback = (*Forwarder)(nil)

func NewForwarder(opts ForwarderOpts) (*Forwarder, error) {
	if len(opts.Upstreams) == 0 {
		return nil, fmt.Errorf("no upstream is configured")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultForwardTimeout
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return &Forwarder{opts: opts}, nil
}

func (f *Forwarder) Exchange(ctx context.Context, qCtx *C.Context) (*dns.Msg, error) {
	q, err := qCtx.Q()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	r, err := ExchangeParallel(ctx, qCtx, q, f.opts.Upstreams, f.opts.Logger)
	if err != nil {
		return nil, err
	}
	r.Id = q.Id
	return r, nil
}
