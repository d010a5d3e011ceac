/*
 * Copyright (C) 2020-2026, IrineSistiana
 *
 * This file is part of anscache.
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/anscache/pkg/dnsutils"
	"github.com/pmkol/anscache/pkg/pool"
	C "github.com/pmkol/anscache/pkg/query_context"
)

const (
	defaultTCPIdleTimeout = time.Second * 10
	tcpFirstReadTimeout   = time.Millisecond * 500
)

func (s *Server) ServeTCP(l net.Listener) error {
	defer l.Close()

	handler := s.opts.DNSHandler
	if handler == nil {
		return errMissingDNSHandler
	}

	if ok := s.trackCloser(l, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(l, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		c, err := l.Accept()
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("unexpected listener err: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnectionTcp(ctx, c)
		}()
	}
}

func (s *Server) handleConnectionTcp(ctx context.Context, c net.Conn) {
	defer c.Close()

	if !s.trackCloser(c, true) {
		return
	}
	defer s.trackCloser(c, false)

	meta := C.NewRequestMeta(addrFromNetAddr(c.RemoteAddr()))
	meta.SetProtocol(C.ProtocolTCP)

	idleTimeout := s.opts.IdleTimeout
	c.SetReadDeadline(time.Now().Add(min(idleTimeout, tcpFirstReadTimeout)))

	for {
		req, err := dnsutils.ReadRawMsgFromTCP(c)
		if err != nil {
			return
		}
		ok := s.handleQueryTcp(ctx, c, req, meta, idleTimeout)
		req.Release()
		if !ok {
			return
		}
		c.SetReadDeadline(time.Now().Add(idleTimeout))
	}
}

// handleQueryTcp serves one query and reports whether the connection is
// still usable.
func (s *Server) handleQueryTcp(ctx context.Context, c net.Conn, req *pool.Buffer, meta *C.RequestMeta, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	qCtx := C.NewContext(req.Bytes(), meta)
	defer qCtx.Release()

	if err := s.opts.DNSHandler.ServeDNS(ctx, qCtx); err != nil {
		s.opts.Logger.Debug("handler err", qCtx.InfoField(), zap.Error(err))
		return true
	}

	b := qCtx.RawR()
	if b == nil {
		r := qCtx.R()
		if r == nil {
			return true
		}
		packed, buf, err := pool.PackBuffer(r)
		if err != nil {
			s.opts.Logger.Error("failed to pack response", zap.Error(err), zap.Stringer("msg", r))
			return true
		}
		defer buf.Release()
		b = packed
	}

	if _, err := dnsutils.WriteRawMsgToTCP(c, b); err != nil {
		s.opts.Logger.Debug("failed to write response", zap.Stringer("client", c.RemoteAddr()), zap.Error(err))
		return false
	}
	return true
}
