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

package server

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/pmkol/anscache/pkg/answer_cache"
	"github.com/pmkol/anscache/pkg/dnsutils"
	"github.com/pmkol/anscache/pkg/pool"
	C "github.com/pmkol/anscache/pkg/query_context"
)

func (s *Server) ServeUDP(c net.PacketConn) error {
	defer c.Close()

	handler := s.opts.DNSHandler
	if handler == nil {
		return errMissingDNSHandler
	}

	if ok := s.trackCloser(c, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(c, false)

	listenerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readBuf := pool.GetBuf(64 * 1024)
	defer readBuf.Release()
	rb := readBuf.Bytes()

	for {
		n, remoteAddr, err := c.ReadFrom(rb)
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			return fmt.Errorf("unexpected read err: %w", err)
		}
		if n < dnsutils.HeaderSize {
			continue
		}

		// rb is reused by the next read.
		qBuf := pool.GetBuf(n)
		copy(qBuf.Bytes(), rb[:n])

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer qBuf.Release()

			meta := C.NewRequestMeta(addrFromNetAddr(remoteAddr))
			meta.SetProtocol(C.ProtocolUDP)
			qCtx := C.NewContext(qBuf.Bytes(), meta)
			defer qCtx.Release()

			if err := handler.ServeDNS(listenerCtx, qCtx); err != nil {
				s.opts.Logger.Warn("handler err", qCtx.InfoField(), zap.Error(err))
				return
			}
			s.writeUDPResponse(c, remoteAddr, qCtx)
		}()
	}
}

func (s *Server) writeUDPResponse(c net.PacketConn, remoteAddr net.Addr, qCtx *C.Context) {
	udpSize := dnsutils.GetUDPSize(qCtx.RawQ())

	if raw := qCtx.RawR(); raw != nil {
		if len(raw) > udpSize {
			raw = raw[:answer_cache.TruncateReply(raw, len(raw))]
			if len(raw) == 0 {
				return
			}
		}
		if _, err := c.WriteTo(raw, remoteAddr); err != nil {
			s.opts.Logger.Warn("failed to write raw response", zap.Stringer("client", remoteAddr), zap.Error(err))
		}
		return
	}

	if r := qCtx.R(); r != nil {
		r.Truncate(udpSize)
		b, buf, err := pool.PackBuffer(r)
		if err != nil {
			s.opts.Logger.Error("failed to pack handler's response", zap.Error(err), zap.Stringer("msg", r))
			return
		}
		defer buf.Release()
		if _, err := c.WriteTo(b, remoteAddr); err != nil {
			s.opts.Logger.Warn("failed to write response", zap.Stringer("client", remoteAddr), zap.Error(err))
		}
	}
}
