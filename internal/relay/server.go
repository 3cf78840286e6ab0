// Package relay is the collector: it accepts station connections, splits
// their streams into telemetry packets and forwards each packet to the
// backend log endpoint of its type.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sebastiankruger/battery-line-simulator/internal/config"
	"github.com/sebastiankruger/battery-line-simulator/internal/core"
	"github.com/sebastiankruger/battery-line-simulator/internal/metrics"
)

// PacketForwarder delivers one packet to a backend endpoint
type PacketForwarder interface {
	Forward(ctx context.Context, endpoint string, p core.Packet) Delivery
}

// Tap receives a copy of every routed packet, e.g. a WebSocket hub
type Tap interface {
	BroadcastJSON(v interface{})
}

// TapEvent is what a Tap receives. The token is not included.
type TapEvent struct {
	Connection string          `json:"connection"`
	Type       core.PacketType `json:"type"`
	Body       json.RawMessage `json:"body"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Server is the TCP collector
type Server struct {
	addr      string
	maxFrame  int
	forwarder PacketForwarder
	metrics   *metrics.Relay
	tap       Tap

	mu    sync.Mutex
	ln    net.Listener
	conns map[string]net.Conn
	wg    sync.WaitGroup
}

// NewServer creates a collector listening on cfg.CollectorPort
func NewServer(cfg *config.Config, fwd PacketForwarder, m *metrics.Relay) *Server {
	return &Server{
		addr:      fmt.Sprintf(":%d", cfg.CollectorPort),
		maxFrame:  cfg.MaxFrameSize,
		forwarder: fwd,
		metrics:   m,
		conns:     make(map[string]net.Conn),
	}
}

// SetAddr overrides the listen address
func (s *Server) SetAddr(addr string) {
	s.addr = addr
}

// SetTap installs a tap for relayed packets
func (s *Server) SetTap(t Tap) {
	s.tap = t
}

// Listen binds the listen address
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is done, then closes the listener and
// every open connection and waits for their handlers to return.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("collector is not listening")
	}

	log.Info().Str("addr", ln.Addr().String()).Msg("Collector listening for stations")

	go func() {
		<-ctx.Done()
		ln.Close()
		s.mu.Lock()
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			log.Warn().Err(err).Msg("Failed to accept station connection")
			continue
		}

		id := uuid.NewString()
		s.mu.Lock()
		if ctx.Err() != nil {
			// Shutdown started, the close loop may already have run
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[id] = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, id, conn)
		}()
	}
}

// ListenAndServe binds the listen address and serves until ctx is done
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// handleConn reads one station's stream sequentially, so its packets are
// forwarded in the order they arrived.
func (s *Server) handleConn(ctx context.Context, id string, conn net.Conn) {
	logger := log.With().Str("conn", id).Str("remote", conn.RemoteAddr().String()).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Connection handler panicked")
		}
		conn.Close()
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.ConnectionsActive.Dec()
		}
		logger.Info().Msg("Station disconnected")
	}()

	if s.metrics != nil {
		s.metrics.ConnectionsActive.Inc()
		s.metrics.ConnectionsTotal.Inc()
	}
	logger.Info().Msg("Station connected")

	fr := NewFrameReader(conn, s.maxFrame)
	for {
		frame, err := fr.Next()
		if errors.Is(err, ErrFrameTooLong) {
			s.dropped("too_long")
			logger.Warn().Int("maxFrame", s.maxFrame).Msg("Discarded oversized frame")
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				logger.Warn().Err(err).Msg("Connection read failed")
			}
			return
		}
		if len(frame) == 0 {
			continue
		}

		packets, err := ParseFrame(frame)
		if err != nil {
			s.dropped("malformed")
			logger.Debug().Err(err).Int("parsed", len(packets)).Msg("Discarded malformed frame data")
		}
		for _, p := range packets {
			s.relay(ctx, logger, id, p)
		}
	}
}

// relay routes and forwards a single packet
func (s *Server) relay(ctx context.Context, logger zerolog.Logger, connID string, p core.Packet) {
	if s.metrics != nil {
		s.metrics.PacketsReceived.WithLabelValues(string(p.Type)).Inc()
	}

	endpoint, ok := Endpoint(p.Type)
	if !ok {
		s.dropped("unknown_type")
		logger.Warn().Str("type", string(p.Type)).Msg("Unknown packet type, dropped")
		return
	}
	if !hasObjectBody(p.Body) {
		s.dropped("no_body")
		logger.Warn().Str("type", string(p.Type)).Msg("Packet without body, dropped")
		return
	}

	if s.tap != nil {
		s.tap.BroadcastJSON(TapEvent{Connection: connID, Type: p.Type, Body: p.Body, ReceivedAt: time.Now()})
	}

	d := s.forwarder.Forward(ctx, endpoint, p)
	switch {
	case d.OK():
		ev := logger.Info()
		if p.Type == core.PacketSensor {
			ev = logger.Debug()
		}
		ev.Str("type", string(p.Type)).Str("endpoint", endpoint).Int("attempts", d.Attempts).Msg("Packet forwarded to backend")
	case d.StatusCode != 0:
		logger.Warn().
			Str("type", string(p.Type)).
			Str("endpoint", endpoint).
			Int("status", d.StatusCode).
			Str("response", d.Response).
			Msg("Backend rejected packet")
	default:
		if ctx.Err() != nil {
			return
		}
		logger.Warn().
			Err(d.Err).
			Str("type", string(p.Type)).
			Str("endpoint", endpoint).
			Int("attempts", d.Attempts).
			Msg("Failed to forward packet (backend may not be available)")
	}
}

// hasObjectBody reports whether body is a JSON object. Every log endpoint
// takes an object, so a missing, null or scalar body has nothing to log.
func hasObjectBody(body json.RawMessage) bool {
	b := bytes.TrimSpace(body)
	return len(b) > 0 && b[0] == '{'
}

func (s *Server) dropped(reason string) {
	if s.metrics != nil {
		s.metrics.FramesDropped.WithLabelValues(reason).Inc()
	}
}
