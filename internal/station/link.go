package station

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sebastiankruger/battery-line-simulator/internal/core"
	"github.com/sebastiankruger/battery-line-simulator/internal/retry"
)

// ErrCollectorUnavailable is returned by Send while a failed dial is
// backing off. The packet is not sent.
var ErrCollectorUnavailable = errors.New("collector unavailable")

// Link is a persistent TCP connection from one station to the collector.
// Packets are written as newline-delimited JSON. The connection is dialed
// lazily and redialed after a write failure. Failed dials back off without
// blocking: sends during the backoff fail fast.
type Link struct {
	addr         string
	stationCode  string
	dialTimeout  time.Duration
	writeTimeout time.Duration
	retryCfg     retry.Config

	mu           sync.Mutex
	conn         net.Conn
	dialFailures int
	nextDial     time.Time
}

// NewLink creates a link to the collector at addr
func NewLink(addr, stationCode string) *Link {
	return &Link{
		addr:         addr,
		stationCode:  stationCode,
		dialTimeout:  5 * time.Second,
		writeTimeout: 5 * time.Second,
		retryCfg: retry.Config{
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
		},
	}
}

// SetRetryConfig overrides the redial backoff
func (l *Link) SetRetryConfig(rc retry.Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retryCfg = rc
}

// Send writes one framed packet. Sends from the sensor and production loops
// are serialized so frames never interleave. A broken connection is redialed
// once per send.
func (l *Link) Send(ctx context.Context, p core.Packet) error {
	frame, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal packet: %w", err)
	}
	frame = append(frame, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	hadConn := l.conn != nil
	err = l.writeLocked(ctx, frame)
	if err != nil && hadConn {
		err = l.writeLocked(ctx, frame)
	}
	return err
}

func (l *Link) writeLocked(ctx context.Context, frame []byte) error {
	if l.conn == nil {
		if err := l.dialLocked(ctx); err != nil {
			return err
		}
	}
	if err := l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
		l.closeLocked()
		return err
	}
	if _, err := l.conn.Write(frame); err != nil {
		l.closeLocked()
		return fmt.Errorf("failed to write to collector: %w", err)
	}
	return nil
}

// Close closes the underlying connection
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *Link) dialLocked(ctx context.Context) error {
	if time.Now().Before(l.nextDial) {
		return ErrCollectorUnavailable
	}

	dialer := net.Dialer{Timeout: l.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", l.addr)
	if err != nil {
		l.dialFailures++
		l.nextDial = time.Now().Add(retry.Backoff(l.retryCfg, l.dialFailures))
		return fmt.Errorf("failed to connect to collector %s: %w", l.addr, err)
	}
	l.conn = conn
	l.dialFailures = 0
	l.nextDial = time.Time{}
	log.Info().Str("station", l.stationCode).Str("collector", l.addr).Msg("Connected to collector")
	return nil
}

func (l *Link) closeLocked() error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}
