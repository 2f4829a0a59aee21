package timesource

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/avast/retry-go"
)

// SNTP wire constants.
const (
	ntpPort       = 123
	packetSize    = 48
	clientMode    = 0x1B // LI=0, VN=3, Mode=3
	transmitSecs  = 40
	ntpEpochDelta = 2208988800
)

// DefaultTimeout bounds each server query.
const DefaultTimeout = 1500 * time.Millisecond

// Dialer opens the UDP association used for a query.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// NTPSource queries SNTP servers in order, first answer wins, and falls back
// to the local clock.
type NTPSource struct {
	servers []string
	timeout time.Duration
	dial    Dialer
	logger  *slog.Logger
	local   func() time.Time
}

// Option configures an NTPSource.
type Option func(*NTPSource)

// WithTimeout sets the per-server deadline.
func WithTimeout(d time.Duration) Option {
	return func(s *NTPSource) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithDialer replaces the network dialer.
func WithDialer(d Dialer) Option {
	return func(s *NTPSource) { s.dial = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *NTPSource) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLocalClock overrides the fallback clock.
func WithLocalClock(now func() time.Time) Option {
	return func(s *NTPSource) { s.local = now }
}

// NewNTPSource builds a source over servers.
func NewNTPSource(servers []string, opts ...Option) *NTPSource {
	var d net.Dialer
	s := &NTPSource{
		servers: append([]string(nil), servers...),
		timeout: DefaultTimeout,
		dial:    d.DialContext,
		logger:  slog.Default(),
		local:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "timesource"))
	return s
}

// Now implements Source. It never fails.
func (s *NTPSource) Now(ctx context.Context) (time.Time, bool) {
	t, err := s.Network(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "Network time unavailable, using local clock",
			slog.Int("servers", len(s.servers)),
			slog.String("error", err.Error()))
		return s.local(), false
	}
	return t, true
}

// Network returns the first successful server answer. Each server is asked
// once.
func (s *NTPSource) Network(ctx context.Context) (time.Time, error) {
	if len(s.servers) == 0 {
		return time.Time{}, errors.New("no time servers configured")
	}

	var (
		result time.Time
		next   int
	)
	err := retry.Do(
		func() error {
			server := s.servers[next]
			next++
			t, err := s.query(ctx, server)
			if err != nil {
				return fmt.Errorf("%s: %w", server, err)
			}
			result = t
			s.logger.DebugContext(ctx, "Network time obtained",
				slog.String("server", server),
				slog.Time("time", t))
			return nil
		},
		retry.Attempts(uint(len(s.servers))),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.DebugContext(ctx, "Time server failed",
				slog.Uint64("attempt", uint64(n)+1),
				slog.String("error", err.Error()))
		}),
	)
	if err != nil {
		return time.Time{}, err
	}
	return result, nil
}

func (s *NTPSource) query(ctx context.Context, server string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conn, err := s.dial(ctx, "udp", net.JoinHostPort(server, strconv.Itoa(ntpPort)))
	if err != nil {
		return time.Time{}, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return time.Time{}, fmt.Errorf("set deadline: %w", err)
		}
	}

	if _, err := conn.Write(Request()); err != nil {
		return time.Time{}, fmt.Errorf("write request: %w", err)
	}

	reply := make([]byte, 512)
	n, err := conn.Read(reply)
	if err != nil {
		return time.Time{}, fmt.Errorf("read reply: %w", err)
	}
	return ParseReply(reply[:n])
}

// Request returns a client-mode SNTP request packet.
func Request() []byte {
	pkt := make([]byte, packetSize)
	pkt[0] = clientMode
	return pkt
}

// ParseReply extracts the transmit timestamp (whole seconds) from a server
// reply.
func ParseReply(reply []byte) (time.Time, error) {
	if len(reply) < packetSize {
		return time.Time{}, fmt.Errorf("short reply: %d bytes", len(reply))
	}
	secs := binary.BigEndian.Uint32(reply[transmitSecs : transmitSecs+4])
	if secs == 0 {
		return time.Time{}, errors.New("reply carries no transmit timestamp")
	}
	return time.Unix(int64(secs)-ntpEpochDelta, 0), nil
}

// EncodeReply builds a minimal server reply carrying t. Used by tests and
// local fakes.
func EncodeReply(t time.Time) []byte {
	pkt := make([]byte, packetSize)
	pkt[0] = 0x1C // LI=0, VN=3, Mode=4
	binary.BigEndian.PutUint32(pkt[transmitSecs:], uint32(t.Unix()+ntpEpochDelta))
	return pkt
}
