package ingest

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"sieman/util/goroutine"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// tcpReadDeadline bounds how long an idle connection may hold a
	// handler goroutine.
	tcpReadDeadline = 5 * time.Minute
	// defaultTCPRateLimit is lines per second accepted across the listener.
	defaultTCPRateLimit = 10000
)

// TCPSource accepts line-oriented log streams over TCP, one connection per
// sender. It is the continuous-stream reader; offsets do not apply.
type TCPSource struct {
	id      string
	format  string
	addr    string
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// NewTCPSource creates a TCP stream source listening on addr
// (host:port). rateLimit caps accepted lines per second; <= 0 uses the
// default.
func NewTCPSource(id, format, addr string, rateLimit int, logger *zap.SugaredLogger) *TCPSource {
	if rateLimit <= 0 {
		rateLimit = defaultTCPRateLimit
	}
	return &TCPSource{
		id:      id,
		format:  format,
		addr:    addr,
		limiter: rate.NewLimiter(rate.Limit(rateLimit), rateLimit),
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// ID implements Source.
func (s *TCPSource) ID() string { return s.id }

// Format implements Source.
func (s *TCPSource) Format() string { return s.format }

// Resumable implements Source.
func (s *TCPSource) Resumable() bool { return false }

// Addr returns the bound listener address, valid after Run has started.
func (s *TCPSource) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run implements Source. Returns when ctx is cancelled; in-flight
// connection handlers finish their current line first.
func (s *TCPSource) Run(ctx context.Context, emit func(Line) error) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer goroutine.Recover("tcp-source-closer", s.logger)
		<-ctx.Done()
		listener.Close()
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	}()

	s.logger.Infow("TCP source listening", "source", s.id, "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || strings.Contains(err.Error(), "use of closed network connection") {
				break
			}
			s.logger.Warnw("TCP accept error", "source", s.id, "error", err)
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer goroutine.Recover("tcp-source-conn", s.logger)
			s.handleConn(ctx, c, emit)
		}(conn)
	}

	wg.Wait()
	return nil
}

func (s *TCPSource) handleConn(ctx context.Context, conn net.Conn, emit func(Line) error) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(tcpReadDeadline))
	scanner := bufio.NewScanner(conn)
	var number int64
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if !s.limiter.Allow() {
			s.logger.Warnw("rate limit exceeded, dropping line", "source", s.id)
			continue
		}
		number++
		if err := emit(Line{SourceID: s.id, Format: s.format, Text: text, Number: number}); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(tcpReadDeadline))
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Warnw("TCP connection read error", "source", s.id, "error", err)
	}
}
