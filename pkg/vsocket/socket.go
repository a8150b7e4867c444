// Package vsocket pairs one inbound and one outbound named stream of a
// session into a duplex channel, and negotiates that pairing between the
// two peers.
package vsocket

import (
    "sync"

    "go.uber.org/multierr"
    "go.uber.org/zap"

    "ttrelay/pkg/discovery"
    "ttrelay/pkg/relayerr"
)

// readChunk is the size of a single read from the input stream.
const readChunk = 1024

// Socket is a virtual socket. Reads are pushed through OnData; writes are
// best effort.
type Socket struct {
    in  discovery.InputStream
    out discovery.OutputStream
    log *zap.Logger

    mu       sync.Mutex
    onData   func([]byte)
    onClosed func()
    opened   bool
    closed   bool

    wmu sync.Mutex
}

func New(in discovery.InputStream, out discovery.OutputStream) *Socket {
    return &Socket{in: in, out: out, log: zap.L().Named("vsocket").With(zap.String("stream", out.Name()))}
}

// Name is the correlation name shared by both streams.
func (s *Socket) Name() string { return s.out.Name() }

// OnData sets the receiver for inbound chunks. Each chunk is a private copy.
func (s *Socket) OnData(fn func([]byte)) { s.mu.Lock(); s.onData = fn; s.mu.Unlock() }

// OnClosed sets the callback fired when the input stream fails or ends.
func (s *Socket) OnClosed(fn func()) { s.mu.Lock(); s.onClosed = fn; s.mu.Unlock() }

// Open starts pumping the input stream.
func (s *Socket) Open() error {
    s.mu.Lock()
    if s.closed { s.mu.Unlock(); return relayerr.ErrStartAfterKilled }
    if s.opened { s.mu.Unlock(); return relayerr.ErrDoubleStart }
    s.opened = true
    s.mu.Unlock()
    go s.readLoop()
    return nil
}

// Write forwards p to the output stream and returns the number of bytes
// accepted, or -1 on failure.
func (s *Socket) Write(p []byte) int {
    s.mu.Lock()
    closed := s.closed
    s.mu.Unlock()
    if closed { return -1 }

    s.wmu.Lock()
    n, err := s.out.Write(p)
    s.wmu.Unlock()
    if err != nil {
        s.log.Debug("virtual socket write failed", zap.Int("len", len(p)), zap.Error(err))
        return -1
    }
    return n
}

// Close disarms both callbacks and closes both streams. Chunks read after
// Close are dropped. Idempotent.
func (s *Socket) Close() error {
    if !s.disarm() { return nil }
    return multierr.Combine(s.in.Close(), s.out.Close())
}

// Closed reports whether the socket was torn down.
func (s *Socket) Closed() bool {
    s.mu.Lock(); defer s.mu.Unlock()
    return s.closed
}

func (s *Socket) disarm() bool {
    s.mu.Lock(); defer s.mu.Unlock()
    if s.closed { return false }
    s.closed = true
    s.onData, s.onClosed = nil, nil
    return true
}

func (s *Socket) readLoop() {
    buf := make([]byte, readChunk)
    for {
        n, err := s.in.Read(buf)
        if n > 0 {
            s.mu.Lock()
            fn, closed := s.onData, s.closed
            s.mu.Unlock()
            if closed { return }
            if fn != nil { fn(append([]byte(nil), buf[:n]...)) }
        }
        if err != nil {
            s.fail(err)
            return
        }
    }
}

func (s *Socket) fail(err error) {
    s.mu.Lock()
    if s.closed { s.mu.Unlock(); return }
    fn := s.onClosed
    s.closed = true
    s.onData, s.onClosed = nil, nil
    s.mu.Unlock()

    s.log.Debug("virtual socket input ended", zap.Error(err))
    _ = multierr.Combine(s.in.Close(), s.out.Close())
    if fn != nil { fn() }
}
