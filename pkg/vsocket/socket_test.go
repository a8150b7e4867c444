package vsocket

import (
    "bytes"
    "errors"
    "io"
    "net"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "ttrelay/pkg/relayerr"
)

type pipeIn struct {
    name string
    net.Conn
}

func (p *pipeIn) Name() string { return p.name }

type bufOut struct {
    name   string
    mu     sync.Mutex
    buf    bytes.Buffer
    fail   error
    closed atomic.Bool
}

func (b *bufOut) Name() string { return b.name }
func (b *bufOut) Write(p []byte) (int, error) {
    b.mu.Lock(); defer b.mu.Unlock()
    if b.fail != nil { return 0, b.fail }
    if b.closed.Load() { return 0, io.ErrClosedPipe }
    return b.buf.Write(p)
}
func (b *bufOut) Close() error { b.closed.Store(true); return nil }
func (b *bufOut) String() string { b.mu.Lock(); defer b.mu.Unlock(); return b.buf.String() }

func newPipeSocket() (*Socket, net.Conn, *bufOut) {
    r, w := net.Pipe()
    out := &bufOut{name: "s"}
    return New(&pipeIn{name: "s", Conn: r}, out), w, out
}

func TestSocketPushesDataAndClosesOnce(t *testing.T) {
    s, w, out := newPipeSocket()
    data := make(chan []byte, 8)
    var closes atomic.Int32
    closed := make(chan struct{}, 2)
    s.OnData(func(b []byte) { data <- b })
    s.OnClosed(func() { closes.Add(1); closed <- struct{}{} })
    if err := s.Open(); err != nil { t.Fatalf("open: %v", err) }
    if err := s.Open(); !errors.Is(err, relayerr.ErrDoubleStart) { t.Fatalf("expected ErrDoubleStart, got %v", err) }

    go func() { _, _ = w.Write([]byte("hello")) }()
    select {
    case b := <-data:
        if string(b) != "hello" { t.Fatalf("got %q", b) }
    case <-time.After(time.Second):
        t.Fatalf("no data")
    }

    if n := s.Write([]byte("world")); n != 5 { t.Fatalf("write returned %d", n) }
    if out.String() != "world" { t.Fatalf("output got %q", out.String()) }

    _ = w.Close()
    select {
    case <-closed:
    case <-time.After(time.Second):
        t.Fatalf("onClosed not fired")
    }
    if !out.closed.Load() { t.Fatalf("output stream must close with the input") }
    _ = s.Close()
    time.Sleep(20 * time.Millisecond)
    if closes.Load() != 1 { t.Fatalf("onClosed fired %d times", closes.Load()) }
    if s.Write([]byte("x")) != -1 { t.Fatalf("write after close must report -1") }
}

func TestSocketCloseDisarmsCallbacks(t *testing.T) {
    s, w, out := newPipeSocket()
    fired := make(chan string, 4)
    s.OnData(func([]byte) { fired <- "data" })
    s.OnClosed(func() { fired <- "closed" })
    if err := s.Open(); err != nil { t.Fatalf("open: %v", err) }
    if err := s.Close(); err != nil { t.Fatalf("close: %v", err) }
    if err := s.Close(); err != nil { t.Fatalf("second close: %v", err) }
    if !out.closed.Load() || !s.Closed() { t.Fatalf("streams not closed") }

    _, _ = w.Write([]byte("late"))
    select {
    case what := <-fired:
        t.Fatalf("callback %s fired after close", what)
    case <-time.After(50 * time.Millisecond):
    }
    if err := s.Open(); !errors.Is(err, relayerr.ErrStartAfterKilled) { t.Fatalf("expected ErrStartAfterKilled, got %v", err) }
}

func TestSocketWriteFailureIsNotFatal(t *testing.T) {
    s, _, out := newPipeSocket()
    out.fail = errors.New("flow control")
    if n := s.Write([]byte("abc")); n != -1 { t.Fatalf("expected -1, got %d", n) }
    if s.Closed() { t.Fatalf("write failure must not tear the socket down") }
    _ = s.Close()
}

func TestSocketChunksLargeReads(t *testing.T) {
    s, w, _ := newPipeSocket()
    var mu sync.Mutex
    var got []byte
    done := make(chan struct{})
    s.OnData(func(b []byte) {
        if len(b) > readChunk { t.Errorf("chunk of %d bytes exceeds %d", len(b), readChunk) }
        mu.Lock(); got = append(got, b...); mu.Unlock()
    })
    s.OnClosed(func() { close(done) })
    if err := s.Open(); err != nil { t.Fatalf("open: %v", err) }
    payload := bytes.Repeat([]byte("0123456789"), 500)
    go func() { _, _ = w.Write(payload); _ = w.Close() }()
    select {
    case <-done:
    case <-time.After(2 * time.Second):
        t.Fatalf("stream did not end")
    }
    mu.Lock(); defer mu.Unlock()
    if !bytes.Equal(got, payload) { t.Fatalf("payload mismatch: %d bytes", len(got)) }
}
