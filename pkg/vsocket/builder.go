package vsocket

import (
    "context"
    "errors"
    "fmt"
    "sync/atomic"
    "time"

    "github.com/benbjohnson/clock"
    "github.com/google/uuid"
    "go.uber.org/zap"

    "ttrelay/pkg/discovery"
    "ttrelay/pkg/relayerr"
    "ttrelay/pkg/session"
)

// DefaultTimeout bounds a negotiation when Builder.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// Streamer is the part of a session a builder negotiates over.
type Streamer interface {
    StartOutputStream(ctx context.Context, name string) (discovery.OutputStream, error)
    AwaitInputStream(h session.StreamHandler) uint64
    ClearInputStreamHandler(token uint64)
}

// Builder negotiates a Socket over a session. The browser side initiates,
// the advertiser side responds; stream names correlate the two halves.
type Builder struct {
    Timeout time.Duration
    Clock   clock.Clock
}

// Browser opens an output stream under a fresh name and waits for the
// remote peer to open the matching input stream.
func (b Builder) Browser(ctx context.Context, s Streamer) (*Socket, error) {
    timer := b.newTimer()
    defer timer.Stop()

    bctx, release := b.bounded(ctx)
    defer release()

    name := uuid.NewString()
    out, err := s.StartOutputStream(bctx, name)
    if err != nil { return nil, b.expired(ctx, bctx, err) }

    r := newResult()
    token := s.AwaitInputStream(func(in discovery.InputStream) {
        if !r.claim() { _ = in.Close(); return }
        if in.Name() != name {
            _ = in.Close()
            r.resolve(nil, fmt.Errorf("%w: unexpected stream %q, want %q", relayerr.ErrConnectionFailed, in.Name(), name))
            return
        }
        r.resolve(New(in, out), nil)
    })

    sock, err := b.await(ctx, timer, r)
    s.ClearInputStreamHandler(token)
    if err != nil {
        _ = out.Close()
        zap.L().Named("vsocket").Debug("browser negotiation failed", zap.String("stream", name), zap.Error(err))
    }
    return sock, err
}

// Advertiser waits for the remote peer to open a stream and answers with
// an output stream of the same name.
func (b Builder) Advertiser(ctx context.Context, s Streamer) (*Socket, error) {
    timer := b.newTimer()
    defer timer.Stop()

    bctx, release := b.bounded(ctx)
    defer release()

    r := newResult()
    token := s.AwaitInputStream(func(in discovery.InputStream) {
        if !r.claim() { _ = in.Close(); return }
        r.resolve(Answer(bctx, s, in))
    })

    sock, err := b.await(ctx, timer, r)
    s.ClearInputStreamHandler(token)
    if err != nil {
        err = b.expired(ctx, bctx, err)
        zap.L().Named("vsocket").Debug("advertiser negotiation failed", zap.Error(err))
    }
    return sock, err
}

// Answer pairs an inbound stream with a new output stream of the same name.
// in is closed if the output stream cannot be opened.
func Answer(ctx context.Context, s Streamer, in discovery.InputStream) (*Socket, error) {
    out, err := s.StartOutputStream(ctx, in.Name())
    if err != nil {
        _ = in.Close()
        return nil, err
    }
    return New(in, out), nil
}

func (b Builder) clk() clock.Clock {
    if b.Clock == nil { return clock.New() }
    return b.Clock
}

func (b Builder) newTimer() *clock.Timer { return b.clk().Timer(b.timeout()) }

// bounded derives the context for opening output streams. It is cancelled
// once the negotiation times out.
func (b Builder) bounded(ctx context.Context) (context.Context, func()) {
    bctx, cancel := context.WithCancel(ctx)
    t := b.clk().AfterFunc(b.timeout(), cancel)
    return bctx, func() { t.Stop(); cancel() }
}

// expired reports err as a timeout when the bound, not the caller, ended
// the negotiation.
func (b Builder) expired(ctx, bctx context.Context, err error) error {
    if bctx.Err() == nil || ctx.Err() != nil || errors.Is(err, relayerr.ErrConnectionTimedOut) { return err }
    return fmt.Errorf("%w: output stream not opened within %s", relayerr.ErrConnectionTimedOut, b.timeout())
}

func (b Builder) timeout() time.Duration {
    if b.Timeout <= 0 { return DefaultTimeout }
    return b.Timeout
}

// await returns the first of: a handler result, the timeout, or ctx
// cancellation. Whoever claims the result first decides the outcome.
func (b Builder) await(ctx context.Context, timer *clock.Timer, r *result) (*Socket, error) {
    select {
    case o := <-r.ch:
        return o.sock, o.err
    case <-timer.C:
        if r.claim() {
            return nil, fmt.Errorf("%w: no stream within %s", relayerr.ErrConnectionTimedOut, b.timeout())
        }
    case <-ctx.Done():
        if r.claim() {
            return nil, fmt.Errorf("%w: %w", relayerr.ErrConnectionFailed, ctx.Err())
        }
    }
    o := <-r.ch
    return o.sock, o.err
}

type outcome struct {
    sock *Socket
    err  error
}

// result is a one-shot completion guarded by an atomic resolved flag.
type result struct {
    resolved atomic.Bool
    ch       chan outcome
}

func newResult() *result { return &result{ch: make(chan outcome, 1)} }

func (r *result) claim() bool { return r.resolved.CompareAndSwap(false, true) }

func (r *result) resolve(s *Socket, err error) { r.ch <- outcome{sock: s, err: err} }
