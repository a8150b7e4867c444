// Package lan implements discovery over the local network: peers are
// announced and found with multicast DNS, and invitations become QUIC
// connections carrying named streams.
package lan

import (
    "context"
    "errors"
    "fmt"
    "net"
    "sync"
    "time"

    "github.com/hashicorp/mdns"
    quicgo "github.com/quic-go/quic-go"
    "go.uber.org/zap"

    "ttrelay/pkg/discovery"
    "ttrelay/pkg/peer"
)

const txtPeer = "peer="

var (
    errRefused     = errors.New("lan: invitation refused")
    errUnknownPeer = errors.New("lan: peer not discovered")
    errStopped     = errors.New("lan: browser stopped")
)

type Options struct {
    // ListenAddr is the UDP address advertisements accept QUIC on.
    ListenAddr string
    // Domain is the mDNS domain, "local." by default.
    Domain string
    // BrowseInterval is the pause between mDNS queries.
    BrowseInterval time.Duration
    // QueryTimeout bounds a single mDNS query.
    QueryTimeout time.Duration
    DisableIPv6  bool
    // Interface restricts mDNS to one network interface by name.
    Interface string
    // IPs are announced instead of the host's interface addresses.
    IPs []net.IP
}

func (o *Options) normalize() {
    if o.ListenAddr == "" { o.ListenAddr = "0.0.0.0:0" }
    if o.Domain == "" { o.Domain = "local." }
    if o.BrowseInterval <= 0 { o.BrowseInterval = 2 * time.Second }
    if o.QueryTimeout <= 0 { o.QueryTimeout = time.Second }
}

// Layer is a discovery.Layer for one service type.
type Layer struct {
    serviceType string
    service     string
    opts        Options
    quicConf    *quicgo.Config
    log         *zap.Logger
}

func New(serviceType string, opts Options) (*Layer, error) {
    if err := discovery.ValidateServiceType(serviceType); err != nil { return nil, err }
    opts.normalize()
    return &Layer{
        serviceType: serviceType,
        service:     "_" + serviceType + "._udp",
        opts:        opts,
        quicConf: &quicgo.Config{
            KeepAlivePeriod:    10 * time.Second,
            MaxIdleTimeout:     30 * time.Second,
            MaxIncomingStreams: 1024,
        },
        log: zap.L().Named("lan").With(zap.String("service", serviceType)),
    }, nil
}

func (l *Layer) ServiceType() string { return l.serviceType }

// Advertise accepts invitations for local on a QUIC listener and announces
// it over mDNS.
func (l *Layer) Advertise(ctx context.Context, local peer.Peer, onInvite discovery.InvitationHandler) (discovery.Advertisement, error) {
    srv, err := l.listen(ctx, local, onInvite)
    if err != nil { return nil, err }

    ips := l.opts.IPs
    if len(ips) == 0 { ips = hostIPs(l.opts.DisableIPv6) }
    svc, err := mdns.NewMDNSService(instanceName(local), l.service, l.opts.Domain, "", srv.port(), ips, []string{txtPeer + local.String()})
    if err != nil {
        _ = srv.Stop()
        return nil, fmt.Errorf("lan: mdns service: %w", err)
    }
    iface, err := l.iface()
    if err != nil {
        _ = srv.Stop()
        return nil, err
    }
    ms, err := mdns.NewServer(&mdns.Config{Zone: svc, Iface: iface})
    if err != nil {
        _ = srv.Stop()
        return nil, fmt.Errorf("lan: mdns server: %w", err)
    }
    srv.mdns = ms
    l.log.Debug("advertising", zap.Stringer("peer", local), zap.Int("port", srv.port()))
    return srv, nil
}

// Browse polls mDNS and reports peers appearing and disappearing between
// consecutive queries.
func (l *Layer) Browse(ctx context.Context, local peer.Peer, h discovery.BrowseHandler) (discovery.Browser, error) {
    bctx, cancel := context.WithCancel(ctx)
    b := &browser{l: l, local: local, h: h, ctx: bctx, cancel: cancel, addrs: make(map[peer.Peer]string)}
    go b.loop()
    return b, nil
}

func (l *Layer) iface() (*net.Interface, error) {
    if l.opts.Interface == "" { return nil, nil }
    ifi, err := net.InterfaceByName(l.opts.Interface)
    if err != nil { return nil, fmt.Errorf("lan: interface %q: %w", l.opts.Interface, err) }
    return ifi, nil
}

func instanceName(p peer.Peer) string {
    return fmt.Sprintf("%s-%x", p.UUID, p.Generation)
}

// hostIPs lists the non-loopback unicast addresses of the host, falling
// back to loopback so a single machine can still talk to itself.
func hostIPs(disableIPv6 bool) []net.IP {
    var ips []net.IP
    addrs, _ := net.InterfaceAddrs()
    for _, a := range addrs {
        ipn, ok := a.(*net.IPNet)
        if !ok || ipn.IP.IsLoopback() || ipn.IP.IsLinkLocalUnicast() { continue }
        if ipn.IP.To4() == nil && disableIPv6 { continue }
        ips = append(ips, ipn.IP)
    }
    if len(ips) == 0 { ips = []net.IP{net.IPv4(127, 0, 0, 1)} }
    return ips
}

// advertisement is a QUIC listener answering invitations for one peer.
type advertisement struct {
    l        *Layer
    local    peer.Peer
    ln       *quicgo.Listener
    onInvite discovery.InvitationHandler
    cancel   context.CancelFunc
    mdns     *mdns.Server

    once sync.Once
}

func (l *Layer) listen(ctx context.Context, local peer.Peer, onInvite discovery.InvitationHandler) (*advertisement, error) {
    tlsConf, err := serverTLS()
    if err != nil { return nil, fmt.Errorf("lan: tls: %w", err) }
    ln, err := quicgo.ListenAddr(l.opts.ListenAddr, tlsConf, l.quicConf)
    if err != nil { return nil, fmt.Errorf("lan: listen %s: %w", l.opts.ListenAddr, err) }
    actx, cancel := context.WithCancel(ctx)
    a := &advertisement{l: l, local: local, ln: ln, onInvite: onInvite, cancel: cancel}
    go a.acceptLoop(actx)
    context.AfterFunc(actx, func() { _ = a.Stop() })
    return a, nil
}

func (a *advertisement) Peer() peer.Peer { return a.local }

func (a *advertisement) port() int { return a.ln.Addr().(*net.UDPAddr).Port }

func (a *advertisement) acceptLoop(ctx context.Context) {
    for {
        qc, err := a.ln.Accept(ctx)
        if err != nil { return }
        go a.handshake(ctx, qc)
    }
}

// handshake reads the invite from the control stream and hands the
// connection over when it addresses this exact generation.
func (a *advertisement) handshake(ctx context.Context, qc quicgo.Connection) {
    hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    ctrl, err := qc.AcceptStream(hctx)
    if err != nil {
        _ = qc.CloseWithError(codeRefused, "no invite")
        return
    }
    var inv invite
    if err := readFrame(ctrl, &inv); err != nil {
        _ = qc.CloseWithError(codeRefused, "bad invite")
        return
    }
    from, err := peer.Parse(inv.From)
    if err != nil || inv.To != a.local.String() {
        _ = writeFrame(ctrl, reply{Reason: "unknown peer"})
        _ = ctrl.Close()
        // let the dialer read the reply before the connection goes away
        select {
        case <-qc.Context().Done():
        case <-hctx.Done():
        }
        _ = qc.CloseWithError(codeRefused, "unknown peer")
        a.l.log.Debug("invite refused", zap.String("from", inv.From), zap.String("to", inv.To))
        return
    }
    if err := writeFrame(ctrl, reply{OK: true}); err != nil {
        _ = qc.CloseWithError(codeRefused, "reply failed")
        return
    }
    a.l.log.Debug("invite accepted", zap.Stringer("from", from), zap.Stringer("addr", qc.RemoteAddr()))
    a.onInvite(newConn(a.local, from, qc, ctrl))
}

func (a *advertisement) Stop() error {
    var err error
    a.once.Do(func() {
        a.cancel()
        if a.mdns != nil { err = a.mdns.Shutdown() }
        if cerr := a.ln.Close(); cerr != nil && err == nil { err = cerr }
    })
    return err
}

// dial connects to addr and invites remote on behalf of local.
func (l *Layer) dial(ctx context.Context, addr string, local, remote peer.Peer) (discovery.Conn, error) {
    qc, err := quicgo.DialAddr(ctx, addr, clientTLS(), l.quicConf)
    if err != nil { return nil, fmt.Errorf("lan: dial %s: %w", addr, err) }
    ctrl, err := qc.OpenStreamSync(ctx)
    if err != nil {
        _ = qc.CloseWithError(codeRefused, "")
        return nil, fmt.Errorf("lan: control stream: %w", err)
    }
    if err := writeFrame(ctrl, invite{From: local.String(), To: remote.String()}); err != nil {
        _ = qc.CloseWithError(codeRefused, "")
        return nil, fmt.Errorf("lan: send invite: %w", err)
    }
    if dl, ok := ctx.Deadline(); ok { _ = ctrl.SetReadDeadline(dl) }
    var rep reply
    if err := readFrame(ctrl, &rep); err != nil || !rep.OK {
        _ = qc.CloseWithError(codeRefused, "")
        var appErr *quicgo.ApplicationError
        switch {
        case err == nil:
            err = fmt.Errorf("%w: %s", errRefused, rep.Reason)
        case errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == codeRefused:
            err = fmt.Errorf("%w: %s", errRefused, appErr.ErrorMessage)
        }
        return nil, err
    }
    _ = ctrl.SetReadDeadline(time.Time{})
    return newConn(local, remote, qc, ctrl), nil
}

type browser struct {
    l      *Layer
    local  peer.Peer
    h      discovery.BrowseHandler
    ctx    context.Context
    cancel context.CancelFunc

    mu    sync.Mutex
    addrs map[peer.Peer]string
}

func (b *browser) loop() {
    t := time.NewTicker(b.l.opts.BrowseInterval)
    defer t.Stop()
    for {
        b.refresh(b.query())
        select {
        case <-b.ctx.Done():
            return
        case <-t.C:
        }
    }
}

// query runs one mDNS query and returns the peers that answered.
func (b *browser) query() map[peer.Peer]string {
    found := make(map[peer.Peer]string)
    entries := make(chan *mdns.ServiceEntry, 16)
    done := make(chan struct{})
    go func() {
        defer close(done)
        for e := range entries {
            p, addr, ok := b.parse(e)
            if ok { found[p] = addr }
        }
    }()
    iface, _ := b.l.iface()
    err := mdns.Query(&mdns.QueryParam{
        Service:             b.l.service,
        Interface:           iface,
        Domain:              b.l.opts.Domain,
        Timeout:             b.l.opts.QueryTimeout,
        Entries:             entries,
        DisableIPv6:         b.l.opts.DisableIPv6,
        WantUnicastResponse: true,
    })
    close(entries)
    <-done
    if err != nil {
        b.l.log.Debug("mdns query failed", zap.Error(err))
        return nil
    }
    return found
}

func (b *browser) parse(e *mdns.ServiceEntry) (peer.Peer, string, bool) {
    if e == nil { return peer.Peer{}, "", false }
    var p peer.Peer
    var err error = errUnknownPeer
    for _, f := range e.InfoFields {
        if len(f) > len(txtPeer) && f[:len(txtPeer)] == txtPeer {
            p, err = peer.Parse(f[len(txtPeer):])
            break
        }
    }
    if err != nil || p.UUID == b.local.UUID { return peer.Peer{}, "", false }
    switch {
    case e.AddrV4 != nil:
        return p, net.JoinHostPort(e.AddrV4.String(), fmt.Sprint(e.Port)), true
    case e.AddrV6 != nil && !b.l.opts.DisableIPv6:
        return p, net.JoinHostPort(e.AddrV6.String(), fmt.Sprint(e.Port)), true
    }
    return peer.Peer{}, "", false
}

// refresh diffs a query result against the known set. A failed query
// leaves the set alone.
func (b *browser) refresh(found map[peer.Peer]string) {
    if found == nil || b.ctx.Err() != nil { return }
    var gained, lost []peer.Peer
    b.mu.Lock()
    for p := range b.addrs {
        if _, ok := found[p]; !ok {
            lost = append(lost, p)
            delete(b.addrs, p)
        }
    }
    for p, addr := range found {
        if _, ok := b.addrs[p]; !ok { gained = append(gained, p) }
        b.addrs[p] = addr
    }
    b.mu.Unlock()

    for _, p := range lost {
        if b.h.Lost != nil { b.h.Lost(p) }
    }
    for _, p := range gained {
        if b.h.Found != nil { b.h.Found(p) }
    }
}

func (b *browser) Invite(ctx context.Context, remote peer.Peer) (discovery.Conn, error) {
    if b.ctx.Err() != nil { return nil, errStopped }
    b.mu.Lock()
    addr, ok := b.addrs[remote]
    b.mu.Unlock()
    if !ok { return nil, fmt.Errorf("%w: %s", errUnknownPeer, remote) }
    return b.l.dial(ctx, addr, b.local, remote)
}

func (b *browser) Stop() error {
    b.cancel()
    return nil
}
