package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// idlePollInterval bounds how often an available socket's watcher goroutine
// polls for a remote close while the socket is sitting unused in the
// available queue. There is no edge-triggered "the peer hung up" signal on
// an idle net.Conn short of reading it, so the watcher reads with a short
// deadline and treats a timeout as "still alive."
const idlePollInterval = 200 * time.Millisecond

// PoolStats is a snapshot of SocketPool counters.
type PoolStats struct {
	ConnectedSockets int
}

// poolSocket wraps one inbound TCP connection accepted from the remote
// tunnel client, tracking the bookkeeping SocketPool needs to pull it back
// out of the available queue when it dies while idle.
type poolSocket struct {
	conn net.Conn
	pool *SocketPool

	closed atomic.Bool

	watchMu   sync.Mutex
	watching  bool
	stopWatch chan struct{}
	watchDone chan struct{}
}

func newPoolSocket(conn net.Conn, pool *SocketPool) *poolSocket {
	return &poolSocket{conn: conn, pool: pool}
}

// startWatch begins polling the idle socket for a remote close or error.
// Must only be called while the socket sits in the available queue.
func (ps *poolSocket) startWatch() {
	ps.watchMu.Lock()
	if ps.watching {
		ps.watchMu.Unlock()
		return
	}
	ps.watching = true
	stop := make(chan struct{})
	done := make(chan struct{})
	ps.stopWatch = stop
	ps.watchDone = done
	ps.watchMu.Unlock()

	go ps.watch(stop, done)
}

// stopWatching cancels the idle watcher and waits for it to exit. Called
// when a socket is handed to a consumer, so the watcher's read never races
// with the consumer's own use of the connection.
func (ps *poolSocket) stopWatching() {
	ps.watchMu.Lock()
	if !ps.watching {
		ps.watchMu.Unlock()
		return
	}
	ps.watching = false
	stop := ps.stopWatch
	done := ps.watchDone
	ps.watchMu.Unlock()

	close(stop)
	<-done
	ps.conn.SetReadDeadline(time.Time{})
}

func (ps *poolSocket) watch(stop, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 1)
	for {
		select {
		case <-stop:
			return
		default:
		}
		ps.conn.SetReadDeadline(time.Now().Add(idlePollInterval))
		n, err := ps.conn.Read(buf)
		if n > 0 {
			// A socket sitting idle in the available queue should never
			// receive bytes before a request claims it; treat this as a
			// desynced connection and drop it rather than risk corrupting
			// the next request that borrows it.
			ps.pool.retireSocket(ps, errors.New("tunnel: unexpected data on idle socket"))
			return
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			// EOF (remote end) or any other read error: mirrors the
			// end/close/error observers from the event-driven original.
			ps.pool.retireSocket(ps, nil)
			return
		}
	}
}

type acquireResult struct {
	socket *poolSocket
	err    error
}

// acquiredConn is the net.Conn handed back by Acquire. Wrapping the raw
// connection lets Close route back through the pool's bookkeeping exactly
// once, however the caller closes it: a deferred conn.Close(), splice's
// closeBoth, or a panic-recovery path all end up decrementing
// connectedSockets the same way the idle-watcher and eviction paths do.
type acquiredConn struct {
	net.Conn
	ps *poolSocket
}

func (c *acquiredConn) Close() error {
	err := c.Conn.Close()
	c.ps.pool.releaseAcquired(c.ps)
	return err
}

// SocketPool is the per-tunnel pool of inbound TCP sockets: it accepts
// connections from the remote client on an ephemeral port, hands them out
// to Acquire callers in FIFO order, and evicts the oldest idle socket when
// the client overshoots its declared budget.
type SocketPool struct {
	maxClientSockets int
	maxTCPSockets    int

	onOnline  func()
	onOffline func()

	mu               sync.Mutex
	started          bool
	closed           bool
	listener         net.Listener
	connectedSockets int
	available        []*poolSocket
	waiters          []chan acquireResult
}

// NewSocketPool constructs a pool with the given soft cap (maxClientSockets,
// also the keep-alive free-socket cap) and hard cap (maxTCPSockets, the
// point at which new inbound connections are refused outright).
func NewSocketPool(maxClientSockets, maxTCPSockets int) *SocketPool {
	return &SocketPool{
		maxClientSockets: maxClientSockets,
		maxTCPSockets:    maxTCPSockets,
	}
}

// SetObservers registers the callbacks invoked on the 0→1 and N→0
// transitions of connectedSockets. Must be called before Start.
func (p *SocketPool) SetObservers(onOnline, onOffline func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onOnline = onOnline
	p.onOffline = onOffline
}

// Start begins listening on an OS-assigned TCP port and returns it. A
// second call fails with ErrAlreadyStarted.
func (p *SocketPool) Start() (int, error) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return 0, ErrAlreadyStarted
	}
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPoolClosed
	}
	p.started = true
	p.mu.Unlock()

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrListenFailed, err)
	}

	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	go p.acceptLoop(ln)

	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (p *SocketPool) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if p.isClosed() {
				return
			}
			if isIgnorableAcceptError(err) {
				continue
			}
			slog.Error("tunnel: pool accept error", "error", err)
			continue
		}
		p.handleAccept(conn)
	}
}

func (p *SocketPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// handleAccept processes one newly accepted inbound socket: hard-cap
// rejection, bookkeeping, delivery to a waiting consumer or the available
// queue, and soft-cap eviction.
func (p *SocketPool) handleAccept(conn net.Conn) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		gracefulClose(conn, closeGraceTimeout)
		return
	}
	if p.connectedSockets >= p.maxTCPSockets {
		p.mu.Unlock()
		gracefulClose(conn, closeGraceTimeout)
		return
	}

	wasZero := p.connectedSockets == 0
	p.connectedSockets++

	var waiter chan acquireResult
	if len(p.waiters) > 0 {
		waiter = p.waiters[0]
		p.waiters = p.waiters[1:]
	}
	p.mu.Unlock()

	if wasZero {
		p.emitOnline()
	}

	ps := newPoolSocket(conn, p)

	if waiter != nil {
		// Delivered straight to the waiting consumer, bypassing the
		// available queue entirely. This handoff happens after releasing
		// the pool lock, so it can never reenter the accept path's own
		// critical section.
		waiter <- acquireResult{socket: ps}
		return
	}

	p.pushAvailable(ps)
}

// pushAvailable enqueues a freshly accepted, unclaimed socket and evicts the
// oldest idle socket if doing so pushes the available queue over the soft
// cap.
func (p *SocketPool) pushAvailable(ps *poolSocket) {
	ps.startWatch()

	p.mu.Lock()
	// A consumer may have parked between handleAccept's waiter check and
	// this critical section; hand the socket to it rather than leaving both
	// queues non-empty.
	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		ps.stopWatching()
		waiter <- acquireResult{socket: ps}
		return
	}
	p.available = append(p.available, ps)
	var evicted *poolSocket
	if len(p.available) > p.maxClientSockets {
		evicted = p.available[0]
		p.available = p.available[1:]
	}
	p.mu.Unlock()

	if evicted != nil {
		evicted.stopWatching()
		// The idle watcher may have observed a remote close at the same
		// moment and already be racing through retireSocket; ps.closed
		// ensures only one of the two paths performs the close+decrement.
		if evicted.closed.CompareAndSwap(false, true) {
			gracefulClose(evicted.conn, closeGraceTimeout)
			p.decrementAndMaybeOffline()
		}
	}
}

// retireSocket is called by an idle socket's watcher when it observes a
// remote close, read error, or unexpected data. It is a no-op if the
// socket has already been retired (e.g. raced with an eviction).
func (p *SocketPool) retireSocket(ps *poolSocket, _ error) {
	if !ps.closed.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	for i, s := range p.available {
		if s == ps {
			p.available = append(p.available[:i], p.available[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	ps.conn.Close()
	p.decrementAndMaybeOffline()
}

// releaseAcquired is called when a socket handed out by Acquire is closed by
// its consumer — the common accept/Acquire/serve-one-request/close path.
// ps.closed guards against a double decrement if the consumer's Close races
// with the pool being torn down from under it.
func (p *SocketPool) releaseAcquired(ps *poolSocket) {
	if !ps.closed.CompareAndSwap(false, true) {
		return
	}
	p.decrementAndMaybeOffline()
}

func (p *SocketPool) decrementAndMaybeOffline() {
	p.mu.Lock()
	p.connectedSockets--
	becameZero := p.connectedSockets == 0
	p.mu.Unlock()
	if becameZero {
		p.emitOffline()
	}
}

func (p *SocketPool) emitOnline() {
	p.mu.Lock()
	cb := p.onOnline
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (p *SocketPool) emitOffline() {
	p.mu.Lock()
	cb := p.onOffline
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Acquire hands the caller an available socket, blocking until one arrives,
// ctx is done, or the pool closes. This is the blocking-call translation of
// the original's "Acquire(callback)": a parked goroutine plays the role of
// a parked callback, and delivery order is preserved because the consumer's
// place in the waiters queue is reserved before Acquire returns control to
// the scheduler.
func (p *SocketPool) Acquire(ctx context.Context) (net.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if len(p.available) > 0 {
		ps := p.available[0]
		p.available = p.available[1:]
		p.mu.Unlock()
		ps.stopWatching()
		return &acquiredConn{Conn: ps.conn, ps: ps}, nil
	}

	ch := make(chan acquireResult, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return &acquiredConn{Conn: res.socket.conn, ps: res.socket}, nil
	case <-ctx.Done():
		res, delivered := p.reclaimWaiter(ch)
		if !delivered {
			return nil, ctx.Err()
		}
		if res.err != nil {
			return nil, res.err
		}
		return &acquiredConn{Conn: res.socket.conn, ps: res.socket}, nil
	}
}

// reclaimWaiter removes ch from the waiters queue if it is still there. If
// it isn't, the accept path has already popped it and is in the process of
// (or has already finished) sending a result — reclaimWaiter blocks for
// that single send rather than risk leaking the socket it was about to
// hand over.
func (p *SocketPool) reclaimWaiter(ch chan acquireResult) (acquireResult, bool) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return acquireResult{}, false
		}
	}
	p.mu.Unlock()
	return <-ch, true
}

// Stats returns a snapshot of the pool's connection count.
func (p *SocketPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{ConnectedSockets: p.connectedSockets}
}

// Close stops the listener, closes every available socket gracefully,
// fails every pending consumer with ErrPoolClosed, and transitions the
// pool to closed. Safe to call more than once.
func (p *SocketPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ln := p.listener
	available := p.available
	waiters := p.waiters
	p.available = nil
	p.waiters = nil
	p.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	for _, ps := range available {
		ps.stopWatching()
		gracefulClose(ps.conn, closeGraceTimeout)
	}
	for _, w := range waiters {
		w <- acquireResult{err: ErrPoolClosed}
	}

	return nil
}

// isIgnorableAcceptError reports whether a listener Accept error is the
// kind of transient socket churn (ECONNRESET/ETIMEDOUT) that should be
// swallowed rather than logged.
func isIgnorableAcceptError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "operation timed out")
}
