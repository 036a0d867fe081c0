package tunnel

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// state is the explicit lifecycle state machine for a tunnel, replacing
// a string-keyed online/offline/close event model with a typed enum
// guarded by Tunnel.mu.
type state int32

const (
	statePendingFirstConnect state = iota
	stateOnline
	stateOffline
	stateClosed
)

func (s state) String() string {
	switch s {
	case statePendingFirstConnect:
		return "pending-first-connect"
	case stateOnline:
		return "online"
	case stateOffline:
		return "offline"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	firstConnectGrace = 5 * time.Second
	offlineGrace      = 1 * time.Second
)

// Tunnel binds a subdomain identity to a SocketPool and exposes the two
// public-request entry points: plain HTTP request/response and upgrade
// splicing.
type Tunnel struct {
	id   string
	pool *SocketPool

	mu    sync.Mutex
	state state
	timer *time.Timer

	onCloseMu sync.Mutex
	onClose   func()
	closeOnce sync.Once

	onStateChangeMu sync.Mutex
	onStateChange   func(newState string)
}

// OnStateChange registers a callback invoked after every lifecycle
// transition with the new state name. Used by the metrics layer to
// increment tunneld_tunnel_state_transitions_total without this package
// depending on internal/metrics.
func (t *Tunnel) OnStateChange(fn func(newState string)) {
	t.onStateChangeMu.Lock()
	t.onStateChange = fn
	t.onStateChangeMu.Unlock()
}

func (t *Tunnel) emitStateChange(s state) {
	t.onStateChangeMu.Lock()
	cb := t.onStateChange
	t.onStateChangeMu.Unlock()
	if cb != nil {
		cb(s.String())
	}
}

// New constructs a Tunnel bound to pool, arming the first-connect grace
// timer and wiring the pool's online/offline callbacks to state
// transitions. The pool must not have been started yet.
func New(id string, pool *SocketPool) *Tunnel {
	t := &Tunnel{
		id:    id,
		pool:  pool,
		state: statePendingFirstConnect,
	}
	pool.SetObservers(t.handleOnline, t.handleOffline)
	t.mu.Lock()
	t.armTimerLocked(firstConnectGrace)
	t.mu.Unlock()
	return t
}

// ID returns the tunnel's subdomain identity.
func (t *Tunnel) ID() string { return t.id }

// State returns the current lifecycle state, for tests and diagnostics.
func (t *Tunnel) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.String()
}

// Stats proxies to the underlying pool's Stats.
func (t *Tunnel) Stats() PoolStats {
	return t.pool.Stats()
}

// OnClose registers the callback invoked exactly once when the tunnel
// transitions to closed. The Registry uses this to auto-remove the tunnel
// from its map.
func (t *Tunnel) OnClose(fn func()) {
	t.onCloseMu.Lock()
	t.onClose = fn
	t.onCloseMu.Unlock()
}

// armTimerLocked stops any previously armed grace timer before arming a new
// one; grace timers are single-shot. Caller must hold t.mu.
func (t *Tunnel) armTimerLocked(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, t.onGraceExpired)
}

func (t *Tunnel) clearTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Tunnel) onGraceExpired() {
	t.Close()
}

// handleOnline is the pool's 0→1 callback: pending-first-connect or offline
// both exit to online.
func (t *Tunnel) handleOnline() {
	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		return
	}
	t.clearTimerLocked()
	t.state = stateOnline
	t.mu.Unlock()
	t.emitStateChange(stateOnline)
}

// handleOffline is the pool's N→0 callback: online exits to offline and
// arms the removal grace timer.
func (t *Tunnel) handleOffline() {
	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		return
	}
	t.state = stateOffline
	t.armTimerLocked(offlineGrace)
	t.mu.Unlock()
	t.emitStateChange(stateOffline)
}

// Close tears down the pool and fires the close callback exactly once. It
// is invoked by grace timeout, Registry.Remove, or a collision eviction in
// Registry.Create.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.clearTimerLocked()
		t.state = stateClosed
		t.mu.Unlock()
		t.emitStateChange(stateClosed)

		t.pool.Close()

		t.onCloseMu.Lock()
		cb := t.onClose
		t.onCloseMu.Unlock()
		if cb != nil {
			cb()
		}
	})
}

// HandleRequest performs an HTTP/1.1 upstream round trip over a pool
// socket: the public request is written verbatim to a borrowed socket, the
// response read back and copied to the public ResponseWriter.
//
// If Acquire fails, the request is answered with 502, matching the
// teacher's httputil.ReverseProxy ErrorHandler convention of surfacing
// upstream failure as Bad Gateway rather than dropping the connection
// silently.
func (t *Tunnel) HandleRequest(w http.ResponseWriter, r *http.Request) {
	conn, err := t.pool.Acquire(r.Context())
	if err != nil {
		slog.Debug("tunnel: acquire failed for request", "tunnel", t.id, "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer conn.Close()

	if dl, ok := r.Context().Deadline(); ok {
		conn.SetDeadline(dl)
	}

	if err := r.Write(conn); err != nil {
		slog.Debug("tunnel: writing upstream request failed", "tunnel", t.id, "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), r)
	if err != nil {
		slog.Debug("tunnel: reading upstream response failed", "tunnel", t.id, "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, values := range resp.Header {
		for _, v := range values {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Debug("tunnel: streaming response body failed", "tunnel", t.id, "error", err)
	}
}

// HandleUpgrade services an HTTP Upgrade (WebSocket) request: it hijacks
// the public connection, acquires a pool socket, replays the request line
// and headers onto it verbatim, then splices raw bytes both directions
// until either side closes.
func (t *Tunnel) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}

	publicConn, _, err := hj.Hijack()
	if err != nil {
		slog.Debug("tunnel: hijack failed", "tunnel", t.id, "error", err)
		return
	}

	conn, err := t.pool.Acquire(r.Context())
	if err != nil {
		slog.Debug("tunnel: acquire failed for upgrade", "tunnel", t.id, "error", err)
		gracefulClose(publicConn, closeGraceTimeout)
		return
	}

	if err := writeUpgradeRequestLine(conn, r); err != nil {
		slog.Debug("tunnel: replaying upgrade request failed", "tunnel", t.id, "error", err)
		conn.Close()
		gracefulClose(publicConn, closeGraceTimeout)
		return
	}

	splice(publicConn, conn)
}

// writeUpgradeRequestLine reconstructs the request wire form from method,
// path, protocol version and header list, terminated by a blank line.
// net/http parses headers into a map, so exact wire order from the
// original client is not recoverable here; the rewritten form is still a
// faithful, deterministic HTTP/1.1 request.
func writeUpgradeRequestLine(conn net.Conn, r *http.Request) error {
	bw := bufio.NewWriter(conn)

	requestURI := r.RequestURI
	if requestURI == "" {
		requestURI = r.URL.RequestURI()
	}
	if _, err := bw.WriteString(r.Method + " " + requestURI + " " + r.Proto + "\r\n"); err != nil {
		return err
	}
	if r.Host != "" && r.Header.Get("Host") == "" {
		if _, err := bw.WriteString("Host: " + r.Host + "\r\n"); err != nil {
			return err
		}
	}
	for k, values := range r.Header {
		for _, v := range values {
			if _, err := bw.WriteString(k + ": " + v + "\r\n"); err != nil {
				return err
			}
		}
	}
	if r.ContentLength > 0 && r.Header.Get("Content-Length") == "" {
		if _, err := bw.WriteString("Content-Length: " + strconv.FormatInt(r.ContentLength, 10) + "\r\n"); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// splice copies bytes in both directions between a and b until either side
// closes or errors, then tears down both. Adapted from a framed WebSocket
// bidirectional pump to raw byte copying since the upgrade stream must
// pass through unparsed.
func splice(a, b net.Conn) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			a.Close()
			b.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		io.Copy(a, b)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		io.Copy(b, a)
	}()
	wg.Wait()
}
