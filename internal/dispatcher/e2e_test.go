package dispatcher

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tunneld/tunneld/internal/tunnel"
)

// singleConnListener hands out exactly one net.Conn to Accept, then blocks
// until closed. It lets an http.Server serve a connection borrowed from a
// SocketPool as if it were a normal listener.
type singleConnListener struct {
	once sync.Once
	conn net.Conn
	done chan struct{}
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	return &singleConnListener{conn: conn, done: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	var c net.Conn
	l.once.Do(func() { c = l.conn })
	if c != nil {
		return c, nil
	}
	<-l.done
	return nil, net.ErrClosed
}

func (l *singleConnListener) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

// TestDispatcherSplicesWebSocketUpgradeEndToEnd exercises the full
// dispatcher → registry → tunnel → pool path for an Upgrade request,
// using a real WebSocket handshake and echo on both the public and
// simulated-remote-client ends.
func TestDispatcherSplicesWebSocketUpgradeEndToEnd(t *testing.T) {
	pool := tunnel.NewSocketPool(5, 10)
	port, err := pool.Start()
	if err != nil {
		t.Fatalf("pool.Start: %v", err)
	}
	tun := tunnel.New("e2e", pool)
	defer tun.Close()

	// Simulate the remote tunnel client: dial the pool's ephemeral port
	// (as the real tunnel client agent would) and serve one WebSocket
	// echo connection over it.
	go func() {
		conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			return
		}
		ln := newSingleConnListener(conn)
		srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
			if err != nil {
				return
			}
			defer c.CloseNow()
			ctx := r.Context()
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			c.Write(ctx, typ, data)
			c.Close(websocket.StatusNormalClosure, "")
		})}
		srv.Serve(ln)
	}()

	registry := &fakeRegistry{tunnels: map[string]*tunnel.Tunnel{"e2e": tun}}
	handler := NewHandler(registry, NewSubdomainExtractor(""), http.NotFoundHandler(), nil)
	public := httptest.NewServer(handler)
	defer public.Close()

	publicAddr := public.Listener.Addr().String()
	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return net.Dial(network, publicAddr)
		},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, "ws://e2e.localhost/ws", &websocket.DialOptions{HTTPClient: client})
	if err != nil {
		t.Fatalf("dial through tunnel: %v", err)
	}
	defer c.CloseNow()

	if err := c.Write(ctx, websocket.MessageText, []byte("hello through tunnel")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello through tunnel" {
		t.Fatalf("echo = %q, want %q", data, "hello through tunnel")
	}
	c.Close(websocket.StatusNormalClosure, "")
}
