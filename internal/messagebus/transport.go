package messagebus

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crabpos/crab/internal/logger"
	"github.com/crabpos/crab/internal/ordersmanager"
)

// InProcessTransport relays frames to local subscribers via Go
// channels, used when a console or printer worker runs in the same
// process as the orders manager.
type InProcessTransport struct {
	mu   sync.RWMutex
	subs []chan ordersmanager.OrderSync
}

func NewInProcessTransport() *InProcessTransport {
	return &InProcessTransport{}
}

// Subscribe returns a channel receiving every future Relay call. The
// channel buffers 32 frames and drops when full: a slow subscriber
// misses frames rather than stalling the publisher.
func (t *InProcessTransport) Subscribe() <-chan ordersmanager.OrderSync {
	ch := make(chan ordersmanager.OrderSync, 32)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}

func (t *InProcessTransport) Relay(sync ordersmanager.OrderSync) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- sync:
		default:
		}
	}
}

// TCPTransport relays frames to mTLS-authenticated TCP subscribers
// (e.g. a printer appliance or a secondary terminal on the LAN). Each
// accepted connection is mutually authenticated against the tenant CA;
// frames are newline-delimited JSON.
type TCPTransport struct {
	listener net.Listener

	// OnRequest, when set, handles inbound RequestCommand frames and
	// returns the Response written back on the same connection.
	OnRequest func(RequestCommand) Response

	mu    sync.RWMutex
	conns map[net.Conn]struct{}
}

// ListenTCP binds addr under tlsConfig, which callers build from the
// tenant CA (ClientAuth: tls.RequireAndVerifyClientCert).
func ListenTCP(addr string, tlsConfig *tls.Config) (*TCPTransport, error) {
	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return nil, err
	}
	t := &TCPTransport{listener: ln, conns: make(map[net.Conn]struct{})}
	go t.acceptLoop()
	return t, nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		t.mu.Lock()
		t.conns[conn] = struct{}{}
		t.mu.Unlock()
		go t.readLoop(conn)
	}
}

// readLoop drains a subscriber connection of RequestCommand frames and
// is responsible only for noticing disconnects; request handling is
// wired in by the caller via OnRequest.
func (t *TCPTransport) readLoop(conn net.Conn) {
	defer t.drop(conn)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var req RequestCommand
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			logger.Warn("messagebus: malformed tcp frame", zap.Error(err))
			continue
		}
		if t.OnRequest != nil {
			resp := t.OnRequest(req)
			t.writeTo(conn, resp)
		}
	}
}

func (t *TCPTransport) drop(conn net.Conn) {
	t.mu.Lock()
	delete(t.conns, conn)
	t.mu.Unlock()
	conn.Close()
}

func (t *TCPTransport) writeTo(conn net.Conn, resp Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	raw = append(raw, '\n')
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write(raw)
}

func (t *TCPTransport) Relay(sync ordersmanager.OrderSync) {
	raw, err := json.Marshal(sync)
	if err != nil {
		return
	}
	raw = append(raw, '\n')

	t.mu.RLock()
	conns := make([]net.Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.RUnlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := c.Write(raw); err != nil {
			t.drop(c)
		}
	}
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	for c := range t.conns {
		c.Close()
	}
	t.conns = make(map[net.Conn]struct{})
	t.mu.Unlock()
	return t.listener.Close()
}
