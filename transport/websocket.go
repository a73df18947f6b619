package transport

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Mesh is a websocket transport between ranks running as separate
// processes. Every rank listens on its own address and dials every peer
// with a lower rank, so each pair of ranks shares exactly one connection.
// The first binary message on a dialed connection is a handshake frame
// carrying the dialer's rank.
type Mesh struct {
	rank  int
	addrs []string

	srv *http.Server
	ln  net.Listener

	mu     sync.Mutex
	cond   *sync.Cond
	conns  map[int]*meshConn
	inbox  map[inboxKey]chan []byte
	done   chan struct{}
	closed bool
}

type inboxKey struct {
	from, tag int
}

type meshConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
}

// ConnectMesh joins the mesh as the given rank. addrs lists the listen
// address of every rank, in rank order. It blocks until every peer
// connection is established or the timeout expires.
func ConnectMesh(rank int, addrs []string, timeout time.Duration) (*Mesh, error) {
	if err := checkRank(rank, len(addrs)); err != nil {
		return nil, err
	}
	m := &Mesh{
		rank:  rank,
		addrs: addrs,
		conns: make(map[int]*meshConn),
		inbox: make(map[inboxKey]chan []byte),
		done:  make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)

	ln, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, err
	}
	m.ln = ln
	m.srv = &http.Server{Handler: http.HandlerFunc(m.accept)}
	go m.srv.Serve(ln)

	for peer := 0; peer < rank; peer++ {
		if err := m.dial(peer); err != nil {
			m.Close()
			return nil, err
		}
	}
	if err := m.waitConnected(timeout); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Mesh) Rank() int { return m.rank }
func (m *Mesh) Size() int { return len(m.addrs) }

func (m *Mesh) dial(peer int) error {
	url := fmt.Sprintf("ws://%s/", m.addrs[peer])
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("%w: dialing rank %d: %v", ErrHandshake, peer, err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage,
		encodeFrame(m.rank, 0, nil)); err != nil {
		ws.Close()
		return fmt.Errorf("%w: greeting rank %d: %v", ErrHandshake, peer, err)
	}
	m.register(peer, ws)
	return nil
}

func (m *Mesh) accept(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_, greeting, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return
	}
	peer, _, _, err := decodeFrame(greeting)
	if err != nil || checkRank(peer, len(m.addrs)) != nil {
		ws.Close()
		return
	}
	m.register(peer, ws)
}

func (m *Mesh) register(peer int, ws *websocket.Conn) {
	c := &meshConn{ws: ws}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ws.Close()
		return
	}
	m.conns[peer] = c
	m.cond.Broadcast()
	m.mu.Unlock()
	go m.readLoop(peer, c)
}

func (m *Mesh) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.conns) < len(m.addrs)-1 {
		if m.closed {
			return ErrClosed
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %d of %d peers after %v",
				ErrHandshake, len(m.conns), len(m.addrs)-1, timeout)
		}
		m.cond.Wait()
	}
	return nil
}

func (m *Mesh) conn(peer int) (*meshConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.closed {
			return nil, ErrClosed
		}
		if c, ok := m.conns[peer]; ok {
			return c, nil
		}
		m.cond.Wait()
	}
}

func (m *Mesh) getInbox(key inboxKey) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.inbox[key]
	if !ok {
		ch = make(chan []byte, 64)
		m.inbox[key] = ch
	}
	return ch
}

func (m *Mesh) readLoop(peer int, c *meshConn) {
	for {
		_, buf, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		from, tag, payload, err := decodeFrame(buf)
		if err != nil || from != peer {
			continue
		}
		msg := append([]byte(nil), payload...)
		select {
		case m.getInbox(inboxKey{from, tag}) <- msg:
		case <-m.done:
			return
		}
	}
}

func (m *Mesh) Send(to, tag int, payload []byte) error {
	if err := checkRank(to, len(m.addrs)); err != nil {
		return err
	}
	c, err := m.conn(to)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, encodeFrame(m.rank, tag, payload))
}

func (m *Mesh) Recv(from, tag int) ([]byte, error) {
	if err := checkRank(from, len(m.addrs)); err != nil {
		return nil, err
	}
	select {
	case msg := <-m.getInbox(inboxKey{from, tag}):
		return msg, nil
	case <-m.done:
		return nil, ErrClosed
	}
}

func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := m.conns
	close(m.done)
	m.cond.Broadcast()
	m.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
	if m.srv != nil {
		m.srv.Close()
	}
	return nil
}
