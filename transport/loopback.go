package transport

import (
	"sync"
)

// Fabric is an in-process message fabric: every rank of the run lives in
// the same process and exchanges messages over buffered channels. It backs
// single-machine multi-rank runs and the test suite.
type Fabric struct {
	size int

	mu     sync.Mutex
	chans  map[route]chan []byte
	closed bool
}

type route struct {
	from, to, tag int
}

// NewFabric creates a fabric connecting the given number of ranks.
func NewFabric(size int) *Fabric {
	return &Fabric{
		size:  size,
		chans: make(map[route]chan []byte),
	}
}

// Endpoint returns the transport endpoint of the given rank.
func (f *Fabric) Endpoint(rank int) (Transport, error) {
	if err := checkRank(rank, f.size); err != nil {
		return nil, err
	}
	return &loopback{fabric: f, rank: rank}, nil
}

func (f *Fabric) channel(r route) (chan []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	ch, ok := f.chans[r]
	if !ok {
		ch = make(chan []byte, 64)
		f.chans[r] = ch
	}
	return ch, nil
}

// Close tears the fabric down. Pending receives observe ErrClosed.
func (f *Fabric) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for _, ch := range f.chans {
		close(ch)
	}
	return nil
}

type loopback struct {
	fabric *Fabric
	rank   int
}

func (l *loopback) Rank() int { return l.rank }
func (l *loopback) Size() int { return l.fabric.size }

func (l *loopback) Send(to, tag int, payload []byte) (err error) {
	if err := checkRank(to, l.fabric.size); err != nil {
		return err
	}
	ch, err := l.fabric.channel(route{l.rank, to, tag})
	if err != nil {
		return err
	}
	msg := append([]byte(nil), payload...)
	// A Close racing this send may close the channel under us; the payload
	// is dropped, so the caller must see the failure.
	defer func() {
		if recover() != nil {
			err = ErrClosed
		}
	}()
	ch <- msg
	return nil
}

func (l *loopback) Recv(from, tag int) ([]byte, error) {
	if err := checkRank(from, l.fabric.size); err != nil {
		return nil, err
	}
	ch, err := l.fabric.channel(route{from, l.rank, tag})
	if err != nil {
		return nil, err
	}
	msg, ok := <-ch
	if !ok {
		return nil, ErrClosed
	}
	return msg, nil
}

// Close of a single endpoint is a no-op; the fabric owns the channels.
func (l *loopback) Close() error { return nil }
