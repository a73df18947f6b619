package transport

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// freeAddrs reserves n distinct localhost ports. The listeners are closed
// right before the mesh binds them, which is racy in principle but stable
// in practice.
func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	listeners := make([]net.Listener, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("reserving port: %v", err)
		}
		listeners[i] = ln
		addrs[i] = ln.Addr().String()
	}
	for _, ln := range listeners {
		ln.Close()
	}
	return addrs
}

func connectPair(t *testing.T) (*Mesh, *Mesh) {
	t.Helper()
	addrs := freeAddrs(t, 2)

	var wg sync.WaitGroup
	meshes := make([]*Mesh, 2)
	errs := make([]error, 2)
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			meshes[rank], errs[rank] = ConnectMesh(rank, addrs, 5*time.Second)
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: ConnectMesh: %v", rank, err)
		}
	}
	t.Cleanup(func() {
		meshes[0].Close()
		meshes[1].Close()
	})
	return meshes[0], meshes[1]
}

func TestMeshDelivery(t *testing.T) {
	m0, m1 := connectPair(t)

	payload := []byte{0xca, 0xfe, 0, 1, 2}
	if err := m0.Send(1, 3, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := m1.Recv(0, 3)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Recv = %v, want %v", got, payload)
	}

	// And the other direction.
	if err := m1.Send(0, 9, []byte("pong")); err != nil {
		t.Fatalf("Send back: %v", err)
	}
	if got, err := m0.Recv(1, 9); err != nil || string(got) != "pong" {
		t.Errorf("Recv back = (%q, %v)", got, err)
	}
}

func TestMeshPerTagOrdering(t *testing.T) {
	m0, m1 := connectPair(t)

	const msgs = 20
	for i := 0; i < msgs; i++ {
		if err := m0.Send(1, 1, []byte(fmt.Sprintf("m%02d", i))); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	for i := 0; i < msgs; i++ {
		got, err := m1.Recv(0, 1)
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if want := fmt.Sprintf("m%02d", i); string(got) != want {
			t.Fatalf("message %d = %q, want %q", i, got, want)
		}
	}
}

func TestMeshCloseReleasesReceivers(t *testing.T) {
	m0, m1 := connectPair(t)
	_ = m1

	done := make(chan error, 1)
	go func() {
		_, err := m0.Recv(1, 0)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	m0.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Recv returned nil after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock on Close")
	}
}

func TestFrameCodec(t *testing.T) {
	buf := encodeFrame(3, 17, []byte("data"))
	from, tag, payload, err := decodeFrame(buf)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if from != 3 || tag != 17 || string(payload) != "data" {
		t.Errorf("decoded (%d, %d, %q)", from, tag, payload)
	}
	if _, _, _, err := decodeFrame([]byte{1, 2}); err == nil {
		t.Error("short frame accepted")
	}
}
