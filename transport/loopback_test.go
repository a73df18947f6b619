package transport

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLoopbackDelivery(t *testing.T) {
	fabric := NewFabric(2)
	defer fabric.Close()
	a, err := fabric.Endpoint(0)
	if err != nil {
		t.Fatalf("Endpoint(0): %v", err)
	}
	b, err := fabric.Endpoint(1)
	if err != nil {
		t.Fatalf("Endpoint(1): %v", err)
	}
	if a.Rank() != 0 || b.Rank() != 1 || a.Size() != 2 {
		t.Fatal("endpoint identity is wrong")
	}

	payload := []byte("hello")
	if err := a.Send(1, 7, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := b.Recv(0, 7)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Recv = %q, want %q", got, payload)
	}

	// The payload is copied, not aliased.
	payload[0] = 'X'
	if got[0] == 'X' {
		t.Error("received message aliases the sender's buffer")
	}
}

func TestLoopbackTagStreamsAreIndependent(t *testing.T) {
	fabric := NewFabric(2)
	defer fabric.Close()
	a, _ := fabric.Endpoint(0)
	b, _ := fabric.Endpoint(1)

	a.Send(1, 2, []byte("two-1"))
	a.Send(1, 1, []byte("one-1"))
	a.Send(1, 2, []byte("two-2"))

	if got, _ := b.Recv(0, 1); string(got) != "one-1" {
		t.Errorf("tag 1 = %q", got)
	}
	if got, _ := b.Recv(0, 2); string(got) != "two-1" {
		t.Errorf("tag 2 first = %q", got)
	}
	if got, _ := b.Recv(0, 2); string(got) != "two-2" {
		t.Errorf("tag 2 second = %q", got)
	}
}

func TestLoopbackRankValidation(t *testing.T) {
	fabric := NewFabric(2)
	defer fabric.Close()
	if _, err := fabric.Endpoint(2); !errors.Is(err, ErrBadRank) {
		t.Errorf("Endpoint(2) error = %v, want ErrBadRank", err)
	}
	a, _ := fabric.Endpoint(0)
	if err := a.Send(5, 0, nil); !errors.Is(err, ErrBadRank) {
		t.Errorf("Send to rank 5 error = %v, want ErrBadRank", err)
	}
}

func TestLoopbackSendRacingCloseReportsClosed(t *testing.T) {
	fabric := NewFabric(2)
	a, _ := fabric.Endpoint(0)
	if err := a.Send(1, 0, []byte{0}); err != nil {
		t.Fatalf("warm-up Send: %v", err)
	}

	// Nobody receives, so senders eventually block on the full route and
	// Close tears the channel down under them. Every Send must come back
	// either delivered or ErrClosed, never a silent drop or a panic.
	errs := make(chan error, 256)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 32; i++ {
				errs <- a.Send(1, 0, []byte{1})
			}
		}()
	}
	time.Sleep(time.Millisecond)
	fabric.Close()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, ErrClosed) {
			t.Fatalf("Send during Close = %v, want nil or ErrClosed", err)
		}
	}
}

func TestLoopbackCloseReleasesReceivers(t *testing.T) {
	fabric := NewFabric(2)
	a, _ := fabric.Endpoint(0)

	done := make(chan error, 1)
	go func() {
		_, err := a.Recv(1, 0)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	fabric.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Recv after close = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock on Close")
	}
}
