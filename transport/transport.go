// Package transport carries tagged point-to-point messages between the
// ranks of a distributed run. Two implementations exist: an in-process
// loopback fabric, used by single-process runs and tests, and a websocket
// mesh connecting separate processes.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrBadRank   = errors.New("wavecell/transport: rank out of range")
	ErrClosed    = errors.New("wavecell/transport: transport closed")
	ErrHandshake = errors.New("wavecell/transport: peer handshake failed")
)

// Transport is a tagged point-to-point message channel between a fixed set
// of ranks. Send may block until the peer drains its inbox; Recv blocks
// until a message with the given source and tag arrives. Messages with the
// same source and tag arrive in send order; distinct tags are independent
// streams.
type Transport interface {
	// Rank returns this endpoint's rank in [0, Size).
	Rank() int
	// Size returns the number of ranks.
	Size() int
	// Send delivers payload to the peer rank under the given tag.
	Send(to, tag int, payload []byte) error
	// Recv returns the next payload sent by the peer rank under the tag.
	Recv(from, tag int) ([]byte, error)
	// Close tears the endpoint down; pending Recv calls fail.
	Close() error
}

// frame is the wire form of a message: source rank and tag, then payload.
const frameHeader = 8

func encodeFrame(from, tag int, payload []byte) []byte {
	buf := make([]byte, frameHeader+len(payload))
	binary.LittleEndian.PutUint32(buf[0:], uint32(from))
	binary.LittleEndian.PutUint32(buf[4:], uint32(tag))
	copy(buf[frameHeader:], payload)
	return buf
}

func decodeFrame(buf []byte) (from, tag int, payload []byte, err error) {
	if len(buf) < frameHeader {
		return 0, 0, nil, fmt.Errorf("wavecell/transport: short frame (%d bytes)", len(buf))
	}
	from = int(binary.LittleEndian.Uint32(buf[0:]))
	tag = int(binary.LittleEndian.Uint32(buf[4:]))
	return from, tag, buf[frameHeader:], nil
}

func checkRank(rank, size int) error {
	if rank < 0 || rank >= size {
		return fmt.Errorf("%w: %d of %d", ErrBadRank, rank, size)
	}
	return nil
}
