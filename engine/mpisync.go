package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/wavecell/wavecell"
	"github.com/wavecell/wavecell/device"
	"github.com/wavecell/wavecell/transport"
	"github.com/wavecell/wavecell/vars"
)

// MPISync migrates particles between the ranks of a distributed run. A
// mask array names the owning rank of every particle; particles owned
// elsewhere are shipped out and particles arriving from peers are appended
// after the locally kept ones.
//
// Each run sorts the particles so the kept ones are contiguous at the
// front, computes per-peer send offsets and counts with reductions over
// the sorted mask, and exchanges messages over the transport: a count
// message first, then one tagged message per synchronized field. A peer
// with nothing to send still sends the count, so receivers never wait
// forever. All sends and receives run off the host thread; the returned
// event completes once every message is delivered, every received particle
// is written and the live count is updated.
type MPISync struct {
	Base
	maskName   string
	fieldNames []string

	tr     transport.Transport
	mask   *vars.Variable
	n      *vars.Variable
	fields []*vars.Variable

	key    *vars.Variable
	sub    *vars.Variable
	index  *vars.Variable
	count  *vars.Variable
	offset *vars.Variable

	keySort   *RadixSort
	maskSort  *Sort
	fieldSort []*Sort
	countRed  *Reduction
	offsetRed *Reduction

	kMaskKey   device.Kernel
	kMaskReset device.Kernel
	kSubMask   device.Kernel
	kIndexIf   device.Kernel

	capacity int
}

// NewMPISync creates an exchange tool migrating the named per-particle
// fields according to the named uint32 ownership mask.
func NewMPISync(name, mask string, fields []string, tr transport.Transport) *MPISync {
	return &MPISync{
		Base:       newBase(name, false),
		maskName:   mask,
		fieldNames: append([]string(nil), fields...),
		tr:         tr,
	}
}

func (t *MPISync) Setup(s *Server) error {
	reg := s.Variables()
	var err error
	if t.mask, err = reg.GetArray(t.maskName, device.TypeUint32); err != nil {
		return err
	}
	if t.n, err = reg.Get("N"); err != nil {
		return err
	}
	t.capacity = t.mask.Len()
	t.fields = t.fields[:0]
	for _, name := range t.fieldNames {
		f, err := reg.GetArray(name, device.TypeInvalid)
		if err != nil {
			return err
		}
		if f.Len() != t.capacity {
			return fmt.Errorf("%w: field %q holds %d entries, mask %q holds %d",
				wavecell.ErrInvalidVariableLength, name, f.Len(), t.maskName, t.capacity)
		}
		t.fields = append(t.fields, f)
	}

	// Hidden working set; names are reserved by the leading underscores.
	prefix := "__" + t.Name()
	length := fmt.Sprintf("%d", t.capacity)
	if t.key, err = reg.RegisterArray(prefix+"_key", "uint", length); err != nil {
		return err
	}
	perm, err := reg.RegisterArray(prefix+"_perm", "uint", length)
	if err != nil {
		return err
	}
	if _, err = reg.RegisterArray(prefix+"_inv", "uint", length); err != nil {
		return err
	}
	if t.sub, err = reg.RegisterArray(prefix+"_sub", "uint", length); err != nil {
		return err
	}
	if t.index, err = reg.RegisterArray(prefix+"_idx", "uint", length); err != nil {
		return err
	}
	if t.count, err = reg.RegisterScalar(prefix+"_count", "uint", "0"); err != nil {
		return err
	}
	if t.offset, err = reg.RegisterScalar(prefix+"_offset", "uint", "0"); err != nil {
		return err
	}

	t.keySort = NewRadixSort(t.Name()+"->Radix-Sort",
		t.key.Name(), perm.Name(), prefix+"_inv", "N")
	t.maskSort = NewSort(t.Name()+"->Sort "+t.maskName,
		t.maskName, perm.Name(), "N")
	t.fieldSort = t.fieldSort[:0]
	for _, name := range t.fieldNames {
		t.fieldSort = append(t.fieldSort,
			NewSort(t.Name()+"->Sort "+name, name, perm.Name(), "N"))
	}
	t.countRed = NewReduction(t.Name()+"->Count",
		t.sub.Name(), t.count.Name(), "c = a + b;", "0")
	t.offsetRed = NewReduction(t.Name()+"->Offset",
		t.index.Name(), t.offset.Name(), "c = min(a, b);", "UINT_MAX")

	subs := []Tool{t.keySort, t.maskSort, t.countRed, t.offsetRed}
	for _, st := range t.fieldSort {
		subs = append(subs, st)
	}
	for _, st := range subs {
		if err := st.Setup(s); err != nil {
			return fmt.Errorf("tool %q: %w", st.Name(), err)
		}
	}

	kernels, err := s.Context().Compile(device.Program{
		Source:  exchangeSource,
		Entries: []string{"maskKey", "maskReset", "subMask", "indexIf"},
	})
	if err != nil {
		return err
	}
	t.kMaskKey, t.kMaskReset, t.kSubMask, t.kIndexIf =
		kernels[0], kernels[1], kernels[2], kernels[3]

	// The whole mask buffer starts owned by this rank, so stale entries
	// past the live count never match a peer.
	if err := t.resetMask(s, nil); err != nil {
		return err
	}

	inputs := []string{t.maskName, "N"}
	outputs := append([]string{t.maskName, "N"}, t.fieldNames...)
	return t.bind(reg, inputs, outputs)
}

// resetMask stamps the whole mask buffer with the local rank.
func (t *MPISync) resetMask(s *Server, wait []device.Event) (err error) {
	local := t.kMaskReset.WorkGroupSize()
	ev, err := s.Queue().EnqueueKernel(t.kMaskReset,
		roundUp(t.capacity, local), local, wait,
		t.mask.Buffer(), uint32(t.capacity), uint32(t.tr.Rank()))
	if err != nil {
		return fmt.Errorf("%w: mask reset: %v", wavecell.ErrDeviceExecution, err)
	}
	t.mask.SetWritingEvent(ev)
	return nil
}

func (t *MPISync) Run(s *Server, wait []device.Event) (device.Event, error) {
	queue := s.Queue()
	rank := uint32(t.tr.Rank())
	nprocs := t.tr.Size()

	n, err := scalarUint32(t.n)
	if err != nil {
		return nil, err
	}

	// Sort key: 0 for kept particles, owner rank + 1 otherwise. The stable
	// sort then packs kept particles at the front and groups the outgoing
	// ones by destination.
	local := t.kMaskKey.WorkGroupSize()
	wait = append(append([]device.Event(nil), wait...), t.key.WriteWaitList()...)
	evKey, err := queue.EnqueueKernel(t.kMaskKey, roundUp(int(n), local), local, wait,
		t.key.Buffer(), t.mask.Buffer(), n, rank)
	if err != nil {
		return nil, fmt.Errorf("%w: sort keys: %v", wavecell.ErrDeviceExecution, err)
	}
	t.key.SetWritingEvent(evKey)
	t.mask.AddReadingEvent(evKey)

	if err := s.Execute(t.keySort); err != nil {
		return nil, err
	}
	if err := s.Execute(t.maskSort); err != nil {
		return nil, err
	}
	for _, st := range t.fieldSort {
		if err := s.Execute(st); err != nil {
			return nil, err
		}
	}

	var userEvs []device.Event
	totalSent := uint32(0)
	for peer := 0; peer < nprocs; peer++ {
		if peer == int(rank) {
			continue
		}
		count, offset, err := t.peerRegion(s, uint32(peer))
		if err != nil {
			return nil, err
		}
		totalSent += count

		ev, err := t.send(s, peer, count, offset)
		if err != nil {
			return nil, err
		}
		userEvs = append(userEvs, ev)
	}
	kept := n - totalSent

	recvEv, err := t.receive(s, kept)
	if err != nil {
		return nil, err
	}
	userEvs = append(userEvs, recvEv)

	// The mask is consumed; hand every slot back to this rank so the next
	// scan only sees deliberate ownership changes.
	if err := t.resetMask(s, t.mask.WriteWaitList()); err != nil {
		return nil, err
	}
	userEvs = append(userEvs, t.mask.WritingEvent())

	return queue.EnqueueMarker(userEvs)
}

// peerRegion locates the contiguous run of sorted particles owned by the
// peer: its length and its first index. The host blocks on the two
// reduction mirrors, as the values drive the message exchange.
func (t *MPISync) peerRegion(s *Server, peer uint32) (count, offset uint32, err error) {
	queue := s.Queue()
	capacity := uint32(t.capacity)

	local := t.kSubMask.WorkGroupSize()
	wait := append(t.mask.ReadWaitList(), t.sub.WriteWaitList()...)
	evSub, err := queue.EnqueueKernel(t.kSubMask,
		roundUp(t.capacity, local), local, wait,
		t.sub.Buffer(), t.mask.Buffer(), capacity, peer)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: peer %d submask: %v", wavecell.ErrDeviceExecution, peer, err)
	}
	t.sub.SetWritingEvent(evSub)
	t.mask.AddReadingEvent(evSub)

	local = t.kIndexIf.WorkGroupSize()
	wait = append(t.mask.ReadWaitList(), t.index.WriteWaitList()...)
	evIdx, err := queue.EnqueueKernel(t.kIndexIf,
		roundUp(t.capacity, local), local, wait,
		t.index.Buffer(), t.mask.Buffer(), capacity, peer, ^uint32(0))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: peer %d indices: %v", wavecell.ErrDeviceExecution, peer, err)
	}
	t.index.SetWritingEvent(evIdx)
	t.mask.AddReadingEvent(evIdx)

	if err := s.Execute(t.countRed); err != nil {
		return 0, 0, err
	}
	if err := s.Execute(t.offsetRed); err != nil {
		return 0, 0, err
	}
	if count, err = scalarUint32(t.count); err != nil {
		return 0, 0, err
	}
	if offset, err = scalarUint32(t.offset); err != nil {
		return 0, 0, err
	}
	return count, offset, nil
}

// send ships the particle run [offset, offset+count) to the peer: the
// count message first, then one message per field. Field data is read back
// asynchronously; a goroutine forwards each payload once its read-back
// lands. The returned user event completes when everything is handed to
// the transport.
func (t *MPISync) send(s *Server, peer int, count, offset uint32) (device.Event, error) {
	queue := s.Queue()

	userEv, err := queue.NewUserEvent()
	if err != nil {
		return nil, err
	}

	readEvs := make([]device.Event, len(t.fields))
	stagings := make([][]byte, len(t.fields))
	for fi, f := range t.fields {
		if count == 0 {
			break // only the count message goes out
		}
		es := f.Type().Size()
		stagings[fi] = make([]byte, int(count)*es)
		ev, err := queue.EnqueueRead(f.Buffer(), int(offset)*es, stagings[fi],
			f.ReadWaitList())
		if err != nil {
			return nil, fmt.Errorf("%w: staging %q for rank %d: %v",
				wavecell.ErrDeviceExecution, f.Name(), peer, err)
		}
		f.AddReadingEvent(ev)
		readEvs[fi] = ev
	}

	go func() {
		header := make([]byte, 4)
		binary.LittleEndian.PutUint32(header, count)
		if err := t.tr.Send(peer, 0, header); err != nil {
			userEv.Fail(err)
			return
		}
		if count > 0 {
			for fi := range t.fields {
				if err := readEvs[fi].Wait(); err != nil {
					userEv.Fail(err)
					return
				}
				if err := t.tr.Send(peer, 1+fi, stagings[fi]); err != nil {
					userEv.Fail(err)
					return
				}
			}
		}
		userEv.Complete()
	}()
	return userEv, nil
}

// receive appends arriving particles after the kept ones, peer by peer in
// rank order, and finally publishes the new live count. The returned user
// event completes once every received particle is written out, even when
// nothing arrives.
func (t *MPISync) receive(s *Server, kept uint32) (device.Event, error) {
	queue := s.Queue()
	rank := t.tr.Rank()
	nprocs := t.tr.Size()

	userEv, err := queue.NewUserEvent()
	if err != nil {
		return nil, err
	}

	// Write hazards are captured now, on the host thread, so the appends
	// cannot race the outgoing read-backs of the same buffers.
	fieldWait := make([][]device.Event, len(t.fields))
	for fi, f := range t.fields {
		fieldWait[fi] = f.WriteWaitList()
	}

	go func() {
		at := kept
		for peer := 0; peer < nprocs; peer++ {
			if peer == rank {
				continue
			}
			header, err := t.tr.Recv(peer, 0)
			if err != nil {
				userEv.Fail(err)
				return
			}
			if len(header) != 4 {
				userEv.Fail(fmt.Errorf("%w: rank %d count message of %d bytes",
					wavecell.ErrInvalidConfiguration, peer, len(header)))
				return
			}
			count := binary.LittleEndian.Uint32(header)
			if count == 0 {
				continue
			}
			if int(at+count) > t.capacity {
				userEv.Fail(fmt.Errorf("%w: %d particles into arrays of %d",
					wavecell.ErrInvalidVariableLength, at+count, t.capacity))
				return
			}
			for fi, f := range t.fields {
				payload, err := t.tr.Recv(peer, 1+fi)
				if err != nil {
					userEv.Fail(err)
					return
				}
				es := f.Type().Size()
				if len(payload) != int(count)*es {
					userEv.Fail(fmt.Errorf("%w: rank %d sent %d bytes of %q, want %d",
						wavecell.ErrInvalidConfiguration, peer, len(payload),
						f.Name(), int(count)*es))
					return
				}
				ev, err := queue.EnqueueWrite(f.Buffer(), int(at)*es, payload,
					fieldWait[fi])
				if err != nil {
					userEv.Fail(err)
					return
				}
				fieldWait[fi] = []device.Event{ev}
			}
			at += count
		}
		for fi := range t.fields {
			for _, ev := range fieldWait[fi] {
				if err := ev.Wait(); err != nil {
					userEv.Fail(err)
					return
				}
			}
		}
		if err := t.n.SetValue(at); err != nil {
			userEv.Fail(err)
			return
		}
		userEv.Complete()
	}()
	return userEv, nil
}
