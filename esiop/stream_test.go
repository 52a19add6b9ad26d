package esiop

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auriga-os/nucleus/corba"
	"github.com/auriga-os/nucleus/core"
	"github.com/auriga-os/nucleus/orb"
)

func TestStreamRoundTripMultiBlock(t *testing.T) {
	space := NewAddressSpace()
	s := NewStreamOutSM(NewSameWidthLocal(space))

	payload := make([]byte, StreamBlockSize*3+123)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	require.NoError(t, s.Write(payload[:100]))
	require.NoError(t, s.Write(payload[100:]))
	head, size, err := s.Close()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(payload)), size)

	got, err := ReadStream(space, head)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
	// Blocks are released by the reader.
	assert.Zero(t, space.BlockCount())
}

func TestStreamVirtualCopySegment(t *testing.T) {
	space := NewAddressSpace()
	s := NewStreamOutSM(NewSameWidthLocal(space))

	small := []byte{1, 2, 3}
	big := make([]byte, VirtualCopyThreshold+8) // above threshold, 8-aligned
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, s.Write(small))
	require.NoError(t, s.Write(big))
	head, _, err := s.Close()
	require.NoError(t, err)

	got, err := ReadStream(space, head)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(append(append([]byte{}, small...), big...), got))
}

type failingHelper struct {
	*SameWidthLocal
	failAfter int
	allocs    int
	released  int
}

func (f *failingHelper) Allocate(size uint64) (SharedPtr, error) {
	if f.allocs >= f.failAfter {
		return 0, corba.NO_MEMORY(0, corba.CompletionStatusNo)
	}
	f.allocs++
	return f.SameWidthLocal.Allocate(size)
}

func (f *failingHelper) Release(ptr SharedPtr) {
	f.released++
	f.SameWidthLocal.Release(ptr)
}

// TestStreamAllocFailureReleasesBlocks checks the partial-failure rule:
// already-allocated peer blocks are released and the sender sees MARSHAL.
func TestStreamAllocFailureReleasesBlocks(t *testing.T) {
	space := NewAddressSpace()
	helper := &failingHelper{SameWidthLocal: NewSameWidthLocal(space), failAfter: 2}
	s := NewStreamOutSM(helper)

	payload := make([]byte, StreamBlockSize*4)
	err := s.Write(payload)
	if err == nil {
		_, _, err = s.Close()
	}
	require.Error(t, err)
	se, ok := corba.AsSystemException(err)
	require.True(t, ok)
	assert.Equal(t, "MARSHAL", se.Name())
	assert.Equal(t, helper.allocs, helper.released, "every allocated block released")
	assert.Zero(t, space.BlockCount())
}

// sizedServant replies with the byte count requested in the parameters
type sizedServant struct{}

func (s *sizedServant) PrimaryInterface() string { return "IDL:test/Sized:1.0" }

func (s *sizedServant) Invoke(call *orb.ServerCall) error {
	n, err := call.Request.In().ReadULong()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		call.Request.Out().WriteOctet(byte(i))
	}
	return nil
}

type pair struct {
	bus    *Bus
	client *orb.ORB
	server *orb.ORB
	poC    *PostOffice
	poS    *PostOffice
}

func newPair(t *testing.T) *pair {
	t.Helper()
	bus := NewBus()
	client := orb.Init(orb.Config{Workers: 4, MaxInFlight: 64, DomainID: 1}, nil)
	server := orb.Init(orb.Config{Workers: 4, MaxInFlight: 64, DomainID: 2}, nil)
	poC, err := NewPostOffice(client, bus, nil)
	require.NoError(t, err)
	poS, err := NewPostOffice(server, bus, nil)
	require.NoError(t, err)
	p := &pair{bus: bus, client: client, server: server, poC: poC, poS: poS}
	t.Cleanup(func() {
		poC.Close()
		poS.Close()
	})
	return p
}

// activate installs servant in the server's root POA and returns its key
func (p *pair) activate(t *testing.T, servant orb.Servant) orb.ObjectKey {
	t.Helper()
	var key orb.ObjectKey
	err := p.server.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		root, err := p.server.RootPOA(ed)
		if err != nil {
			return err
		}
		id, err := root.ActivateObject(ed, servant)
		if err != nil {
			return err
		}
		ref, err := root.IDToReference(ed, id)
		if err != nil {
			return err
		}
		key = ref.Key()
		return nil
	})
	require.NoError(t, err)
	return key
}

// call issues one two-way cross-domain request asking for replySize bytes
func (p *pair) call(t *testing.T, key orb.ObjectKey, replySize uint32) error {
	t.Helper()
	return p.client.RunSync(core.DeadlineIn(5*time.Second), func(ed *core.ExecDomain) error {
		ref, err := p.client.Binder().UnmarshalRemoteReference(ed,
			orb.DomainKey{Kind: orb.DomainKindLocal, ID: 2},
			"IDL:test/Sized:1.0", key, orb.ORBTypeNucleus, 0)
		if err != nil {
			return err
		}
		req, err := ref.CreateRequest(ed, "reply", true)
		if err != nil {
			return err
		}
		req.Out().WriteULong(replySize)
		if err := req.Invoke(ed); err != nil {
			return err
		}
		for i := uint32(0); i < replySize; i++ {
			b, err := req.In().ReadOctet()
			if err != nil {
				return err
			}
			if b != byte(i) {
				return corba.MARSHAL(0, corba.CompletionStatusNo)
			}
		}
		return nil
	})
}

// TestImmediateReplyFastPath is scenario S4: a short reply rides the
// REPLY_IMMEDIATE control message with no shared-memory allocation in the
// caller's space; a long reply allocates a stream block there.
func TestImmediateReplyFastPath(t *testing.T) {
	p := newPair(t)
	key := p.activate(t, &sizedServant{})

	clientSpace := p.poC.Space()
	before := clientSpace.AllocCount()

	// 8-byte reply: fits the immediate budget.
	require.NoError(t, p.call(t, key, 8))
	assert.Equal(t, before, clientSpace.AllocCount(),
		"immediate reply must not touch shared memory")

	// 48-byte reply: exceeds the budget, takes the shared-memory path.
	require.NoError(t, p.call(t, key, 48))
	assert.Greater(t, clientSpace.AllocCount(), before,
		"oversized reply must allocate a stream block")
}

// TestImmediateReplyBoundary pins both sides of the MAX_DATA_SIZE edge.
// The GIOP reply framing ahead of the body is 24 bytes, so a 16-byte body
// lands exactly on the immediate budget.
func TestImmediateReplyBoundary(t *testing.T) {
	p := newPair(t)
	key := p.activate(t, &sizedServant{})
	clientSpace := p.poC.Space()

	const replyFraming = 24

	before := clientSpace.AllocCount()
	require.NoError(t, p.call(t, key, MaxImmediateData-replyFraming))
	assert.Equal(t, before, clientSpace.AllocCount(), "exact fit stays immediate")

	require.NoError(t, p.call(t, key, MaxImmediateData-replyFraming+1))
	assert.Equal(t, before+1, clientSpace.AllocCount(), "one byte more switches paths")
}

func TestCrossDomainSystemException(t *testing.T) {
	p := newPair(t)
	key := p.activate(t, &sizedServant{})
	// Empty parameters make the servant's ReadULong fail with MARSHAL,
	// which travels back on the compact exception path.
	err := p.client.RunSync(core.DeadlineIn(5*time.Second), func(ed *core.ExecDomain) error {
		ref, err := p.client.Binder().UnmarshalRemoteReference(ed,
			orb.DomainKey{Kind: orb.DomainKindLocal, ID: 2},
			"IDL:test/Sized:1.0", key, orb.ORBTypeNucleus, 0)
		if err != nil {
			return err
		}
		req, err := ref.CreateRequest(ed, "reply", true)
		if err != nil {
			return err
		}
		return req.Invoke(ed)
	})
	require.Error(t, err)
	se, ok := corba.AsSystemException(err)
	require.True(t, ok)
	assert.Equal(t, "MARSHAL", se.Name())
}

func TestCrossDomainUnknownKey(t *testing.T) {
	p := newPair(t)
	bogus := orb.ObjectKey{ObjectID: orb.ObjectID("no-such-object")}
	err := p.call(t, bogus, 4)
	require.Error(t, err)
	se, ok := corba.AsSystemException(err)
	require.True(t, ok)
	assert.Equal(t, "OBJECT_NOT_EXIST", se.Name())
}
