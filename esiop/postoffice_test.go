package esiop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auriga-os/nucleus/corba"
	"github.com/auriga-os/nucleus/core"
	"github.com/auriga-os/nucleus/orb"
)

func TestControlMessageRoundTrip(t *testing.T) {
	cm := &ControlMessage{
		Type:         MsgReplyImmediate,
		Sender:       7,
		ClientDomain: 3,
		RequestID:    99,
		Ptr:          0xDEADBEEF,
		Size:         1234,
		ExcCode:      ExcCodeFor("TRANSIENT"),
		ExcMinor:     2,
		Completed:    1,
		DataLen:      3,
	}
	copy(cm.Data[:], []byte{9, 8, 7})

	got, err := DecodeControlMessage(cm.Encode())
	require.NoError(t, err)
	assert.Equal(t, cm.Type, got.Type)
	assert.Equal(t, cm.Sender, got.Sender)
	assert.Equal(t, cm.ClientDomain, got.ClientDomain)
	assert.Equal(t, cm.RequestID, got.RequestID)
	assert.Equal(t, cm.Ptr, got.Ptr)
	assert.Equal(t, cm.Size, got.Size)
	assert.Equal(t, "TRANSIENT", ExcNameFor(got.ExcCode))
	assert.Equal(t, uint32(3), got.DataLen)
	assert.Equal(t, []byte{9, 8, 7}, got.Data[:3])
}

func TestControlMessageTruncated(t *testing.T) {
	_, err := DecodeControlMessage(make([]byte, 10))
	require.Error(t, err)
}

// cancelAwareServant completes only once its request observes the cancel
type cancelAwareServant struct{}

func (s *cancelAwareServant) PrimaryInterface() string { return "IDL:test/CancelAware:1.0" }

func (s *cancelAwareServant) Invoke(call *orb.ServerCall) error {
	deadline := time.Now().Add(2 * time.Second)
	for !call.Request.Cancelled() {
		if time.Now().After(deadline) {
			return nil // cancel never arrived; reply normally
		}
		time.Sleep(time.Millisecond)
	}
	return corba.TRANSIENT(corba.MinorCancelled, corba.CompletionStatusNo)
}

// TestCancelBeforeRequestTombstone sends the cancel ahead of its request;
// the tombstone must cancel the request on arrival.
func TestCancelBeforeRequestTombstone(t *testing.T) {
	p := newPair(t)
	key := p.activate(t, &cancelAwareServant{})

	// A cancel for a request the server has not seen yet.
	requestID := uint32(12345)
	cancel := &ControlMessage{
		Type:      MsgCancelRequest,
		Sender:    1,
		RequestID: requestID,
	}
	require.NoError(t, p.bus.Send(2, cancel.Encode()))

	require.Eventually(t, func() bool {
		p.poS.mu.Lock()
		defer p.poS.mu.Unlock()
		e, ok := p.poS.incoming[incomingKey{domain: 1, request: requestID}]
		return ok && e.tombstone
	}, time.Second, time.Millisecond, "cancel must be kept as a tombstone")

	// Now the request arrives; it must be cancelled immediately.
	err := p.client.RunSync(core.DeadlineIn(5*time.Second), func(ed *core.ExecDomain) error {
		ref, err := p.client.Binder().UnmarshalRemoteReference(ed,
			orb.DomainKey{Kind: orb.DomainKindLocal, ID: 2},
			"IDL:test/CancelAware:1.0", key, orb.ORBTypeNucleus, 0)
		if err != nil {
			return err
		}
		// Burn request ids until we hit the tombstoned one.
		d := ref.Domain()
		for d.NextRequestID() < requestID-1 {
		}
		req, err := ref.CreateRequest(ed, "op", true)
		if err != nil {
			return err
		}
		if got := req.(*orb.RequestGIOP).RequestID(); got != requestID {
			t.Logf("unexpected request id %d", got)
		}
		return req.Invoke(ed)
	})
	require.Error(t, err)
	se, ok := corba.AsSystemException(err)
	require.True(t, ok)
	assert.Equal(t, "TRANSIENT", se.Name())
}

// TestDuplicateRequestDropped checks the per-entry bookkeeping: a second
// arrival of the same (client, request id) is ignored.
func TestDuplicateRequestDropped(t *testing.T) {
	p := newPair(t)
	key := p.activate(t, &sizedServant{})

	// First call consumes an id and completes normally.
	require.NoError(t, p.call(t, key, 4))

	// Replay a REQUEST control message with a stale pointer and an id the
	// server has already seen live. With the entry gone after completion
	// this is a fresh id, so instead pin an entry manually.
	p.poS.mu.Lock()
	p.poS.incoming[incomingKey{domain: 1, request: 777}] = &incomingEntry{at: core.Now()}
	p.poS.mu.Unlock()

	replay := &ControlMessage{
		Type:         MsgRequest,
		Sender:       1,
		ClientDomain: 1,
		RequestID:    777,
		Ptr:          0, // reads as an empty stream; the duplicate is dropped before parsing
	}
	// Were it not dropped, the empty body would fail to parse and the
	// pinned entry would be removed.
	require.NoError(t, p.bus.Send(2, replay.Encode()))
	time.Sleep(20 * time.Millisecond)

	p.poS.mu.Lock()
	e := p.poS.incoming[incomingKey{domain: 1, request: 777}]
	p.poS.mu.Unlock()
	require.NotNil(t, e)
	assert.Nil(t, e.req, "duplicate must not re-dispatch")
}

// TestPeerDeathFailsPending detaches the server domain while a request is
// in flight; the caller gets COMM_FAILURE.
func TestPeerDeathFailsPending(t *testing.T) {
	p := newPair(t)
	block := core.NewEvent()
	key := p.activate(t, &blockingServant{block: block})

	got := make(chan error, 1)
	go func() {
		got <- p.client.RunSync(core.DeadlineIn(30*time.Second), func(ed *core.ExecDomain) error {
			ref, err := p.client.Binder().UnmarshalRemoteReference(ed,
				orb.DomainKey{Kind: orb.DomainKindLocal, ID: 2},
				"IDL:test/Blocking:1.0", key, orb.ORBTypeNucleus, 0)
			if err != nil {
				return err
			}
			req, err := ref.CreateRequest(ed, "hang", true)
			if err != nil {
				return err
			}
			return req.Invoke(ed)
		})
	}()

	// Wait until the request is pending at the client, then kill the peer.
	require.Eventually(t, func() bool {
		d := p.poC.peer(2)
		return d != nil
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	p.poS.Close()

	err := <-got
	require.Error(t, err)
	se, ok := corba.AsSystemException(err)
	require.True(t, ok)
	assert.Equal(t, "COMM_FAILURE", se.Name())
	block.Signal()
}

type blockingServant struct {
	block *core.Event
}

func (s *blockingServant) PrimaryInterface() string { return "IDL:test/Blocking:1.0" }

func (s *blockingServant) Invoke(call *orb.ServerCall) error {
	return s.block.Wait(call.ED, core.DeadlineIn(10*time.Second))
}

// TestDGCHeartbeatFlush drives the pacer's path by hand: queued
// confirmations travel to the peer as one DGC control message, and a
// second immediate flush is rate-limited.
func TestDGCHeartbeatFlush(t *testing.T) {
	p := newPair(t)

	serverSpace, ok := p.bus.Space(2)
	require.True(t, ok)

	err := p.client.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		d, err := p.client.Binder().GetDomain(ed, orb.DomainKey{Kind: orb.DomainKindLocal, ID: 2})
		require.NoError(t, err)
		d.ConfirmDGCReferences([]orb.ObjectKey{
			{ObjectID: orb.ObjectID("k1")},
			{ObjectID: orb.ObjectID("k2-long-form")},
		})
		d.FlushHeartbeat()
		return nil
	})
	require.NoError(t, err)

	// The batch was written into the peer's space; the post office reads
	// and releases the stream.
	require.Eventually(t, func() bool {
		return serverSpace.AllocCount() > 0 && serverSpace.BlockCount() == 0
	}, time.Second, time.Millisecond)

	// Immediately after a flush the schedule is not due again.
	allocs := serverSpace.AllocCount()
	err = p.client.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		d, err := p.client.Binder().GetDomain(ed, orb.DomainKey{Kind: orb.DomainKindLocal, ID: 2})
		require.NoError(t, err)
		d.ConfirmDGCReferences([]orb.ObjectKey{{ObjectID: orb.ObjectID("k3")}})
		d.FlushHeartbeat()
		return nil
	})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, allocs, serverSpace.AllocCount(), "second flush is rate-limited")
}

func TestLocateObject(t *testing.T) {
	p := newPair(t)
	key := p.activate(t, &sizedServant{})

	err := p.client.RunSync(core.DeadlineIn(5*time.Second), func(ed *core.ExecDomain) error {
		d, err := p.client.Binder().GetDomain(ed, orb.DomainKey{Kind: orb.DomainKindLocal, ID: 2})
		require.NoError(t, err)
		local := d.(*DomainLocal)

		here, err := local.Locate(ed, key)
		require.NoError(t, err)
		assert.True(t, here)

		gone, err := local.Locate(ed, orb.ObjectKey{ObjectID: orb.ObjectID("missing-key")})
		require.NoError(t, err)
		assert.False(t, gone)
		return nil
	})
	require.NoError(t, err)
}
