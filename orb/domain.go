package orb

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/auriga-os/nucleus/corba"
	"github.com/auriga-os/nucleus/core"
)

// DGC pacing. Release messages are rate-limited by the per-reference
// earliest-release window; confirmations batch on the heartbeat.
const (
	DGCHeartbeatInterval = 5 * time.Second
	DGCReleaseWindow     = 1 * time.Second
)

// dgcConfirmOperation names the oneway request carrying IIOP heartbeat
// batches between peers.
const dgcConfirmOperation = "_dgc_confirm"

// PlatformSizes holds the peer's pointer and size widths discovered at
// handshake.
type PlatformSizes struct {
	PointerBits int
	SizeBits    int
}

// LocalPlatformSizes returns this process's widths
func LocalPlatformSizes() PlatformSizes {
	return PlatformSizes{PointerBits: 64, SizeBits: 64}
}

// Domain is a peer protection domain: same-host over shared memory or
// cross-host over IIOP. It owns the request-id counter, the pending-reply
// map and the DGC heartbeat schedule for references held on the peer.
type Domain interface {
	Key() DomainKey
	NextRequestID() uint32

	// SendRequest transmits a marshaled request; requests expecting a
	// reply must already be registered pending.
	SendRequest(ed *core.ExecDomain, req *RequestGIOP) error
	// SendCancel transmits a cancel for an outstanding request
	SendCancel(requestID uint32)

	// RegisterPending and TakePending maintain the reply-correlation map
	RegisterPending(req *RequestGIOP) error
	TakePending(id uint32) (*RequestGIOP, bool)

	PlatformSizes() PlatformSizes

	// ConfirmDGCReferences batches liveness confirmations for references
	// observed during request marshaling.
	ConfirmDGCReferences(keys []ObjectKey)
	// FlushHeartbeat transmits the batched confirmations when the
	// heartbeat schedule says one is due. The ORB's pacer calls this on
	// every live domain.
	FlushHeartbeat()
	// ReleaseDGCReference reports that no local references remain
	ReleaseDGCReference(key ObjectKey)

	// Close fails all pending requests; a nil err means orderly shutdown.
	Close(err error)
}

// DomainBase carries the bookkeeping shared by the transport-specific
// domain implementations.
type DomainBase struct {
	key   DomainKey
	log   *zap.Logger
	sizes PlatformSizes

	requestID atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]*RequestGIOP
	closed  bool

	dgcMu         sync.Mutex
	confirmQueue  map[string]ObjectKey
	lastHeartbeat core.Deadline
}

// InitDomainBase prepares the embedded base
func (d *DomainBase) InitDomainBase(key DomainKey, log *zap.Logger, sizes PlatformSizes) {
	if log == nil {
		log = zap.NewNop()
	}
	d.key = key
	d.log = log
	d.sizes = sizes
	d.pending = make(map[uint32]*RequestGIOP)
	d.confirmQueue = make(map[string]ObjectKey)
	// Backdate the schedule so the first batch flushes on the next pacer
	// tick; later batches are rate-limited to the heartbeat interval.
	d.lastHeartbeat = core.Now() - core.Deadline(DGCHeartbeatInterval)
}

// Key returns the canonical peer key
func (d *DomainBase) Key() DomainKey { return d.key }

// PlatformSizes returns the peer widths negotiated at handshake
func (d *DomainBase) PlatformSizes() PlatformSizes { return d.sizes }

// NextRequestID allocates a request id
func (d *DomainBase) NextRequestID() uint32 {
	return d.requestID.Add(1)
}

// RegisterPending records a request awaiting its reply
func (d *DomainBase) RegisterPending(req *RequestGIOP) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return corba.COMM_FAILURE(0, corba.CompletionStatusNo)
	}
	d.pending[req.id] = req
	return nil
}

// TakePending removes and returns the request for a reply id
func (d *DomainBase) TakePending(id uint32) (*RequestGIOP, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	req, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	return req, ok
}

// FailAll completes every pending request with err, used when the peer
// dies.
func (d *DomainBase) FailAll(err error) {
	d.mu.Lock()
	d.closed = true
	pending := d.pending
	d.pending = make(map[uint32]*RequestGIOP)
	d.mu.Unlock()
	if err == nil {
		err = corba.COMM_FAILURE(0, corba.CompletionStatusMaybe)
	}
	for _, req := range pending {
		req.fail(err)
	}
}

// ConfirmDGCReferences queues liveness confirmations for the heartbeat
func (d *DomainBase) ConfirmDGCReferences(keys []ObjectKey) {
	d.dgcMu.Lock()
	defer d.dgcMu.Unlock()
	for _, k := range keys {
		d.confirmQueue[k.Canonical()] = k
	}
}

// HeartbeatDue reports whether a DGC heartbeat should be sent, and if so
// returns the batch of keys to confirm.
func (d *DomainBase) HeartbeatDue() ([]ObjectKey, bool) {
	d.dgcMu.Lock()
	defer d.dgcMu.Unlock()
	if len(d.confirmQueue) == 0 {
		return nil, false
	}
	if core.Now() < d.lastHeartbeat+core.Deadline(DGCHeartbeatInterval) {
		return nil, false
	}
	batch := make([]ObjectKey, 0, len(d.confirmQueue))
	for _, k := range d.confirmQueue {
		batch = append(batch, k)
	}
	d.confirmQueue = make(map[string]ObjectKey)
	d.lastHeartbeat = core.Now()
	return batch, true
}
