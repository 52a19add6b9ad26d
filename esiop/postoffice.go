package esiop

import (
	"sync"

	"go.uber.org/zap"

	"github.com/auriga-os/nucleus/corba"
	"github.com/auriga-os/nucleus/core"
	"github.com/auriga-os/nucleus/orb"
)

// Bus is the host IPC channel between protection domains: one mailbox and
// one shareable address space per attached domain. The platform port
// would back this with real shared memory and a kernel queue.
type Bus struct {
	mu       sync.Mutex
	boxes    map[uint32]chan []byte
	spaces   map[uint32]*AddressSpace
	watchers []func(domainID uint32)
}

// NewBus creates an empty host bus
func NewBus() *Bus {
	return &Bus{
		boxes:  make(map[uint32]chan []byte),
		spaces: make(map[uint32]*AddressSpace),
	}
}

// Attach registers a domain and returns its address space and mailbox
func (b *Bus) Attach(domainID uint32) (*AddressSpace, chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.boxes[domainID]; dup {
		return nil, nil, corba.INITIALIZE(0, corba.CompletionStatusNo)
	}
	space := NewAddressSpace()
	box := make(chan []byte, 256)
	b.boxes[domainID] = box
	b.spaces[domainID] = space
	return space, box, nil
}

// Detach removes a domain; peers observe its death
func (b *Bus) Detach(domainID uint32) {
	b.mu.Lock()
	box, ok := b.boxes[domainID]
	delete(b.boxes, domainID)
	delete(b.spaces, domainID)
	watchers := append([]func(uint32){}, b.watchers...)
	b.mu.Unlock()
	if !ok {
		return
	}
	close(box)
	for _, w := range watchers {
		w(domainID)
	}
}

// OnDetach registers a peer-death watcher
func (b *Bus) OnDetach(f func(domainID uint32)) {
	b.mu.Lock()
	b.watchers = append(b.watchers, f)
	b.mu.Unlock()
}

// Space returns a domain's address space
func (b *Bus) Space(domainID uint32) (*AddressSpace, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.spaces[domainID]
	return s, ok
}

// Send delivers a control message to a domain's mailbox
func (b *Bus) Send(to uint32, msg []byte) error {
	b.mu.Lock()
	box, ok := b.boxes[to]
	b.mu.Unlock()
	if !ok {
		return corba.COMM_FAILURE(0, corba.CompletionStatusMaybe)
	}
	defer func() { recover() }() // peer detached while sending
	box <- msg
	return nil
}

type incomingKey struct {
	domain  uint32
	request uint32
}

type incomingEntry struct {
	req       *orb.RequestIn
	tombstone bool // cancel arrived before its request
	at        core.Deadline
}

// PostOffice is one domain's end of the ESIOP transport: it receives the
// fixed-size control messages, reads request and reply streams out of its
// address space and routes them into the object plane.
type PostOffice struct {
	orb *orb.ORB
	log *zap.Logger
	bus *Bus

	domainID uint32
	space    *AddressSpace
	inbox    chan []byte

	mu       sync.Mutex
	peers    map[uint32]*DomainLocal
	incoming map[incomingKey]*incomingEntry

	done chan struct{}
}

// NewPostOffice attaches the ORB to the host bus and starts the receive
// loop. It registers itself as the local-domain factory with the binder.
func NewPostOffice(o *orb.ORB, bus *Bus, log *zap.Logger) (*PostOffice, error) {
	if log == nil {
		log = zap.NewNop()
	}
	space, inbox, err := bus.Attach(o.LocalDomainID())
	if err != nil {
		return nil, err
	}
	po := &PostOffice{
		orb:      o,
		log:      log,
		bus:      bus,
		domainID: o.LocalDomainID(),
		space:    space,
		inbox:    inbox,
		peers:    make(map[uint32]*DomainLocal),
		incoming: make(map[incomingKey]*incomingEntry),
		done:     make(chan struct{}),
	}
	o.Binder().RegisterDomainFactory(orb.DomainKindLocal, po.domainFactory)
	bus.OnDetach(po.peerDied)
	go po.run()
	return po, nil
}

// Close detaches from the bus
func (po *PostOffice) Close() {
	select {
	case <-po.done:
		return
	default:
	}
	close(po.done)
	po.bus.Detach(po.domainID)
}

// Space returns this domain's address space
func (po *PostOffice) Space() *AddressSpace { return po.space }

// domainFactory builds the peer handle used by the binder's domain map
func (po *PostOffice) domainFactory(o *orb.ORB, key orb.DomainKey) (orb.Domain, error) {
	peerSpace, ok := po.bus.Space(key.ID)
	if !ok {
		return nil, corba.TRANSIENT(0, corba.CompletionStatusNo)
	}
	d := NewDomainLocal(po, key, NewSameWidthLocal(peerSpace))
	po.mu.Lock()
	po.peers[key.ID] = d
	po.mu.Unlock()
	return d, nil
}

func (po *PostOffice) peer(domainID uint32) *DomainLocal {
	po.mu.Lock()
	defer po.mu.Unlock()
	return po.peers[domainID]
}

func (po *PostOffice) peerDied(domainID uint32) {
	po.mu.Lock()
	d := po.peers[domainID]
	delete(po.peers, domainID)
	po.mu.Unlock()
	if d != nil {
		d.FailAll(corba.COMM_FAILURE(0, corba.CompletionStatusMaybe))
	}
}

func (po *PostOffice) run() {
	for {
		select {
		case <-po.done:
			return
		case raw, ok := <-po.inbox:
			if !ok {
				return
			}
			cm, err := DecodeControlMessage(raw)
			if err != nil {
				po.log.Warn("bad control message", zap.Error(err))
				continue
			}
			po.handle(cm)
		}
	}
}

func (po *PostOffice) handle(cm *ControlMessage) {
	switch cm.Type {
	case MsgRequest:
		po.handleRequest(cm)
	case MsgReply:
		data, err := ReadStream(po.space, cm.Ptr)
		if d := po.peer(cm.Sender); d != nil {
			if req, ok := d.TakePending(cm.RequestID); ok {
				if err != nil {
					req.CompleteWithError(err)
				} else {
					req.CompleteWithReply(data)
				}
			}
		}
	case MsgReplyImmediate:
		if d := po.peer(cm.Sender); d != nil {
			if req, ok := d.TakePending(cm.RequestID); ok {
				req.CompleteWithReply(append([]byte{}, cm.Data[:cm.DataLen]...))
			}
		}
	case MsgReplySystemException:
		if d := po.peer(cm.Sender); d != nil {
			if req, ok := d.TakePending(cm.RequestID); ok {
				req.CompleteWithSystemException(ExcNameFor(cm.ExcCode), cm.ExcMinor,
					corba.CompletionStatus(cm.Completed))
			}
		}
	case MsgCancelRequest:
		po.handleCancel(cm)
	case MsgLocateRequest:
		po.handleLocate(cm)
	case MsgLocateReply:
		if d := po.peer(cm.Sender); d != nil {
			d.completeLocate(cm.RequestID, cm.ExcCode)
		}
	case MsgDGCConfirm, MsgDGCRelease:
		// Heartbeat traffic; the peer's bookkeeping is authoritative.
		if cm.Ptr != 0 {
			if data, err := ReadStream(po.space, cm.Ptr); err == nil {
				po.log.Debug("dgc message", zap.Uint32("from", cm.Sender),
					zap.Int("bytes", len(data)))
			}
		}
	default:
		po.log.Warn("unknown control message type", zap.Uint8("type", byte(cm.Type)))
	}
}

// handleRequest reads the GIOP request out of shared memory and dispatches
// it. Duplicate arrivals are dropped; a tombstoned cancel that arrived
// first cancels the request immediately.
func (po *PostOffice) handleRequest(cm *ControlMessage) {
	data, err := ReadStream(po.space, cm.Ptr)
	if err != nil {
		po.log.Warn("request stream read failed", zap.Error(err))
		return
	}
	key := incomingKey{domain: cm.ClientDomain, request: cm.RequestID}

	po.mu.Lock()
	po.pruneIncomingLocked()
	entry, exists := po.incoming[key]
	if exists && !entry.tombstone {
		po.mu.Unlock()
		po.log.Debug("duplicate request dropped",
			zap.Uint32("client", cm.ClientDomain), zap.Uint32("request", cm.RequestID))
		return
	}
	cancelled := exists && entry.tombstone
	po.incoming[key] = &incomingEntry{at: core.Now()}
	po.mu.Unlock()

	// The reply travels back to the client domain through its helper.
	d := po.peer(cm.ClientDomain)
	if d == nil {
		peerSpace, ok := po.bus.Space(cm.ClientDomain)
		if !ok {
			return
		}
		d = NewDomainLocal(po, orb.DomainKey{Kind: orb.DomainKindLocal, ID: cm.ClientDomain},
			NewSameWidthLocal(peerSpace))
		po.mu.Lock()
		po.peers[cm.ClientDomain] = d
		po.mu.Unlock()
	}

	responder := &localResponder{po: po, client: cm.ClientDomain, key: key}
	req, err := po.orb.HandleIncomingRequest(d, data, responder)
	if err != nil {
		po.log.Warn("incoming request rejected", zap.Error(err))
		po.dropIncoming(key)
		return
	}
	if req == nil {
		po.dropIncoming(key)
		return
	}
	po.mu.Lock()
	po.incoming[key] = &incomingEntry{req: req, at: core.Now()}
	po.mu.Unlock()
	if cancelled {
		req.Cancel()
	}
}

// handleCancel routes a cancel to its request. A cancel arriving before
// its request is kept as a tombstone until the request shows up.
func (po *PostOffice) handleCancel(cm *ControlMessage) {
	key := incomingKey{domain: cm.Sender, request: cm.RequestID}
	po.mu.Lock()
	entry, ok := po.incoming[key]
	if !ok {
		po.incoming[key] = &incomingEntry{tombstone: true, at: core.Now()}
		po.mu.Unlock()
		return
	}
	po.mu.Unlock()
	if entry.req != nil {
		entry.req.Cancel()
	}
}

func (po *PostOffice) handleLocate(cm *ControlMessage) {
	data, err := ReadStream(po.space, cm.Ptr)
	status := uint32(0) // UNKNOWN_OBJECT
	if err == nil {
		if key, err := orb.DecodeObjectKey(data); err == nil {
			lookupErr := po.orb.RunSync(core.DeadlineIn(core.CrossDomainDeadline),
				func(ed *core.ExecDomain) error {
					_, err := po.orb.LookupLocal(ed, key)
					return err
				})
			if lookupErr == nil {
				status = 1 // OBJECT_HERE
			}
		}
	}
	reply := &ControlMessage{
		Type:      MsgLocateReply,
		Sender:    po.domainID,
		RequestID: cm.RequestID,
		ExcCode:   status,
	}
	_ = po.bus.Send(cm.Sender, reply.Encode())
}

func (po *PostOffice) dropIncoming(key incomingKey) {
	po.mu.Lock()
	delete(po.incoming, key)
	po.mu.Unlock()
}

// pruneIncomingLocked expires stale entries and tombstones
func (po *PostOffice) pruneIncomingLocked() {
	cutoff := core.Now() - core.Deadline(60*1e9)
	for k, e := range po.incoming {
		if e.at < cutoff {
			delete(po.incoming, k)
		}
	}
}

// localResponder sends replies back to the client domain, choosing the
// immediate path when the whole GIOP reply fits one control message.
type localResponder struct {
	po     *PostOffice
	client uint32
	key    incomingKey
}

// SendReply transmits the reply, immediate when it fits
func (r *localResponder) SendReply(requestID uint32, message []byte) error {
	defer r.po.dropIncoming(r.key)
	if len(message) <= MaxImmediateData {
		cm := &ControlMessage{
			Type:      MsgReplyImmediate,
			Sender:    r.po.domainID,
			RequestID: requestID,
			DataLen:   uint32(len(message)),
		}
		copy(cm.Data[:], message)
		return r.po.bus.Send(r.client, cm.Encode())
	}
	d := r.po.peer(r.client)
	if d == nil {
		return corba.COMM_FAILURE(0, corba.CompletionStatusMaybe)
	}
	stream := NewStreamOutSM(d.other)
	if err := stream.Write(message); err != nil {
		return err
	}
	head, size, err := stream.Close()
	if err != nil {
		return err
	}
	cm := &ControlMessage{
		Type:      MsgReply,
		Sender:    r.po.domainID,
		RequestID: requestID,
		Ptr:       head,
		Size:      size,
	}
	return r.po.bus.Send(r.client, cm.Encode())
}

// SendSystemException transmits the compact exception reply: no shared
// memory is involved.
func (r *localResponder) SendSystemException(requestID uint32, ex *corba.SystemException) error {
	defer r.po.dropIncoming(r.key)
	cm := &ControlMessage{
		Type:      MsgReplySystemException,
		Sender:    r.po.domainID,
		RequestID: requestID,
		ExcCode:   ExcCodeFor(ex.Name()),
		ExcMinor:  ex.Minor(),
		Completed: uint32(ex.Completed()),
	}
	return r.po.bus.Send(r.client, cm.Encode())
}
