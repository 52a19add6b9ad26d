package esiop

import (
	"sync"

	"github.com/auriga-os/nucleus/core"
	"github.com/auriga-os/nucleus/orb"
)

// DomainLocal is a same-host peer protection domain reached over the
// shared-memory transport.
type DomainLocal struct {
	orb.DomainBase

	po    *PostOffice
	other OtherDomain

	locMu      sync.Mutex
	locPending map[uint32]*locateWaiter
}

type locateWaiter struct {
	status uint32
	ev     *core.Event
}

// NewDomainLocal creates the peer handle
func NewDomainLocal(po *PostOffice, key orb.DomainKey, other OtherDomain) *DomainLocal {
	d := &DomainLocal{
		po:         po,
		other:      other,
		locPending: make(map[uint32]*locateWaiter),
	}
	d.InitDomainBase(key, po.log, orb.LocalPlatformSizes())
	return d
}

// Other returns the peer helper
func (d *DomainLocal) Other() OtherDomain { return d.other }

// Close fails all pending requests; used on peer death and at TERMINATE
func (d *DomainLocal) Close(err error) {
	d.FailAll(err)
}

// SendRequest writes the marshaled GIOP request into the peer's address
// space and posts the REQUEST control message.
func (d *DomainLocal) SendRequest(ed *core.ExecDomain, req *orb.RequestGIOP) error {
	message := req.MarshalMessage()
	stream := NewStreamOutSM(d.other)
	if err := stream.Write(message); err != nil {
		return err
	}
	head, size, err := stream.Close()
	if err != nil {
		return err
	}
	cm := &ControlMessage{
		Type:         MsgRequest,
		Sender:       d.po.domainID,
		ClientDomain: d.po.domainID,
		RequestID:    req.RequestID(),
		Ptr:          head,
		Size:         size,
	}
	return d.po.bus.Send(d.Key().ID, cm.Encode())
}

// SendCancel posts a CANCEL_REQUEST control message
func (d *DomainLocal) SendCancel(requestID uint32) {
	cm := &ControlMessage{
		Type:      MsgCancelRequest,
		Sender:    d.po.domainID,
		RequestID: requestID,
	}
	_ = d.po.bus.Send(d.Key().ID, cm.Encode())
}

// Locate asks the peer whether it hosts the object key
func (d *DomainLocal) Locate(ed *core.ExecDomain, key orb.ObjectKey) (bool, error) {
	id := d.NextRequestID()
	w := &locateWaiter{ev: core.NewEvent()}
	d.locMu.Lock()
	d.locPending[id] = w
	d.locMu.Unlock()
	defer func() {
		d.locMu.Lock()
		delete(d.locPending, id)
		d.locMu.Unlock()
	}()

	stream := NewStreamOutSM(d.other)
	if err := stream.Write(key.Encode()); err != nil {
		return false, err
	}
	head, size, err := stream.Close()
	if err != nil {
		return false, err
	}
	cm := &ControlMessage{
		Type:      MsgLocateRequest,
		Sender:    d.po.domainID,
		RequestID: id,
		Ptr:       head,
		Size:      size,
	}
	if err := d.po.bus.Send(d.Key().ID, cm.Encode()); err != nil {
		return false, err
	}
	if err := w.ev.Wait(ed, ed.Deadline()); err != nil {
		return false, err
	}
	return w.status == 1, nil
}

func (d *DomainLocal) completeLocate(requestID, status uint32) {
	d.locMu.Lock()
	w, ok := d.locPending[requestID]
	d.locMu.Unlock()
	if ok {
		w.status = status
		w.ev.Signal()
	}
}

// ReleaseDGCReference tells the peer no local holders remain
func (d *DomainLocal) ReleaseDGCReference(key orb.ObjectKey) {
	d.sendDGC(MsgDGCRelease, [][]byte{key.Encode()})
}

// FlushHeartbeat sends the batched DGC confirmations when due
func (d *DomainLocal) FlushHeartbeat() {
	batch, due := d.HeartbeatDue()
	if !due {
		return
	}
	encoded := make([][]byte, len(batch))
	for i, k := range batch {
		encoded[i] = k.Encode()
	}
	d.sendDGC(MsgDGCConfirm, encoded)
}

func (d *DomainLocal) sendDGC(t MsgType, keys [][]byte) {
	stream := NewStreamOutSM(d.other)
	for _, k := range keys {
		var lenPrefix [4]byte
		lenPrefix[0] = byte(len(k))
		lenPrefix[1] = byte(len(k) >> 8)
		lenPrefix[2] = byte(len(k) >> 16)
		lenPrefix[3] = byte(len(k) >> 24)
		if err := stream.Write(lenPrefix[:]); err != nil {
			return
		}
		if err := stream.Write(k); err != nil {
			return
		}
	}
	head, size, err := stream.Close()
	if err != nil {
		return
	}
	cm := &ControlMessage{
		Type:   t,
		Sender: d.po.domainID,
		Ptr:    head,
		Size:   size,
	}
	_ = d.po.bus.Send(d.Key().ID, cm.Encode())
}
