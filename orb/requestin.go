package orb

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/auriga-os/nucleus/corba"
	"github.com/auriga-os/nucleus/core"
	"github.com/auriga-os/nucleus/giop"
)

// Responder is the transport-side reply channel handed to an incoming
// request. The ESIOP transport picks between the immediate and the
// shared-memory reply path; IIOP writes to the connection.
type Responder interface {
	// SendReply transmits a complete GIOP reply message
	SendReply(requestID uint32, message []byte) error
	// SendSystemException transmits the compact system-exception reply
	SendSystemException(requestID uint32, ex *corba.SystemException) error
}

// SecurityResolver maps client-context ids from the security service
// context to credential handles. A nil resolver rejects authenticated
// requests.
type SecurityResolver func(contextID uint32) (core.SecurityContext, bool)

// RequestIn is the server-side request: it parses the GIOP request
// message, applies the deadline and security service contexts to its
// execution domain, and hands itself to the root POA for dispatch.
type RequestIn struct {
	orb    *ORB
	domain Domain

	hdr   *giop.RequestHeader
	key   ObjectKey
	order binary.ByteOrder

	in  *giop.CDRUnmarshaller
	out *giop.CDRMarshaller

	ex        error
	succeeded bool
	cancelled atomic.Bool

	mem *core.MemContext
	ed  *core.ExecDomain

	deadline  core.Deadline
	security  core.SecurityContext
	responder Responder
}

// Operation returns the requested operation
func (r *RequestIn) Operation() string { return r.hdr.Operation }

// ResponseExpected reports whether a reply must be produced; oneway
// requests skip reply allocation entirely.
func (r *RequestIn) ResponseExpected() bool { return r.hdr.ResponseExpected() }

// ObjectKey returns the decoded target key
func (r *RequestIn) ObjectKey() ObjectKey { return r.key }

// In returns the parameter stream
func (r *RequestIn) In() *giop.CDRUnmarshaller { return r.in }

// Out returns the reply body stream
func (r *RequestIn) Out() *giop.CDRMarshaller { return r.out }

// Memory returns the captured memory context
func (r *RequestIn) Memory() *core.MemContext { return r.mem }

// WriteObject marshals a reference into the reply
func (r *RequestIn) WriteObject(obj Object) error {
	switch ref := obj.(type) {
	case nil:
		return NewIOR("").Write(r.out)
	case *ReferenceLocal:
		return ref.WriteObjectRef(r.out)
	case *ReferenceRemote:
		return ref.WriteObjectRef(r.out)
	}
	return badParam(0)
}

// ReadObject unmarshals a reference from the parameters
func (r *RequestIn) ReadObject() (Object, error) {
	return readObjectRef(r.orb, r.ed, r.in)
}

// Invoke is the caller-side entry and is invalid on an incoming request
func (r *RequestIn) Invoke(ed *core.ExecDomain) error {
	return badInvOrder(0)
}

// Success marks the operation complete without exception
func (r *RequestIn) Success() { r.succeeded = true }

// SetException records the outcome exception
func (r *RequestIn) SetException(err error) {
	if r.ex == nil {
		r.ex = err
	}
}

// GetException returns the outcome exception
func (r *RequestIn) GetException() error { return r.ex }

// Cancel flips the cancelled flag; observed at the next suspension point
func (r *RequestIn) Cancel() { r.cancelled.Store(true) }

// Cancelled reports whether a cancel arrived
func (r *RequestIn) Cancelled() bool { return r.cancelled.Load() }

// PriorityToDeadline converts an RTCorbaPriority value to a deadline:
// higher priorities map to earlier deadlines on a millisecond scale.
func PriorityToDeadline(priority int16) core.Deadline {
	return core.DeadlineIn(time.Duration(32767-int32(priority)) * time.Millisecond)
}

// HandleIncomingRequest parses one incoming GIOP request message and
// schedules its dispatch, returning the in-flight request so the
// transport can route cancels to it. It does not wait for the dispatch to
// complete; the reply travels through the responder.
func (o *ORB) HandleIncomingRequest(domain Domain, data []byte, responder Responder) (*RequestIn, error) {
	u := giop.NewCDRUnmarshaller(data, binary.BigEndian)
	msgHdr, err := u.ReadMessageHeader()
	if err != nil {
		return nil, err
	}
	if msgHdr.MsgType != giop.MsgRequest {
		return nil, marshalErr(0)
	}
	if msgHdr.MsgSize != 0 && int(msgHdr.MsgSize) > u.Remaining() {
		return nil, marshalErr(corba.MinorFewerBytesThanNeeded)
	}
	hdr, err := u.ReadRequestHeader()
	if err != nil {
		return nil, err
	}
	if hdr.Operation == dgcConfirmOperation && !hdr.ResponseExpected() {
		o.consumeDGCConfirm(domain, u)
		return nil, nil
	}
	key, err := DecodeObjectKey(hdr.ObjectKey)
	if err != nil {
		respond(responder, hdr, invObjref())
		return nil, nil
	}

	if err := o.AdmitRequest(); err != nil {
		respond(responder, hdr, corba.ToSystemException(err))
		return nil, nil
	}

	r := &RequestIn{
		orb:       o,
		domain:    domain,
		hdr:       hdr,
		key:       key,
		order:     u.ByteOrder(),
		in:        u,
		responder: responder,
		deadline:  core.InfiniteDeadline,
	}
	if hdr.ResponseExpected() {
		r.out = giop.NewCDRMarshaller(u.ByteOrder())
	}

	if err := r.applyServiceContexts(msgHdr); err != nil {
		o.ReleaseRequest()
		respond(responder, hdr, corba.ToSystemException(err))
		return nil, nil
	}

	ed, err := o.sched.Schedule(core.RunnableFunc(r.serve), nil, nil, r.deadline)
	if err != nil {
		o.ReleaseRequest()
		respond(responder, hdr, corba.ToSystemException(err))
		return nil, nil
	}
	r.ed = ed
	return r, nil
}

// consumeDGCConfirm absorbs a peer's heartbeat batch. The client's
// bookkeeping is authoritative for which references it still holds;
// locally the confirmations refresh the trail only, mirroring the
// shared-memory transport's handling.
func (o *ORB) consumeDGCConfirm(domain Domain, u *giop.CDRUnmarshaller) {
	count, err := u.ReadULong()
	if err != nil {
		return
	}
	for i := uint32(0); i < count; i++ {
		if _, err := u.ReadOctetSequence(); err != nil {
			return
		}
	}
	o.log.Debug("dgc confirmations",
		zap.String("peer", domainKeyString(domain.Key())),
		zap.Uint32("count", count))
}

// applyServiceContexts extracts the deadline, RT-priority and security
// contexts from the request header.
func (r *RequestIn) applyServiceContexts(msgHdr giop.MessageHeader) error {
	order := binary.ByteOrder(binary.BigEndian)
	if msgHdr.IsLittleEndian() {
		order = binary.LittleEndian
	}
	if data, ok := r.hdr.ServiceContexts.Find(giop.SvcESIOPDeadline); ok {
		if len(data) != 8 {
			return marshalErr(0)
		}
		r.deadline = core.Deadline(order.Uint64(data))
	} else if data, ok := r.hdr.ServiceContexts.Find(giop.SvcRTCorbaPriority); ok {
		if len(data) != 2 {
			return marshalErr(0)
		}
		r.deadline = PriorityToDeadline(int16(order.Uint16(data)))
	}
	if data, ok := r.hdr.ServiceContexts.Find(giop.SvcSecurityAttribute); ok {
		if len(data) != 4 {
			return noPermission()
		}
		resolver := r.orb.securityResolver
		if resolver == nil {
			return noPermission()
		}
		sec, ok := resolver(order.Uint32(data))
		if !ok {
			return noPermission()
		}
		r.security = sec
	}
	return nil
}

// serve dispatches the request through the root POA and sends the reply
func (r *RequestIn) serve(ed *core.ExecDomain) {
	defer r.orb.ReleaseRequest()
	r.ed = ed
	r.mem = ed.MemContext().Retain()
	defer r.mem.Release()
	ed.SetSecurity(r.security)

	err := func() error {
		if r.cancelled.Load() {
			return cancelledErr()
		}
		root, err := r.orb.RootPOA(ed)
		if err != nil {
			return err
		}
		return root.DispatchKey(ed, r.key, r)
	}()

	if !r.ResponseExpected() {
		if err != nil {
			r.orb.log.Debug("oneway request failed", zap.String("op", r.Operation()), zap.Error(err))
		}
		return
	}
	if err == nil {
		err = r.ex
	}
	if err == nil {
		r.sendReply(giop.ReplyStatusNoException, nil, r.out.Bytes())
		return
	}
	if ue, ok := err.(*corba.UserException); ok {
		body := giop.NewCDRMarshaller(r.order)
		body.WriteString(ue.ID())
		r.sendReply(giop.ReplyStatusUserException, nil, body.Bytes())
		return
	}
	_ = r.responder.SendSystemException(r.hdr.RequestID, corba.ToSystemException(err))
}

// sendReply frames and transmits a GIOP reply
func (r *RequestIn) sendReply(status uint32, contexts giop.ServiceContextList, body []byte) {
	m := giop.NewCDRMarshaller(r.order)
	m.WriteMessageHeader(giop.NewMessageHeader(giop.GIOP_1_2, giop.MsgReply,
		r.order == binary.LittleEndian, 0))
	m.WriteReplyHeader(&giop.ReplyHeader{
		RequestID:       r.hdr.RequestID,
		ReplyStatus:     status,
		ServiceContexts: contexts,
	})
	m.WriteRaw(body)
	out := m.Bytes()
	if r.domain != nil && r.domain.Key().Kind == DomainKindRemote {
		r.order.PutUint32(out[8:12], uint32(len(out)-giop.HeaderSize))
	}
	if err := r.responder.SendReply(r.hdr.RequestID, out); err != nil {
		r.orb.log.Warn("reply send failed", zap.Uint32("request", r.hdr.RequestID), zap.Error(err))
	}
}

// respond sends a system-exception reply for requests that failed before
// dispatch.
func respond(responder Responder, hdr *giop.RequestHeader, ex *corba.SystemException) {
	if responder == nil || hdr == nil || !hdr.ResponseExpected() {
		return
	}
	_ = responder.SendSystemException(hdr.RequestID, ex)
}
