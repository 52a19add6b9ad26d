package orb

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/auriga-os/nucleus/corba"
	"github.com/auriga-os/nucleus/core"
	"github.com/auriga-os/nucleus/giop"
)

var nativeIsLittle = func() bool {
	var probe [2]byte
	binary.NativeEndian.PutUint16(probe[:], 1)
	return probe[0] == 1
}()

// RequestGIOP is the outgoing remote request: CDR-marshaled parameters
// framed as a GIOP Request, sent to the peer domain and correlated with
// its reply by request id. The sender writes in its native byte order and
// sets the GIOP flag accordingly.
type RequestGIOP struct {
	orb    *ORB
	target *ReferenceRemote
	domain Domain

	id       uint32
	op       string
	response bool

	mem *core.MemContext
	ed  *core.ExecDomain

	out *giop.CDRMarshaller
	in  *giop.CDRUnmarshaller

	ex        error
	cancelled atomic.Bool
	finished  atomic.Bool
	done      *core.Event

	// dgcRefs collects DGC-enabled references marshaled into this request
	dgcRefs map[string]ObjectKey

	serviceContexts giop.ServiceContextList
}

// NewRequestGIOP allocates an outgoing request bound to the target's peer
// domain.
func NewRequestGIOP(o *ORB, target *ReferenceRemote, ed *core.ExecDomain, op string, response bool) *RequestGIOP {
	order := binary.ByteOrder(binary.BigEndian)
	if nativeIsLittle {
		order = binary.LittleEndian
	}
	r := &RequestGIOP{
		orb:      o,
		target:   target,
		domain:   target.domain,
		id:       target.domain.NextRequestID(),
		op:       op,
		response: response,
		mem:      ed.MemContext().Retain(),
		ed:       ed,
		out:      giop.NewCDRMarshaller(order),
		done:     core.NewEvent(),
		dgcRefs:  make(map[string]ObjectKey),
	}
	o.Scheduler().ActivityBegin()
	return r
}

// RequestID returns the request id within the peer domain
func (r *RequestGIOP) RequestID() uint32 { return r.id }

// Operation returns the operation name
func (r *RequestGIOP) Operation() string { return r.op }

// ResponseExpected reports whether a reply is awaited
func (r *RequestGIOP) ResponseExpected() bool { return r.response }

// Out returns the parameter stream
func (r *RequestGIOP) Out() *giop.CDRMarshaller { return r.out }

// In returns the reply stream after Invoke
func (r *RequestGIOP) In() *giop.CDRUnmarshaller { return r.in }

// Memory returns the captured memory context
func (r *RequestGIOP) Memory() *core.MemContext { return r.mem }

// WriteObject marshals an object reference as an IOR. DGC-enabled
// references are recorded for the post-send confirmation batch.
func (r *RequestGIOP) WriteObject(obj Object) error {
	switch ref := obj.(type) {
	case nil:
		nilIOR := NewIOR("")
		return nilIOR.Write(r.out)
	case *ReferenceLocal:
		if ref.flags&RefGarbageCollection != 0 {
			r.dgcRefs[ref.key.Canonical()] = ref.key
		}
		return ref.WriteObjectRef(r.out)
	case *ReferenceRemote:
		if ref.DGCEnabled() {
			r.dgcRefs[ref.key.Canonical()] = ref.key
		}
		return ref.WriteObjectRef(r.out)
	}
	return badParam(0)
}

// ReadObject unmarshals an IOR, resolving it through the binder to a
// local or remote reference.
func (r *RequestGIOP) ReadObject() (Object, error) {
	return readObjectRef(r.orb, r.ed, r.in)
}

// MarshalMessage produces the complete GIOP message: header, request
// header with service contexts, then the parameter body. The deadline
// service context propagates the calling ED's deadline.
func (r *RequestGIOP) MarshalMessage() []byte {
	m := giop.NewCDRMarshaller(r.out.ByteOrder())
	m.WriteMessageHeader(giop.NewMessageHeader(giop.GIOP_1_2, giop.MsgRequest,
		r.out.ByteOrder() == binary.LittleEndian, 0))

	contexts := append(giop.ServiceContextList{}, r.serviceContexts...)
	if dl := r.ed.Deadline(); dl != core.InfiniteDeadline {
		var data [8]byte
		r.out.ByteOrder().PutUint64(data[:], uint64(dl))
		contexts = append(contexts, giop.ServiceContext{ID: giop.SvcESIOPDeadline, Data: data[:]})
	}

	var flags byte
	if r.response {
		flags = 0x03
	}
	hdr := &giop.RequestHeader{
		RequestID:       r.id,
		ResponseFlags:   flags,
		ObjectKey:       r.target.key.Encode(),
		Operation:       r.op,
		ServiceContexts: contexts,
	}
	m.WriteRequestHeader(hdr)
	body := r.out.Bytes()
	m.WriteRaw(body)

	// Patch the message size; for ESIOP the field stays zero and the
	// transport carries the length out of band.
	out := m.Bytes()
	if r.domain.Key().Kind == DomainKindRemote {
		r.out.ByteOrder().PutUint32(out[8:12], uint32(len(out)-giop.HeaderSize))
	}
	return out
}

// Invoke sends the request and, for two-way calls, suspends until the
// reply arrives or the ED's deadline expires. An expired wait cancels the
// request at the peer.
func (r *RequestGIOP) Invoke(ed *core.ExecDomain) error {
	if r.cancelled.Load() {
		r.fail(cancelledErr())
		return r.ex
	}
	r.ed = ed
	if r.response {
		if err := r.domain.RegisterPending(r); err != nil {
			r.fail(err)
			return err
		}
	}
	if err := r.domain.SendRequest(ed, r); err != nil {
		if r.response {
			r.domain.TakePending(r.id)
		}
		r.fail(err)
		return err
	}
	if keys := r.takeDGCRefs(); len(keys) > 0 {
		r.domain.ConfirmDGCReferences(keys)
	}
	if !r.response {
		r.finish()
		return nil
	}
	if err := r.done.Wait(ed, ed.Deadline()); err != nil {
		r.domain.SendCancel(r.id)
		r.fail(corba.TIMEOUT(0, corba.CompletionStatusMaybe))
		return r.ex
	}
	return r.ex
}

func (r *RequestGIOP) takeDGCRefs() []ObjectKey {
	if len(r.dgcRefs) == 0 {
		return nil
	}
	keys := make([]ObjectKey, 0, len(r.dgcRefs))
	for _, k := range r.dgcRefs {
		keys = append(keys, k)
	}
	r.dgcRefs = make(map[string]ObjectKey)
	return keys
}

// CompleteWithReply consumes the raw GIOP reply message. Called by the
// transport on message arrival, from any goroutine.
func (r *RequestGIOP) CompleteWithReply(data []byte) {
	u := giop.NewCDRUnmarshaller(data, binary.BigEndian)
	hdr, err := u.ReadMessageHeader()
	if err != nil || hdr.MsgType != giop.MsgReply {
		r.fail(marshalErr(0))
		return
	}
	if hdr.MsgSize != 0 && int(hdr.MsgSize) > u.Remaining() {
		r.fail(marshalErr(corba.MinorFewerBytesThanNeeded))
		return
	}
	reply, err := u.ReadReplyHeader()
	if err != nil {
		r.fail(err)
		return
	}
	switch reply.ReplyStatus {
	case giop.ReplyStatusNoException:
		r.in = u
		r.finish()
	case giop.ReplyStatusUserException:
		repID, err := u.ReadString()
		if err != nil {
			r.fail(err)
			return
		}
		r.fail(corba.NewUserException(shortExceptionName(repID), repID))
	case giop.ReplyStatusSystemException:
		repID, err := u.ReadString()
		if err != nil {
			r.fail(err)
			return
		}
		minor, _ := u.ReadULong()
		completed, _ := u.ReadULong()
		r.fail(corba.SystemExceptionByName(shortExceptionName(repID), minor,
			corba.CompletionStatus(completed)))
	default:
		r.fail(corba.NO_IMPLEMENT(0, corba.CompletionStatusMaybe))
	}
}

// CompleteWithSystemException fails the request with a system exception
// delivered by the transport's compact reply path.
func (r *RequestGIOP) CompleteWithSystemException(name string, minor uint32, completed corba.CompletionStatus) {
	r.fail(corba.SystemExceptionByName(name, minor, completed))
}

// CompleteWithError fails the request with a local transport error
func (r *RequestGIOP) CompleteWithError(err error) {
	r.fail(err)
}

func (r *RequestGIOP) fail(err error) {
	if r.ex == nil {
		r.ex = err
	}
	r.finish()
}

func (r *RequestGIOP) finish() {
	if !r.finished.CompareAndSwap(false, true) {
		return
	}
	r.mem.Release()
	r.orb.Scheduler().ActivityEnd()
	r.done.Signal()
}

// Success is meaningful only on the callee side; the client flavor treats
// reply arrival as success.
func (r *RequestGIOP) Success() {}

// SetException records a local failure
func (r *RequestGIOP) SetException(err error) {
	if r.ex == nil {
		r.ex = err
	}
}

// GetException returns the outcome exception
func (r *RequestGIOP) GetException() error { return r.ex }

// Cancel flips the cancelled flag and, on the first call, sends a cancel
// to the peer whether or not the request has been sent yet.
func (r *RequestGIOP) Cancel() {
	if r.cancelled.CompareAndSwap(false, true) {
		r.domain.SendCancel(r.id)
	}
}

// Cancelled reports whether Cancel was called
func (r *RequestGIOP) Cancelled() bool { return r.cancelled.Load() }

// shortExceptionName extracts "NAME" from "IDL:omg.org/CORBA/NAME:1.0"
func shortExceptionName(repID string) string {
	s := repID
	if idx := lastIndexByte(s, '/'); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := lastIndexByte(s, ':'); idx >= 0 {
		s = s[:idx]
	}
	return s
}

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// readObjectRef unmarshals an IOR and resolves it to a local reference
// when it addresses this domain, or a cached remote reference otherwise.
func readObjectRef(o *ORB, ed *core.ExecDomain, u *giop.CDRUnmarshaller) (Object, error) {
	ior, err := ReadIOR(u)
	if err != nil {
		return nil, err
	}
	if ior.IsNil() {
		return nil, nil
	}
	// Prefer the host-local profile.
	for _, p := range ior.Profiles {
		if p.Tag != TagMultipleComponents {
			continue
		}
		addr, ok := ParseESIOPProfile(p.Data)
		if !ok {
			continue
		}
		key, err := DecodeObjectKey(addr.ObjectKey)
		if err != nil {
			return nil, err
		}
		if addr.DomainID == o.cfg.DomainID {
			return o.lookupLocalRef(ed, key)
		}
		return o.binder.UnmarshalRemoteReference(ed,
			DomainKey{Kind: DomainKindLocal, ID: addr.DomainID},
			ior.TypeID, key, addr.ORBType, addr.Flags)
	}
	for _, p := range ior.Profiles {
		if p.Tag != TagInternetIOP {
			continue
		}
		body, err := ParseIIOPProfile(p.Data)
		if err != nil {
			return nil, err
		}
		key, err := DecodeObjectKey(body.ObjectKey)
		if err != nil {
			return nil, err
		}
		return o.binder.UnmarshalRemoteReference(ed,
			DomainKey{Kind: DomainKindRemote, Host: body.Host, Port: body.Port},
			ior.TypeID, key, 0, 0)
	}
	return nil, invObjref()
}

// LookupLocal resolves a key against this domain's reference map
func (o *ORB) LookupLocal(ed *core.ExecDomain, key ObjectKey) (Object, error) {
	return o.lookupLocalRef(ed, key)
}

// lookupLocalRef resolves a key in this domain's reference map
func (o *ORB) lookupLocalRef(ed *core.ExecDomain, key ObjectKey) (Object, error) {
	root, err := o.RootPOA(ed)
	if err != nil {
		return nil, err
	}
	frame, err := root.enter(ed)
	if err != nil {
		return nil, err
	}
	defer frame.Leave()
	if ref, ok := root.localRefs[key.Canonical()]; ok {
		return ref, nil
	}
	return nil, objectNotExist(0)
}
