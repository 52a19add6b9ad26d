package orb

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/auriga-os/nucleus/core"
	"github.com/auriga-os/nucleus/giop"
)

// Request is the invocation contract shared by all request flavors:
// in-process, GIOP-marshaled and the ESIOP framing around GIOP. A request
// exposes its marshal plane as a write stream and a read stream whose
// roles flip at the invoke/reply boundary, plus the caller-side Invoke and
// the callee-side Success/SetException.
type Request interface {
	Operation() string
	ResponseExpected() bool

	// Out is the stream being written in the current phase: in-parameters
	// before Invoke on the caller, results after dispatch on the callee.
	Out() *giop.CDRMarshaller
	// In is the stream being read in the current phase: in-parameters on
	// the callee, results after Invoke on the caller.
	In() *giop.CDRUnmarshaller

	// WriteObject and ReadObject marshal object references, preserving
	// identity within one invocation.
	WriteObject(obj Object) error
	ReadObject() (Object, error)

	Invoke(ed *core.ExecDomain) error
	Success()
	SetException(err error)
	GetException() error
	Cancel()
	Cancelled() bool

	// Memory returns the memory context captured at construction; requests
	// outlive sync-context changes but keep their heap.
	Memory() *core.MemContext
}

type localFlavor int

const (
	localSync localFlavor = iota
	localOneway
	localAsyncPOA
)

// RequestLocal is the in-process request: a growable byte stream in the
// caller's memory with no endianness conversion. Interface marshaling uses
// an identity table so sharing survives one invocation.
type RequestLocal struct {
	orb   *ORB
	proxy *ServantProxyObject

	op       string
	response bool
	flavor   localFlavor

	mem *core.MemContext

	out    *giop.CDRMarshaller
	in     *giop.CDRUnmarshaller
	params []byte

	ex        error
	succeeded bool
	cancelled atomic.Bool
	finished  atomic.Bool

	objects  []Object
	objIndex map[Object]uint32

	// ref is the adapter-routed target; nil for proxy-direct requests
	ref       *ReferenceLocal
	waitReply bool

	done     *core.Event
	callback func(req *RequestLocal)
}

func newRequestLocal(o *ORB, proxy *ServantProxyObject, ed *core.ExecDomain, op string, flavor localFlavor, response bool) *RequestLocal {
	r := &RequestLocal{
		orb:      o,
		proxy:    proxy,
		op:       op,
		response: response,
		flavor:   flavor,
		mem:      ed.MemContext().Retain(),
		out:      giop.NewCDRMarshaller(binary.NativeEndian),
		objIndex: make(map[Object]uint32),
		done:     core.NewEvent(),
	}
	o.Scheduler().ActivityBegin()
	return r
}

// NewRequestLocalSync creates a synchronous in-place request
func NewRequestLocalSync(o *ORB, proxy *ServantProxyObject, ed *core.ExecDomain, op string) *RequestLocal {
	return newRequestLocal(o, proxy, ed, op, localSync, true)
}

// NewRequestLocalOneway creates a oneway request with no reply
func NewRequestLocalOneway(o *ORB, proxy *ServantProxyObject, ed *core.ExecDomain, op string) *RequestLocal {
	return newRequestLocal(o, proxy, ed, op, localOneway, false)
}

// NewRequestLocalAsync creates an async request dispatched through the POA
// machinery; callback, if set, runs on completion.
func NewRequestLocalAsync(o *ORB, proxy *ServantProxyObject, ed *core.ExecDomain, op string, callback func(req *RequestLocal)) *RequestLocal {
	r := newRequestLocal(o, proxy, ed, op, localAsyncPOA, true)
	r.callback = callback
	return r
}

// Operation returns the operation name
func (r *RequestLocal) Operation() string { return r.op }

// ResponseExpected reports whether the request produces a reply
func (r *RequestLocal) ResponseExpected() bool { return r.response }

// Out returns the current write stream
func (r *RequestLocal) Out() *giop.CDRMarshaller { return r.out }

// In returns the current read stream
func (r *RequestLocal) In() *giop.CDRUnmarshaller { return r.in }

// Memory returns the captured memory context
func (r *RequestLocal) Memory() *core.MemContext { return r.mem }

// WriteObject records the object in the identity table and writes its index
func (r *RequestLocal) WriteObject(obj Object) error {
	if obj == nil {
		r.out.WriteULong(0)
		return nil
	}
	if idx, ok := r.objIndex[obj]; ok {
		r.out.WriteULong(idx)
		return nil
	}
	r.objects = append(r.objects, obj)
	idx := uint32(len(r.objects)) // 1-based; 0 is nil
	r.objIndex[obj] = idx
	r.out.WriteULong(idx)
	return nil
}

// ReadObject resolves an index written by WriteObject
func (r *RequestLocal) ReadObject() (Object, error) {
	idx, err := r.in.ReadULong()
	if err != nil {
		return nil, err
	}
	if idx == 0 {
		return nil, nil
	}
	if int(idx) > len(r.objects) {
		return nil, marshalErr(0)
	}
	return r.objects[idx-1], nil
}

// Invoke runs the request. The sync flavor dispatches in place inside the
// servant's sync context; oneway and async flavors schedule a new
// execution domain and return immediately, except that a request with
// waitReply set waits for completion and returns its exception.
func (r *RequestLocal) Invoke(ed *core.ExecDomain) error {
	r.params = r.out.Bytes()
	switch r.flavor {
	case localSync:
		r.dispatch(ed)
		return r.ex
	case localOneway, localAsyncPOA:
		_, err := r.orb.Scheduler().Schedule(core.RunnableFunc(func(ded *core.ExecDomain) {
			r.dispatch(ded)
		}), nil, r.mem, ed.Deadline())
		if err != nil {
			r.finish()
			return err
		}
		if r.waitReply {
			if err := r.done.Wait(ed, ed.Deadline()); err != nil {
				return err
			}
			return r.ex
		}
		return nil
	}
	return badInvOrder(0)
}

// dispatch runs the callee side of the request
func (r *RequestLocal) dispatch(ed *core.ExecDomain) {
	defer r.finish()
	defer func() {
		if p := recover(); p != nil {
			r.SetException(toException(p))
		}
	}()
	if r.cancelled.Load() {
		r.SetException(cancelledErr())
		return
	}

	r.in = giop.NewCDRUnmarshaller(r.params, binary.NativeEndian)
	r.out = giop.NewCDRMarshaller(binary.NativeEndian)

	if r.flavor == localAsyncPOA {
		var err error
		if r.ref != nil {
			err = r.ref.poa.serveLocal(ed, r.ref, r)
		} else if r.proxy != nil {
			err = r.proxy.dispatchThroughPOA(ed, r)
		} else {
			err = objectNotExist(0)
		}
		if err != nil {
			r.SetException(err)
		}
		return
	}
	if err := r.proxy.invokeInContext(ed, r); err != nil {
		r.SetException(err)
	}
}

// finish publishes the reply to the caller and closes the activity
func (r *RequestLocal) finish() {
	if !r.finished.CompareAndSwap(false, true) {
		return
	}
	if r.ex == nil && r.response {
		r.in = giop.NewCDRUnmarshaller(r.out.Bytes(), binary.NativeEndian)
	}
	r.mem.Release()
	r.orb.Scheduler().ActivityEnd()
	r.done.Signal()
	if r.callback != nil {
		r.callback(r)
	}
}

// Wait blocks until an async or oneway request completes
func (r *RequestLocal) Wait(ed *core.ExecDomain, limit core.Deadline) error {
	return r.done.Wait(ed, limit)
}

// Success marks the callee side complete without exception
func (r *RequestLocal) Success() {
	r.succeeded = true
}

// SetException records the outcome exception
func (r *RequestLocal) SetException(err error) {
	if r.ex == nil {
		r.ex = err
	}
}

// GetException returns the outcome exception, if any
func (r *RequestLocal) GetException() error { return r.ex }

// Cancel flips the cancelled flag; the next suspension point inside the
// request observes it.
func (r *RequestLocal) Cancel() {
	r.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called
func (r *RequestLocal) Cancelled() bool { return r.cancelled.Load() }
