package orb

import (
	"sync"
	"sync/atomic"

	"github.com/auriga-os/nucleus/core"
	"github.com/auriga-os/nucleus/giop"
)

// RefFlags carries per-reference behavior bits
type RefFlags uint32

const (
	// RefGarbageCollection enables distributed garbage collection
	RefGarbageCollection RefFlags = 1 << iota
	// RefPersistent marks a reference surviving process restarts
	RefPersistent
	// RefLocal marks an in-domain reference
	RefLocal
)

// ReferenceLocal is a POA entry: the binding of an object key to a servant
// proxy with its activation lifecycle. Two references with the same
// canonical key never coexist in one process.
type ReferenceLocal struct {
	orb *ORB

	key      ObjectKey
	primary  string
	ids      []string
	flags    RefFlags
	policies PolicyMap

	refCnt atomic.Int64

	mu    sync.Mutex
	proxy *ServantProxyObject // nil when not active

	poa  *POA
	root *POA
}

func newReferenceLocal(o *ORB, p *POA, key ObjectKey, proxy *ServantProxyObject, flags RefFlags) *ReferenceLocal {
	ref := &ReferenceLocal{
		orb:     o,
		key:     key,
		primary: proxy.PrimaryInterface(),
		ids:     proxy.ids,
		flags:   flags | RefLocal,
		poa:     p,
		root:    p.root,
	}
	ref.proxy = proxy
	proxy.attachReference(ref)
	return ref
}

// Key returns the canonical object key
func (r *ReferenceLocal) Key() ObjectKey { return r.key }

// Flags returns the reference behavior bits
func (r *ReferenceLocal) Flags() RefFlags { return r.flags }

// PrimaryInterface returns the primary repository id
func (r *ReferenceLocal) PrimaryInterface() string { return r.primary }

// IsA consults the supported interface list
func (r *ReferenceLocal) IsA(repID string) bool {
	for _, id := range r.ids {
		if id == repID {
			return true
		}
	}
	return false
}

// Policies returns the per-object policy map
func (r *ReferenceLocal) Policies() PolicyMap { return r.policies }

// Proxy returns the bound servant proxy, or nil while inactive
func (r *ReferenceLocal) Proxy() *ServantProxyObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proxy
}

// AddRef adds an external reference. With DGC enabled the reference
// transitively holds the servant, so the proxy count moves with it.
func (r *ReferenceLocal) AddRef(ed *core.ExecDomain) {
	if r.refCnt.Add(1) == 1 && r.flags&RefGarbageCollection != 0 {
		if p := r.Proxy(); p != nil {
			p.refs.Add(1)
		}
	}
}

// Release drops an external reference. When the count reaches zero while
// GC is enabled, a deferred revive-or-die pass runs in the root POA's sync
// context; destruction happens there so map removal stays ordered.
func (r *ReferenceLocal) Release(ed *core.ExecDomain) {
	if r.refCnt.Add(-1) != 0 {
		return
	}
	if r.flags&RefGarbageCollection != 0 {
		if p := r.Proxy(); p != nil {
			p.refs.Add(-1)
		}
		r.scheduleGCPass(ed)
		return
	}
	r.maybeDestroy(ed)
}

// scheduleGCPass posts the delayed revive-or-die check to the POA sync
// context using the proxy GC deadline.
func (r *ReferenceLocal) scheduleGCPass(ed *core.ExecDomain) {
	_, err := r.orb.Scheduler().Schedule(core.RunnableFunc(func(ded *core.ExecDomain) {
		if r.refCnt.Load() > 0 {
			return // revived
		}
		r.maybeDestroy(ded)
	}), r.root.sd, nil, core.DeadlineIn(core.ProxyGCDeadline))
	if err != nil {
		// Shutdown in progress; destruction happens with the adapter.
		r.maybeDestroy(ed)
	}
}

// maybeDestroy removes the reference once the count is zero and the
// servant pointer is gone.
func (r *ReferenceLocal) maybeDestroy(ed *core.ExecDomain) {
	r.mu.Lock()
	dead := r.refCnt.Load() <= 0 && r.proxy == nil
	r.mu.Unlock()
	if dead {
		r.root.forgetReference(r)
	}
}

// deactivate severs the servant binding; the reference stops participating
// in GC.
func (r *ReferenceLocal) deactivate() *ServantProxyObject {
	r.mu.Lock()
	p := r.proxy
	r.proxy = nil
	r.mu.Unlock()
	if p != nil {
		p.detachReference(r)
	}
	return p
}

// CreateRequest allocates a request for one operation. An active servant
// takes the direct in-context path; an inactive one routes through the
// adapter so default servants and servant managers apply.
func (r *ReferenceLocal) CreateRequest(ed *core.ExecDomain, operation string, response bool) (Request, error) {
	p := r.Proxy()
	if p != nil {
		var req *RequestLocal
		if response {
			req = NewRequestLocalSync(r.orb, p, ed, operation)
		} else {
			req = NewRequestLocalOneway(r.orb, p, ed, operation)
		}
		req.ref = r
		return req, nil
	}
	req := NewRequestLocalAsync(r.orb, nil, ed, operation, nil)
	req.ref = r
	req.response = response
	req.waitReply = response
	return req, nil
}

// WriteObjectRef marshals the reference as an IOR
func (r *ReferenceLocal) WriteObjectRef(m *giop.CDRMarshaller) error {
	ior := r.orb.iorForLocal(r)
	return ior.Write(m)
}
