package orb

import (
	"sync/atomic"

	"github.com/auriga-os/nucleus/core"
	"github.com/auriga-os/nucleus/giop"
)

// ReferenceRemote points at an object in another protection domain. One
// instance exists per (domain, object key) pair, cached by the binder;
// destruction waits for the DGC release window so release traffic stays
// rate-limited.
type ReferenceRemote struct {
	orb    *ORB
	domain Domain

	key     ObjectKey
	primary string
	orbType uint32
	flags   byte

	refCnt          atomic.Int64
	earliestRelease core.Deadline
}

func newReferenceRemote(o *ORB, domain Domain, key ObjectKey, iid string, orbType uint32, flags byte) *ReferenceRemote {
	return &ReferenceRemote{
		orb:             o,
		domain:          domain,
		key:             key,
		primary:         iid,
		orbType:         orbType,
		flags:           flags,
		earliestRelease: core.DeadlineIn(DGCReleaseWindow),
	}
}

// Key returns the domain-relative object key
func (r *ReferenceRemote) Key() ObjectKey { return r.key }

// Domain returns the peer the reference points into
func (r *ReferenceRemote) Domain() Domain { return r.domain }

// PrimaryInterface returns the primary repository id
func (r *ReferenceRemote) PrimaryInterface() string { return r.primary }

// IsA trusts the unmarshaled primary id; other ids would need a remote
// _is_a call, which callers issue themselves.
func (r *ReferenceRemote) IsA(repID string) bool {
	return repID == r.primary
}

// DGCEnabled reports whether the reference participates in distributed GC
func (r *ReferenceRemote) DGCEnabled() bool {
	return r.flags&ComponentFlagDGC != 0
}

// AddRef adds a local holder
func (r *ReferenceRemote) AddRef(ed *core.ExecDomain) {
	r.refCnt.Add(1)
}

// Release drops a local holder. After the last one, once the release
// window has expired, the peer is told the reference is gone and the
// cache entry evicted.
func (r *ReferenceRemote) Release(ed *core.ExecDomain) {
	if r.refCnt.Add(-1) > 0 {
		return
	}
	if !r.DGCEnabled() {
		return
	}
	wait := r.earliestRelease.Remaining()
	if wait < 0 {
		wait = 0
	}
	_, err := r.orb.Scheduler().Schedule(core.RunnableFunc(func(ded *core.ExecDomain) {
		if r.refCnt.Load() > 0 {
			return // revived before the window expired
		}
		r.domain.ReleaseDGCReference(r.key)
		r.orb.binder.forgetRemoteRef(ded, r.domain.Key(), r.key)
	}), nil, nil, core.DeadlineIn(wait))
	if err != nil {
		r.domain.ReleaseDGCReference(r.key)
	}
}

// CreateRequest allocates an outgoing GIOP request bound to the peer
func (r *ReferenceRemote) CreateRequest(ed *core.ExecDomain, operation string, response bool) (Request, error) {
	return NewRequestGIOP(r.orb, r, ed, operation, response), nil
}

// WriteObjectRef marshals the reference as a full IOR addressing its peer
func (r *ReferenceRemote) WriteObjectRef(m *giop.CDRMarshaller) error {
	keyBytes := r.key.Encode()
	ior := NewIOR(r.primary)
	dk := r.domain.Key()
	if dk.Kind == DomainKindLocal {
		ior.Profiles = append(ior.Profiles, NewESIOPProfile(dk.ID, keyBytes, r.flags))
	} else {
		ior.Profiles = append(ior.Profiles, NewIIOPProfile(dk.Host, dk.Port, keyBytes, nil))
	}
	return ior.Write(m)
}
