package orb

import (
	"sync"
	"sync/atomic"

	"github.com/auriga-os/nucleus/core"
)

// ServantProxyObject wraps a user servant with its sync context and
// invocation machinery. A servant may be activated in several POAs when
// policy permits, so the proxy keeps the set of local references pointing
// at it.
type ServantProxyObject struct {
	orb     *ORB
	servant Servant
	primary string
	ids     []string

	sync       core.SyncContext
	defaultPOA *POA

	refs atomic.Int64

	mu         sync.Mutex
	references map[*ReferenceLocal]struct{}
}

// NewServantProxy wraps servant for hosting inside sc. defaultPOA receives
// implicit activations.
func NewServantProxy(o *ORB, servant Servant, sc core.SyncContext, defaultPOA *POA) *ServantProxyObject {
	if sc == nil {
		sc = o.Scheduler().FreeContext()
	}
	ids := []string{servant.PrimaryInterface()}
	if lister, ok := servant.(InterfaceLister); ok {
		ids = lister.InterfaceIDs()
	}
	return &ServantProxyObject{
		orb:        o,
		servant:    servant,
		primary:    servant.PrimaryInterface(),
		ids:        ids,
		sync:       sc,
		defaultPOA: defaultPOA,
		references: make(map[*ReferenceLocal]struct{}),
	}
}

// Servant returns the wrapped user servant
func (p *ServantProxyObject) Servant() Servant { return p.servant }

// SyncContext returns the servant's sync context
func (p *ServantProxyObject) SyncContext() core.SyncContext { return p.sync }

// PrimaryInterface returns the servant's primary repository id
func (p *ServantProxyObject) PrimaryInterface() string { return p.primary }

// IsA consults the cached interface metadata
func (p *ServantProxyObject) IsA(repID string) bool {
	for _, id := range p.ids {
		if id == repID {
			return true
		}
	}
	return false
}

// QueryInterface returns the repository id when supported, or an empty
// string.
func (p *ServantProxyObject) QueryInterface(repID string) string {
	if p.IsA(repID) {
		return repID
	}
	return ""
}

// RefCount returns the proxy's current reference count
func (p *ServantProxyObject) RefCount() int64 { return p.refs.Load() }

// AddRef adds one reference. The first external reference on an
// unactivated proxy synthesizes implicit activation when the default POA
// carries IMPLICIT_ACTIVATION.
func (p *ServantProxyObject) AddRef(ed *core.ExecDomain) error {
	if p.refs.Add(1) == 1 && p.defaultPOA != nil &&
		p.defaultPOA.Policies().ImplicitActivation == ImplicitActivationEnabled {
		if !p.active() {
			if _, err := p.defaultPOA.activateProxy(ed, p); err != nil {
				p.refs.Add(-1)
				return err
			}
		}
	}
	return nil
}

// RemoveRef drops one reference
func (p *ServantProxyObject) RemoveRef(ed *core.ExecDomain) {
	if p.refs.Add(-1) < 0 {
		p.refs.Add(1)
	}
}

func (p *ServantProxyObject) active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.references) > 0
}

func (p *ServantProxyObject) attachReference(ref *ReferenceLocal) {
	p.mu.Lock()
	p.references[ref] = struct{}{}
	p.mu.Unlock()
	// The reference's servant pointer contributes one count to the proxy.
	p.refs.Add(1)
}

func (p *ServantProxyObject) detachReference(ref *ReferenceLocal) {
	p.mu.Lock()
	_, had := p.references[ref]
	delete(p.references, ref)
	p.mu.Unlock()
	if had {
		p.refs.Add(-1)
	}
}

func (p *ServantProxyObject) primaryReference() *ReferenceLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ref := range p.references {
		return ref
	}
	return nil
}

// IsEquivalent reports object identity: the same proxy, or a reference
// registered in this proxy's local-reference set.
func (p *ServantProxyObject) IsEquivalent(other interface{}) bool {
	if other == p {
		return true
	}
	if ref, ok := other.(*ReferenceLocal); ok {
		p.mu.Lock()
		defer p.mu.Unlock()
		_, ok := p.references[ref]
		return ok
	}
	return false
}

// CreateRequest allocates a private invocation channel on the proxy
func (p *ServantProxyObject) CreateRequest(ed *core.ExecDomain, operation string, response bool) (Request, error) {
	if response {
		return NewRequestLocalSync(p.orb, p, ed, operation), nil
	}
	return NewRequestLocalOneway(p.orb, p, ed, operation), nil
}

// invokeInContext enters the servant's sync context and runs one operation
func (p *ServantProxyObject) invokeInContext(ed *core.ExecDomain, req Request) error {
	frame, err := ed.EnterContext(p.sync)
	if err != nil {
		return err
	}
	defer frame.Leave()
	call := &ServerCall{Operation: req.Operation(), Request: req, ED: ed}
	if err := p.servant.Invoke(call); err != nil {
		return err
	}
	req.Success()
	return nil
}

// dispatchThroughPOA routes a request through the adapter machinery of one
// of the proxy's references.
func (p *ServantProxyObject) dispatchThroughPOA(ed *core.ExecDomain, req *RequestLocal) error {
	ref := req.ref
	if ref == nil {
		ref = p.primaryReference()
	}
	if ref == nil {
		return objectNotExist(0)
	}
	return ref.poa.serveLocal(ed, ref, req)
}
