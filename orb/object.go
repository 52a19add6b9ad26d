package orb

import (
	"github.com/auriga-os/nucleus/core"
)

// Object is the invocation-facing face shared by local references, remote
// references and servant proxies.
type Object interface {
	// PrimaryInterface returns the primary repository id
	PrimaryInterface() string
	// IsA reports whether the object supports the given repository id
	IsA(repID string) bool
	// CreateRequest allocates a request for the given operation. The
	// response flag selects oneway (false) vs two-way (true).
	CreateRequest(ed *core.ExecDomain, operation string, response bool) (Request, error)
}

// Servant is implemented by user objects hosted in a POA
type Servant interface {
	// PrimaryInterface returns the servant's primary repository id
	PrimaryInterface() string
	// Invoke dispatches one operation. Parameters are read from the call's
	// input stream and results written to its output stream; returning an
	// error reports the exception to the caller.
	Invoke(call *ServerCall) error
}

// InterfaceLister is optionally implemented by servants supporting more
// than their primary interface.
type InterfaceLister interface {
	InterfaceIDs() []string
}

// ServerCall is handed to a servant's Invoke. It carries the operation
// name, the request's marshal plane and the dispatching execution domain.
type ServerCall struct {
	Operation string
	Request   Request
	ED        *core.ExecDomain
}

// ServantManager is the common marker for servant activators and locators
type ServantManager interface{}

// ServantActivator incarnates servants on AOM misses under RETAIN
type ServantActivator interface {
	ServantManager
	Incarnate(id ObjectID, adapter *POA) (Servant, error)
	Etherealize(id ObjectID, adapter *POA, servant Servant, cleanup bool) error
}

// ServantLocator provides a servant per request under NON_RETAIN.
// Postinvoke runs unconditionally, including on exception paths.
type ServantLocator interface {
	ServantManager
	Preinvoke(id ObjectID, adapter *POA, operation string) (Servant, interface{}, error)
	Postinvoke(id ObjectID, adapter *POA, operation string, servant Servant, cookie interface{}) error
}

// AdapterActivator creates missing child POAs during dispatch
type AdapterActivator interface {
	UnknownAdapter(parent *POA, name string) (bool, error)
}

// CallContext is the PortableServer::Current entry pushed onto the ED's
// TLS slot for the duration of a dispatched operation.
type CallContext struct {
	Adapter   *POA
	ObjectID  ObjectID
	Reference *ReferenceLocal
	Servant   Servant
}

// POACurrent resolves the innermost dispatch context of the calling ED
type POACurrent struct{}

// PrimaryInterface implements Object metadata for the service slot
func (c *POACurrent) PrimaryInterface() string {
	return "IDL:omg.org/PortableServer/Current:2.3"
}

// Get returns the innermost call context, or BAD_INV_ORDER outside a
// dispatched operation.
func (c *POACurrent) Get(ed *core.ExecDomain) (*CallContext, error) {
	if cc, ok := ed.CurrentCall().(*CallContext); ok {
		return cc, nil
	}
	return nil, badInvOrder(0)
}
