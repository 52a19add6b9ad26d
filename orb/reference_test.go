package orb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auriga-os/nucleus/core"
)

// TestReferenceHoldsServantCount is the reference-counting invariant: a
// reference with a non-null servant pointer contributes exactly one count
// to the proxy, and deactivation removes exactly that one.
func TestReferenceHoldsServantCount(t *testing.T) {
	o := newTestORB(t, 2)
	err := o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		root, _ := o.RootPOA(ed)
		p, err := root.CreatePOA(ed, "P", nil, transientPolicies())
		require.NoError(t, err)

		s := &echoServant{}
		proxy, err := p.ProxyFor(ed, s)
		require.NoError(t, err)
		before := proxy.RefCount()

		id, err := p.ActivateObject(ed, s)
		require.NoError(t, err)
		assert.Equal(t, before+1, proxy.RefCount(), "activation adds one servant count")

		ref, err := p.IDToReference(ed, id)
		require.NoError(t, err)
		assert.Same(t, proxy, ref.Proxy())

		require.NoError(t, p.DeactivateObject(ed, id))
		assert.Equal(t, before, proxy.RefCount(), "deactivation removes exactly one")
		assert.Nil(t, ref.Proxy())
		return nil
	})
	require.NoError(t, err)
}

// TestDGCReferenceTogglesProxyCount checks the DGC edge: the first
// external AddRef on a GC-enabled reference adds a servant count, the
// last Release removes it once.
func TestDGCReferenceTogglesProxyCount(t *testing.T) {
	o := newTestORB(t, 2)
	err := o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		root, _ := o.RootPOA(ed)
		p, err := root.CreatePOA(ed, "P", nil, transientPolicies())
		require.NoError(t, err)

		s := &echoServant{}
		id, err := p.ActivateObject(ed, s)
		require.NoError(t, err)
		ref, err := p.IDToReference(ed, id)
		require.NoError(t, err)
		require.NotZero(t, ref.Flags()&RefGarbageCollection)

		proxy := ref.Proxy()
		base := proxy.RefCount()

		ref.AddRef(ed)
		assert.Equal(t, base+1, proxy.RefCount())
		ref.AddRef(ed)
		assert.Equal(t, base+1, proxy.RefCount(), "only the first external ref toggles")

		ref.Release(ed)
		assert.Equal(t, base+1, proxy.RefCount())
		ref.Release(ed)
		assert.Equal(t, base, proxy.RefCount(), "last release decrements exactly once")
		return nil
	})
	require.NoError(t, err)
}

func TestLocalRequestRoundTrip(t *testing.T) {
	o := newTestORB(t, 2)
	err := o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		root, _ := o.RootPOA(ed)
		p, err := root.CreatePOA(ed, "P", nil, transientPolicies())
		require.NoError(t, err)
		require.NoError(t, p.Manager().Activate())

		s := &echoServant{}
		id, err := p.ActivateObject(ed, s)
		require.NoError(t, err)
		ref, err := p.IDToReference(ed, id)
		require.NoError(t, err)

		req, err := ref.CreateRequest(ed, "ping", true)
		require.NoError(t, err)
		require.NoError(t, req.Invoke(ed))
		require.NoError(t, req.GetException())

		v, err := req.In().ReadLong()
		require.NoError(t, err)
		assert.Equal(t, int32(42), v)
		return nil
	})
	require.NoError(t, err)
}

func TestLocalOnewayRequest(t *testing.T) {
	o := newTestORB(t, 2)
	s := &echoServant{}
	err := o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		root, _ := o.RootPOA(ed)
		p, err := root.CreatePOA(ed, "P", nil, transientPolicies())
		require.NoError(t, err)
		require.NoError(t, p.Manager().Activate())

		id, err := p.ActivateObject(ed, s)
		require.NoError(t, err)
		ref, err := p.IDToReference(ed, id)
		require.NoError(t, err)

		req, err := ref.CreateRequest(ed, "fire", false)
		require.NoError(t, err)
		require.NoError(t, req.Invoke(ed))
		return (req.(*RequestLocal)).Wait(ed, core.DeadlineIn(time.Second))
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), s.invoked.Load())
}

func TestProxyIsEquivalent(t *testing.T) {
	o := newTestORB(t, 2)
	err := o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		root, _ := o.RootPOA(ed)
		p, err := root.CreatePOA(ed, "P", nil, transientPolicies())
		require.NoError(t, err)
		s := &echoServant{}
		id, err := p.ActivateObject(ed, s)
		require.NoError(t, err)
		ref, err := p.IDToReference(ed, id)
		require.NoError(t, err)
		proxy := ref.Proxy()

		assert.True(t, proxy.IsEquivalent(proxy))
		assert.True(t, proxy.IsEquivalent(ref))

		other := &echoServant{}
		oid, err := p.ActivateObject(ed, other)
		require.NoError(t, err)
		oref, err := p.IDToReference(ed, oid)
		require.NoError(t, err)
		assert.False(t, proxy.IsEquivalent(oref))
		return nil
	})
	require.NoError(t, err)
}

func TestIORRoundTripForLocalReference(t *testing.T) {
	o := newTestORB(t, 2)
	err := o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		root, _ := o.RootPOA(ed)
		p, err := root.CreatePOA(ed, "P", nil, transientPolicies())
		require.NoError(t, err)
		s := &echoServant{}
		id, err := p.ActivateObject(ed, s)
		require.NoError(t, err)
		ref, err := p.IDToReference(ed, id)
		require.NoError(t, err)

		ior := o.iorForLocal(ref)
		str := ior.String()
		parsed, err := ParseIORString(str)
		require.NoError(t, err)
		assert.Equal(t, ior.TypeID, parsed.TypeID)
		require.Len(t, parsed.Profiles, 2)

		// Profiles sorted by tag: IIOP (0) before multiple-components (1).
		assert.Equal(t, TagInternetIOP, parsed.Profiles[0].Tag)
		assert.Equal(t, TagMultipleComponents, parsed.Profiles[1].Tag)

		addr, ok := ParseESIOPProfile(parsed.Profiles[1].Data)
		require.True(t, ok)
		assert.Equal(t, o.LocalDomainID(), addr.DomainID)
		key, err := DecodeObjectKey(addr.ObjectKey)
		require.NoError(t, err)
		assert.True(t, ref.Key().Equal(key))
		return nil
	})
	require.NoError(t, err)
}
