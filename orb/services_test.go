package orb

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auriga-os/nucleus/core"
)

func TestServiceTableOrdered(t *testing.T) {
	o := newTestORB(t, 2)
	names := o.Services().Names()
	assert.Equal(t, []string{
		"Console", "NameService", "POACurrent", "ProtDomain",
		"RootPOA", "SysDomain", "TypeCodeFactory",
	}, names)
}

// TestLazyServiceBindRace is scenario S1: eight execution domains race
// bind("RootPOA"); the factory runs once and all observe the same
// reference.
func TestLazyServiceBindRace(t *testing.T) {
	o := newTestORB(t, 4)

	var wg sync.WaitGroup
	results := make([]interface{}, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		idx := i
		_, err := o.Scheduler().Schedule(core.RunnableFunc(func(ed *core.ExecDomain) {
			defer wg.Done()
			obj, err := o.ResolveInitialReferences(ed, "RootPOA")
			if err == nil {
				results[idx] = obj
			}
		}), nil, nil, core.DeadlineIn(time.Second))
		require.NoError(t, err)
	}
	wg.Wait()

	first := results[0]
	require.NotNil(t, first)
	for _, r := range results {
		assert.Same(t, first, r, "all binders must observe one construction")
	}
}

func TestUnknownServiceRejected(t *testing.T) {
	o := newTestORB(t, 2)
	err := o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		_, err := o.ResolveInitialReferences(ed, "NoSuchService")
		return err
	})
	require.Error(t, err)
}

func TestServicesShutdownBlocksBinds(t *testing.T) {
	o := newTestORB(t, 2)
	require.NoError(t, o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		_, err := o.ResolveInitialReferences(ed, "Console")
		return err
	}))
	o.Services().Shutdown()
	err := o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		_, err := o.ResolveInitialReferences(ed, "NameService")
		return err
	})
	require.Error(t, err)
}

func TestNamingContext(t *testing.T) {
	o := newTestORB(t, 2)
	err := o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		obj, err := o.ResolveInitialReferences(ed, "NameService")
		require.NoError(t, err)
		ns := obj.(*NamingContext)

		require.NoError(t, ns.BindName(ed, "widget", "first"))
		require.Error(t, ns.BindName(ed, "widget", "second"), "duplicate bind must fail")
		require.NoError(t, ns.RebindName(ed, "widget", "second"))

		v, err := ns.ResolveName(ed, "widget")
		require.NoError(t, err)
		assert.Equal(t, "second", v)

		require.NoError(t, ns.UnbindName(ed, "widget"))
		_, err = ns.ResolveName(ed, "widget")
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestPOACurrentOutsideDispatch(t *testing.T) {
	o := newTestORB(t, 2)
	err := o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		obj, err := o.ResolveInitialReferences(ed, "POACurrent")
		require.NoError(t, err)
		current := obj.(*POACurrent)
		_, err = current.Get(ed)
		require.Error(t, err, "no dispatched operation on this ED")
		return nil
	})
	require.NoError(t, err)
}
