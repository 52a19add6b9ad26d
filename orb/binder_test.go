package orb

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auriga-os/nucleus/corba"
	"github.com/auriga-os/nucleus/core"
)

type stubDriver struct {
	loads  atomic.Int32
	images map[string]*ModuleImage
	err    error
}

func (d *stubDriver) LoadModule(name string) (*ModuleImage, error) {
	d.loads.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	image, ok := d.images[name]
	if !ok {
		return nil, corba.INV_OBJREF(0, corba.CompletionStatusNo)
	}
	return image, nil
}

func TestBinderVersionMatching(t *testing.T) {
	o := newTestORB(t, 2)
	b := o.Binder()
	err := o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		require.NoError(t, b.ExportDirect(ed, Export{Name: "acme.Widget", Major: 1, Minor: 3, Interface: "v1.3"}))
		require.NoError(t, b.ExportDirect(ed, Export{Name: "acme.Widget", Major: 1, Minor: 1, Interface: "v1.1"}))
		require.NoError(t, b.ExportDirect(ed, Export{Name: "acme.Widget", Major: 2, Minor: 0, Interface: "v2.0"}))

		// Same major, minor >= requested, highest minor wins.
		itf, err := b.Bind(ed, "acme.Widget/1.0")
		require.NoError(t, err)
		assert.Equal(t, "v1.3", itf)

		itf, err = b.Bind(ed, "acme.Widget/1.2")
		require.NoError(t, err)
		assert.Equal(t, "v1.3", itf)

		itf, err = b.Bind(ed, "acme.Widget/2.0")
		require.NoError(t, err)
		assert.Equal(t, "v2.0", itf)

		// Minor above any export: unresolved.
		_, err = b.Bind(ed, "acme.Widget/1.4")
		require.Error(t, err)

		// Unknown major: unresolved.
		_, err = b.Bind(ed, "acme.Widget/3.0")
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestBinderLoadsModuleOnMiss(t *testing.T) {
	o := newTestORB(t, 2)
	b := o.Binder()
	driver := &stubDriver{images: map[string]*ModuleImage{
		"acme.widgets": {
			Exports: []Export{{Name: "acme.widgets.Factory", Major: 1, Minor: 0, Interface: "factory"}},
		},
	}}
	b.SetModuleDriver(driver, "acme.widgets")

	err := o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		itf, err := b.Bind(ed, "acme.widgets.Factory/1.0")
		require.NoError(t, err)
		assert.Equal(t, "factory", itf)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), driver.loads.Load())
}

// TestBinderLoadAtMostOnce races concurrent loads of one module; the
// driver runs once and everyone sees the same module.
func TestBinderLoadAtMostOnce(t *testing.T) {
	o := newTestORB(t, 4)
	b := o.Binder()
	driver := &stubDriver{images: map[string]*ModuleImage{
		"acme.things": {Exports: []Export{{Name: "acme.things.Thing", Major: 1, Minor: 0, Interface: "thing"}}},
	}}
	b.SetModuleDriver(driver, "acme.things")

	var wg sync.WaitGroup
	mods := make([]*Module, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		idx := i
		_, err := o.Scheduler().Schedule(core.RunnableFunc(func(ed *core.ExecDomain) {
			defer wg.Done()
			m, err := b.Load(ed, "acme.things", false)
			if err == nil {
				mods[idx] = m
			}
		}), nil, nil, core.DeadlineIn(time.Second))
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, int32(1), driver.loads.Load())
	for _, m := range mods {
		assert.Same(t, mods[0], m)
	}
}

// TestBinderStickyFailure checks that a failed construction publishes its
// exception to all readers until the slot is evicted.
func TestBinderStickyFailure(t *testing.T) {
	o := newTestORB(t, 2)
	b := o.Binder()
	driver := &stubDriver{err: corba.INTERNAL(1, corba.CompletionStatusNo)}
	b.SetModuleDriver(driver, "acme.broken")

	runLoad := func() error {
		return o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
			_, err := b.Load(ed, "acme.broken", false)
			return err
		})
	}
	err := runLoad()
	require.Error(t, err)
	err2 := runLoad()
	require.Error(t, err2)
	assert.Equal(t, int32(1), driver.loads.Load(), "failure is sticky, no reload")

	// Eviction allows a retry.
	driver.err = nil
	driver.images = map[string]*ModuleImage{"acme.broken": {}}
	require.NoError(t, o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		return b.EvictModule(ed, "acme.broken")
	}))
	require.NoError(t, runLoad())
}

func TestBinderUnloadRemovesExports(t *testing.T) {
	o := newTestORB(t, 2)
	b := o.Binder()
	driver := &stubDriver{images: map[string]*ModuleImage{
		"acme.tmp": {Exports: []Export{{Name: "acme.tmp.X", Major: 1, Minor: 0, Interface: "x"}}},
	}}
	b.SetModuleDriver(driver, "acme.tmp")

	err := o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		mod, err := b.Load(ed, "acme.tmp", false)
		require.NoError(t, err)
		_, err = b.Bind(ed, "acme.tmp.X/1.0")
		require.NoError(t, err)

		require.NoError(t, b.Unload(ed, mod))
		_, err = b.Bind(ed, "acme.tmp.X/1.0")
		require.Error(t, err, "exports removed with the module")
		return nil
	})
	require.NoError(t, err)
}

func TestBinderSingletonModuleContext(t *testing.T) {
	o := newTestORB(t, 2)
	b := o.Binder()
	driver := &stubDriver{images: map[string]*ModuleImage{"acme.single": {}}}
	b.SetModuleDriver(driver, "acme.single")

	err := o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		mod, err := b.Load(ed, "acme.single", true)
		require.NoError(t, err)
		sd, ok := mod.SyncContext().(*core.SyncDomain)
		require.True(t, ok)
		assert.Equal(t, core.SyncSingleton, sd.Kind())
		assert.Same(t, mod, sd.Module())
		return nil
	})
	require.NoError(t, err)
}

func TestParseVersionedName(t *testing.T) {
	name, major, minor, ok := parseVersionedName("acme.Widget/2.7")
	assert.True(t, ok)
	assert.Equal(t, "acme.Widget", name)
	assert.Equal(t, uint16(2), major)
	assert.Equal(t, uint16(7), minor)

	name, _, _, ok = parseVersionedName("plain")
	assert.False(t, ok)
	assert.Equal(t, "plain", name)
}
