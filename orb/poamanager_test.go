package orb

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auriga-os/nucleus/corba"
	"github.com/auriga-os/nucleus/core"
)

func newTestORB(t *testing.T, workers int) *ORB {
	t.Helper()
	return Init(Config{Workers: workers, MaxInFlight: 64, DomainID: 1}, nil)
}

func TestManagerInitialStateHolding(t *testing.T) {
	m := NewPOAManager()
	assert.Equal(t, ManagerHolding, m.State())
}

func TestManagerTransitions(t *testing.T) {
	m := NewPOAManager()
	require.NoError(t, m.Activate())
	assert.Equal(t, ManagerActive, m.State())
	require.NoError(t, m.HoldRequests())
	assert.Equal(t, ManagerHolding, m.State())
	require.NoError(t, m.DiscardRequests())
	assert.Equal(t, ManagerDiscarding, m.State())
	require.NoError(t, m.Activate())

	m.Deactivate()
	assert.Equal(t, ManagerInactive, m.State())
	// INACTIVE is terminal.
	require.Error(t, m.Activate())
	require.Error(t, m.HoldRequests())
	require.Error(t, m.DiscardRequests())
}

func TestManagerGateDiscarding(t *testing.T) {
	o := newTestORB(t, 2)
	m := NewPOAManager()
	require.NoError(t, m.DiscardRequests())
	err := o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		return m.gate(ed)
	})
	require.Error(t, err)
	se, ok := corba.AsSystemException(err)
	require.True(t, ok)
	assert.Equal(t, "TRANSIENT", se.Name())
}

func TestManagerGateInactive(t *testing.T) {
	o := newTestORB(t, 2)
	m := NewPOAManager()
	m.Deactivate()
	err := o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		return m.gate(ed)
	})
	se, ok := corba.AsSystemException(err)
	require.True(t, ok)
	assert.Equal(t, "OBJ_ADAPTER", se.Name())
}

// TestManagerQueueDeadlineOrder holds three gated EDs and checks they are
// released in non-decreasing deadline order on activation.
func TestManagerQueueDeadlineOrder(t *testing.T) {
	o := newTestORB(t, 1)
	m := NewPOAManager()

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	gateAt := func(name string, dl time.Duration) {
		wg.Add(1)
		_, err := o.Scheduler().Schedule(core.RunnableFunc(func(ed *core.ExecDomain) {
			defer wg.Done()
			if err := m.gate(ed); err != nil {
				return
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}), nil, nil, core.DeadlineIn(dl))
		require.NoError(t, err)
	}

	gateAt("100ms", 100*time.Millisecond)
	gateAt("50ms", 50*time.Millisecond)
	gateAt("75ms", 75*time.Millisecond)

	// Let all three reach the pending queue.
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.queue.Len() == 3
	}, time.Second, time.Millisecond)

	require.NoError(t, m.Activate())
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"50ms", "75ms", "100ms"}, order)
}

func TestManagerQueueCap(t *testing.T) {
	o := newTestORB(t, 4)
	m := NewPOAManager()
	m.cap = 2

	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		_, err := o.Scheduler().Schedule(core.RunnableFunc(func(ed *core.ExecDomain) {
			defer wg.Done()
			_ = m.gate(ed)
			<-release
		}), nil, nil, core.DeadlineIn(10*time.Second))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.queue.Len() == 2
	}, time.Second, time.Millisecond)

	// The queue is full; one more enqueue gets TRANSIENT.
	err := o.RunSync(core.DeadlineIn(time.Second), func(ed *core.ExecDomain) error {
		return m.gate(ed)
	})
	se, ok := corba.AsSystemException(err)
	require.True(t, ok)
	assert.Equal(t, "TRANSIENT", se.Name())
	assert.Equal(t, uint32(corba.MinorQueueFull), se.Minor())

	m.Deactivate()
	close(release)
	wg.Wait()
}

// TestManagerDeactivateDrainsTransient checks that INACTIVE drains the
// queue with TRANSIENT.
func TestManagerDeactivateDrainsTransient(t *testing.T) {
	o := newTestORB(t, 2)
	m := NewPOAManager()

	got := make(chan error, 1)
	_, err := o.Scheduler().Schedule(core.RunnableFunc(func(ed *core.ExecDomain) {
		got <- m.gate(ed)
	}), nil, nil, core.DeadlineIn(10*time.Second))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.queue.Len() == 1
	}, time.Second, time.Millisecond)

	m.Deactivate()
	err = <-got
	se, ok := corba.AsSystemException(err)
	require.True(t, ok)
	assert.Equal(t, "TRANSIENT", se.Name())
}
