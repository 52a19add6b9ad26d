package core

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/auriga-os/nucleus/corba"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWaitableRefPublishValue(t *testing.T) {
	w := NewWaitableRef[int]()
	c, ok := w.Initialize(nil, DeadlineIn(time.Second))
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := w.Get(nil)
		assert.NoError(t, err)
		assert.Equal(t, 42, v)
	}()

	c.Finish(42)
	<-done

	// Terminal state is immutable and re-readable.
	v, err := w.Get(nil)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.True(t, w.Published())
}

func TestWaitableRefPublishException(t *testing.T) {
	w := NewWaitableRef[int]()
	c, ok := w.Initialize(nil, DeadlineIn(time.Second))
	require.True(t, ok)

	boom := corba.INTERNAL(7, corba.CompletionStatusNo)
	c.Fail(boom)

	// All present and future readers see the same exception.
	for i := 0; i < 3; i++ {
		_, err := w.Get(nil)
		require.Error(t, err)
		se, ok := corba.AsSystemException(err)
		require.True(t, ok)
		assert.Equal(t, "INTERNAL", se.Name())
		assert.Equal(t, uint32(7), se.Minor())
	}
}

func TestWaitableRefSecondInitializeFails(t *testing.T) {
	w := NewWaitableRef[string]()
	_, ok := w.Initialize(nil, DeadlineIn(time.Second))
	require.True(t, ok)
	_, ok = w.Initialize(nil, DeadlineIn(time.Second))
	assert.False(t, ok)
}

func TestWaitableRefExactlyOneConstruction(t *testing.T) {
	w := NewWaitableRef[int]()
	var constructions atomic.Int32

	var wg sync.WaitGroup
	results := make([]int, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := w.GetOrInit(nil, DeadlineIn(time.Second), func() (int, error) {
				constructions.Add(1)
				time.Sleep(time.Millisecond)
				return 7, nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), constructions.Load())
	for _, v := range results {
		assert.Equal(t, 7, v)
	}
}

func TestWaitableRefReaderInheritsWriterDeadline(t *testing.T) {
	w := NewWaitableRef[int]()
	writerDeadline := DeadlineIn(20 * time.Millisecond)
	_, ok := w.Initialize(nil, writerDeadline)
	require.True(t, ok)

	// A reader with no deadline of its own still times out at the
	// writer's construction deadline.
	start := time.Now()
	_, err := w.Get(nil)
	require.Error(t, err)
	se, ok := corba.AsSystemException(err)
	require.True(t, ok)
	assert.Equal(t, "TIMEOUT", se.Name())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestEventSignalWakesAll(t *testing.T) {
	ev := NewEvent()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ev.Wait(nil, InfiniteDeadline))
		}()
	}
	time.Sleep(5 * time.Millisecond)
	ev.Signal()
	wg.Wait()
	assert.True(t, ev.IsSet())

	ev.Reset()
	assert.False(t, ev.IsSet())
}

func TestEventWaitTimeout(t *testing.T) {
	ev := NewEvent()
	err := ev.Wait(nil, DeadlineIn(10*time.Millisecond))
	require.Error(t, err)
}
