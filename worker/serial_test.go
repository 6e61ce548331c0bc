package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erikvanbrakel/depot/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialRunsJobsOneAtATime(t *testing.T) {
	s := worker.NewSerial(4)
	defer s.Close()

	var running, maxRunning int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Do(context.Background(), func() error {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxRunning)
}

func TestSerialReturnsJobError(t *testing.T) {
	s := worker.NewSerial(0)
	defer s.Close()

	boom := errors.New("boom")
	err := s.Do(context.Background(), func() error { return boom })
	assert.Equal(t, boom, err)
}

func TestSerialDoAfterClose(t *testing.T) {
	s := worker.NewSerial(1)
	s.Close()

	err := s.Do(context.Background(), func() error { return nil })
	assert.Equal(t, worker.ErrClosed, err)
}

func TestSerialCancelledWhileWaiting(t *testing.T) {
	s := worker.NewSerial(0)
	defer s.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Do(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := s.Do(ctx, func() error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(release)
}
