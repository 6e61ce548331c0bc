// Package worker provides a serial executor: a single goroutine that runs
// submitted jobs one at a time, in submission order. Components that are not
// safe for concurrent use (the index working copy, the search engine) are
// owned by one Serial and only reached through it.
package worker

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("worker closed")

type job struct {
	fn   func() error
	done chan error
}

type Serial struct {
	jobs      chan job
	quit      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
}

// NewSerial starts the owning goroutine. queue is the number of jobs that can
// wait for the goroutine before Do blocks.
func NewSerial(queue int) *Serial {
	s := &Serial{
		jobs:     make(chan job, queue),
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Serial) run() {
	defer close(s.finished)
	for {
		select {
		case j := <-s.jobs:
			j.done <- j.fn()
		case <-s.quit:
			// drain whatever was accepted before Close
			for {
				select {
				case j := <-s.jobs:
					j.done <- j.fn()
				default:
					return
				}
			}
		}
	}
}

// Do submits fn and waits for its result. ctx only bounds the wait for a free
// slot; once accepted, the job runs to completion and Do returns its error.
func (s *Serial) Do(ctx context.Context, fn func() error) error {
	j := job{fn: fn, done: make(chan error, 1)}

	select {
	case <-s.quit:
		return ErrClosed
	default:
	}

	select {
	case s.jobs <- j:
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-s.finished:
		select {
		case err := <-j.done:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close stops accepting jobs, runs the ones already queued and waits for the
// goroutine to exit.
func (s *Serial) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	<-s.finished
}
