package accel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// command is the Event of one enqueued operation. It is completed by the
// goroutine that executes the operation.
type command struct {
	name      string
	profiling bool
	done      chan struct{}

	// written before done is closed, read after
	err        error
	start, end time.Time

	released atomic.Bool
}

func (c *command) Wait() error {
	<-c.done
	return c.err
}

func (c *command) Done() <-chan struct{} {
	return c.done
}

func (c *command) Profile() (time.Time, time.Time, error) {
	select {
	case <-c.done:
	default:
		return time.Time{}, time.Time{}, newError("profile", c.name, StatusProfilingInfoUnavailable, ErrNotComplete)
	}
	if !c.profiling {
		return time.Time{}, time.Time{}, newError("profile", c.name, StatusProfilingInfoUnavailable, ErrProfilingDisabled)
	}
	if c.err != nil {
		return time.Time{}, time.Time{}, c.err
	}
	return c.start, c.end, nil
}

// Release drops the host's reference. The command itself keeps running; only
// the handle is invalidated.
func (c *command) Release() {
	c.released.Store(true)
}

// inOrder serializes the commands of one queue: each new command also waits
// for the previous one.
type inOrder struct {
	mu        sync.Mutex
	last      *command
	profiling bool
}

// schedule starts run on its own goroutine once every event in wait and the
// queue's previous command have completed. If a prerequisite failed, run is
// skipped and the command fails with ErrDependencyFailed.
func (q *inOrder) schedule(name string, wait []Event, run func() error) *command {
	cmd := &command{
		name:      name,
		profiling: q.profiling,
		done:      make(chan struct{}),
	}

	q.mu.Lock()
	prev := q.last
	q.last = cmd
	q.mu.Unlock()

	deps := make([]Event, 0, len(wait)+1)
	if prev != nil {
		deps = append(deps, prev)
	}
	deps = append(deps, wait...)

	go func() {
		defer close(cmd.done)

		for _, dep := range deps {
			if err := dep.Wait(); err != nil {
				cmd.err = newError(name, "", StatusExecFailureInWaitList, fmt.Errorf("%w: %w", ErrDependencyFailed, err))
				return
			}
		}

		cmd.start = time.Now()
		cmd.err = run()
		cmd.end = time.Now()
	}()

	return cmd
}

// checkWaitList rejects nil and released events before anything is scheduled.
func checkWaitList(op string, wait []Event) error {
	for i, ev := range wait {
		if ev == nil {
			return newError(op, fmt.Sprintf("wait list[%d]", i), StatusInvalidEvent, fmt.Errorf("nil event"))
		}
		if c, ok := ev.(*command); ok && c.released.Load() {
			return newError(op, fmt.Sprintf("wait list[%d]", i), StatusInvalidEvent, ErrReleased)
		}
	}
	return nil
}

// fault latches the first failure of any kernel command of one program.
// Kernels that exchange data on the device select on done so a failed partner
// cannot leave them blocked, and no further kernels are accepted once it trips.
type fault struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newFault() *fault {
	return &fault{done: make(chan struct{})}
}

func (f *fault) trip(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// cause returns the latched failure, or nil while the program is healthy.
func (f *fault) cause() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// watch trips f if cmd fails, whether it ran and returned an error or was
// skipped because a prerequisite failed.
func (f *fault) watch(cmd *command) {
	go func() {
		if err := cmd.Wait(); err != nil {
			f.trip(err)
		}
	}()
}

func (f *fault) check(op, kernel string) error {
	if err := f.cause(); err != nil {
		return newError(op, kernel, StatusInvalidOperation, fmt.Errorf("%w: %w", ErrProgramAborted, err))
	}
	return nil
}
