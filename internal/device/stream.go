package device

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Task is one unit of work executed in stream order.
// A non-nil error is recorded as the stream's fault.
type Task func() error

// Stream is an ordered sequence of tasks executed by one goroutine.
// Tasks in one stream run in submission order; tasks in different
// streams run concurrently.
type Stream struct {
	id     int
	tasks  chan Task
	done   chan struct{}
	wg     sync.WaitGroup
	seq    atomic.Uint64 // tasks submitted so far
	closed atomic.Bool

	mu    sync.Mutex
	fault error
}

func newStream(id, depth int) *Stream {
	s := &Stream{
		id:    id,
		tasks: make(chan Task, depth),
		done:  make(chan struct{}),
	}
	go s.worker()
	return s
}

// ID returns the stream identifier, unique within a registry.
func (s *Stream) ID() int {
	return s.id
}

// worker processes tasks for a stream.
func (s *Stream) worker() {
	for task := range s.tasks {
		s.run(task)
		s.wg.Done()
	}
	close(s.done)
}

func (s *Stream) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.setFault(fmt.Errorf("stream %d: task panicked: %v", s.id, r))
		}
	}()
	if err := task(); err != nil {
		s.setFault(err)
	}
}

func (s *Stream) setFault(err error) {
	s.mu.Lock()
	if s.fault == nil {
		s.fault = err
	}
	s.mu.Unlock()
}

// Submit enqueues a task. It blocks only when the queue is full.
func (s *Stream) Submit(task Task) {
	if s.closed.Load() {
		panic(fmt.Sprintf("device: submit on closed stream %d", s.id))
	}
	s.wg.Add(1)
	s.seq.Add(1)
	s.tasks <- task
}

// Seq returns the number of tasks submitted so far.
func (s *Stream) Seq() uint64 {
	return s.seq.Load()
}

// Synchronize blocks until every submitted task completed and returns the
// first fault recorded by the stream. Faults are sticky.
func (s *Stream) Synchronize() error {
	s.wg.Wait()
	return s.Err()
}

// Err returns the first recorded fault without waiting.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// Record enqueues an event that completes when the stream reaches it.
func (s *Stream) Record() *Event {
	ev := newEvent(s)
	s.Submit(func() error {
		ev.complete()
		return nil
	})
	return ev
}

// WaitEvent makes every task submitted after this call wait until ev completed.
func (s *Stream) WaitEvent(ev *Event) {
	if ev == nil || ev.stream == s {
		return
	}
	s.Submit(func() error {
		<-ev.done
		return nil
	})
}

func (s *Stream) close() {
	if s.closed.Swap(true) {
		return
	}
	close(s.tasks)
	<-s.done
}

// Event marks a point in a stream.
type Event struct {
	stream *Stream
	done   chan struct{}
	once   sync.Once
}

func newEvent(s *Stream) *Event {
	return &Event{stream: s, done: make(chan struct{})}
}

// Completed reports whether the stream has reached the event.
func (e *Event) Completed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Synchronize blocks the calling goroutine until the event completed.
func (e *Event) Synchronize() {
	<-e.done
}

// Done returns a channel closed on completion.
func (e *Event) Done() <-chan struct{} {
	return e.done
}

func (e *Event) complete() {
	e.once.Do(func() { close(e.done) })
}
