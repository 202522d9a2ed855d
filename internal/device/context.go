package device

import "sync"

// Context is one stream on one device. Every asynchronous operation is
// issued on a context; ordering across contexts is expressed only through
// Wait and WaitEvent.
type Context struct {
	device *Device
	stream *Stream

	mu     sync.Mutex
	waited map[*Stream]uint64 // other stream's Seq after our last wait on it
}

func newContext(d *Device, s *Stream) *Context {
	return &Context{device: d, stream: s, waited: make(map[*Stream]uint64)}
}

// Device returns the device the context belongs to.
func (c *Context) Device() *Device {
	return c.device
}

// Stream returns the underlying stream.
func (c *Context) Stream() *Stream {
	return c.stream
}

// Submit enqueues a task on the context's stream.
func (c *Context) Submit(task Task) {
	c.stream.Submit(task)
}

// Record enqueues an event on the context's stream.
func (c *Context) Record() *Event {
	return c.stream.Record()
}

// WaitEvent makes subsequent work on c wait for ev.
func (c *Context) WaitEvent(ev *Event) {
	c.stream.WaitEvent(ev)
}

// Wait makes subsequent work on c wait for everything already enqueued on
// other. It is a no-op when other is nil, shares c's stream, or nothing was
// enqueued on other since c last waited on it. It never blocks the caller.
func (c *Context) Wait(other *Context) {
	if other == nil || other.stream == c.stream {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := other.stream.Seq()
	if last, ok := c.waited[other.stream]; ok && last == seq {
		return
	}
	if seq == 0 {
		return
	}
	ev := other.stream.Record()
	c.stream.WaitEvent(ev)
	c.waited[other.stream] = other.stream.Seq()
}

// Synchronize blocks until the stream drained and returns its first fault.
func (c *Context) Synchronize() error {
	return c.stream.Synchronize()
}
