// Package session bundles the explicit runtime state every graph object is
// constructed with: the device registry, the kernel backend, the logger and
// the debug flag.
package session

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/born-ml/rnnflow/internal/backend/cpu"
	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/kernel"
)

// Session is passed by reference into every Matrix, Connector and Block constructor.
type Session struct {
	Devices *device.Registry
	Kernels kernel.Backend
	Log     *slog.Logger
	// Debug turns connector protocol violations into errors instead of debug logs.
	Debug bool

	mu       sync.Mutex
	defaults map[int]*device.Context
	owned    map[Releaser]struct{}
}

// Releaser is device memory the session frees on Close unless its owner
// released it first.
type Releaser interface {
	Release()
}

// Options configures New.
type Options struct {
	Devices device.Config
	Kernels kernel.Backend // CPU backend when nil
	Log     *slog.Logger   // discarding logger when nil
	Debug   bool
}

// New creates a session and its device registry.
func New(opts Options) (*Session, error) {
	reg, err := device.NewRegistry(opts.Devices)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if opts.Kernels == nil {
		opts.Kernels = cpu.New()
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{
		Devices:  reg,
		Kernels:  opts.Kernels,
		Log:      opts.Log,
		Debug:    opts.Debug,
		defaults: make(map[int]*device.Context),
		owned:    make(map[Releaser]struct{}),
	}, nil
}

// NewContext creates a context with a fresh stream on device id.
func (s *Session) NewContext(id int) (*device.Context, error) {
	return s.Devices.NewContext(id)
}

// MustContext is NewContext for setup code where a bad device id is a programming error.
func (s *Session) MustContext(id int) *device.Context {
	c, err := s.NewContext(id)
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultContext returns the context used for synchronous matrix operations on device id.
func (s *Session) DefaultContext(id int) (*device.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.defaults[id]; ok {
		return c, nil
	}
	c, err := s.Devices.NewContext(id)
	if err != nil {
		return nil, err
	}
	s.defaults[id] = c
	return c, nil
}

// Synchronize waits for every stream of every device.
func (s *Session) Synchronize() error {
	return s.Devices.Synchronize()
}

// Track registers r to be released by Close.
func (s *Session) Track(r Releaser) {
	s.mu.Lock()
	s.owned[r] = struct{}{}
	s.mu.Unlock()
}

// Untrack forgets r. Owners call it when they release r themselves.
func (s *Session) Untrack(r Releaser) {
	s.mu.Lock()
	delete(s.owned, r)
	s.mu.Unlock()
}

// Tracked returns the number of allocations Close would release.
func (s *Session) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owned)
}

// Close drains every stream, then releases every tracked allocation and
// the backend resources.
func (s *Session) Close() error {
	err := s.Devices.Close()
	s.mu.Lock()
	owned := make([]Releaser, 0, len(s.owned))
	for r := range s.owned {
		owned = append(owned, r)
	}
	clear(s.owned)
	s.mu.Unlock()
	for _, r := range owned {
		r.Release()
	}
	if r, ok := s.Kernels.(Releaser); ok {
		r.Release()
	}
	return err
}
