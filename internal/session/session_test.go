package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
)

func TestNewDefaults(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "CPU", s.Kernels.Name())
	assert.NotNil(t, s.Log)

	a, err := s.DefaultContext(0)
	require.NoError(t, err)
	b, err := s.DefaultContext(0)
	require.NoError(t, err)
	assert.Same(t, a, b)

	c := s.MustContext(0)
	assert.NotSame(t, a, c)
}

func TestNewRejectsBadDevices(t *testing.T) {
	_, err := New(Options{Devices: device.Config{Devices: []device.DeviceConfig{{ID: -2}}}})
	assert.True(t, errors.Is(err, errs.ErrDevice))

	s, err := New(Options{})
	require.NoError(t, err)
	defer s.Close()
	_, err = s.NewContext(7)
	assert.True(t, errors.Is(err, errs.ErrDevice))
	assert.Panics(t, func() { s.MustContext(7) })
}

type countingReleaser struct{ n int }

func (r *countingReleaser) Release() { r.n++ }

func TestCloseReleasesTracked(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)
	kept, dropped := &countingReleaser{}, &countingReleaser{}
	s.Track(kept)
	s.Track(dropped)
	s.Untrack(dropped)
	assert.Equal(t, 1, s.Tracked())

	require.NoError(t, s.Close())
	assert.Equal(t, 1, kept.n)
	assert.Equal(t, 0, dropped.n)
	assert.Equal(t, 0, s.Tracked())
}
