//go:build windows || linux || darwin

package webgpu

import (
	"testing"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/kernel"
)

func TestSaxpyMatchesCPU(t *testing.T) {
	if !IsAvailable() {
		t.Skip("WebGPU not available")
	}
	b, err := New()
	require.NoError(t, err)
	defer b.Release()

	r, err := device.NewRegistry(device.Config{})
	require.NoError(t, err)
	defer r.Close()
	ctx, _ := r.NewContext(0)
	d, _ := r.Device(0)

	n := MinElements
	xa, _ := d.Alloc(device.Float32, n)
	ya, _ := d.Alloc(device.Float32, n)
	xs, ys := xa.Ptr().Float32s(n), ya.Ptr().Float32s(n)
	for i := range xs {
		xs[i] = float32(i % 7)
		ys[i] = 1
	}

	require.Equal(t, kernel.StatusSuccess, b.Saxpy(ctx, n, 2, xa.Ptr(), 1, ya.Ptr(), 1))
	require.Equal(t, kernel.StatusSuccess, b.Sscal(ctx, n, 0.5, ya.Ptr(), 1))
	require.NoError(t, ctx.Synchronize())
	for i := 0; i < n; i += 997 {
		assert.InDelta(t, 0.5*(2*float32(i%7)+1), ys[i], 1e-5)
	}
}

func TestAdapterName(t *testing.T) {
	tests := []struct {
		name string
		info wgpu.AdapterInfoGo
		want string
	}{
		{"full", wgpu.AdapterInfoGo{Vendor: "nvidia", Device: "RTX 4070", Description: "D3D12"}, "nvidia RTX 4070 D3D12"},
		{"partial", wgpu.AdapterInfoGo{Device: "llvmpipe"}, "llvmpipe"},
		{"ids only", wgpu.AdapterInfoGo{VendorID: 0x10de, DeviceID: 0x2786}, "vendor 0x10de device 0x2786"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, adapterName(&tt.info))
		})
	}
}

func TestNewWithoutAdapter(t *testing.T) {
	if IsAvailable() {
		t.Skip("WebGPU available")
	}
	_, err := Open()
	assert.ErrorIs(t, err, ErrUnavailable)
}
