package kernel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/born-ml/rnnflow/internal/device"
	"github.com/born-ml/rnnflow/internal/errs"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		status Status
		name   string
	}{
		{StatusNotInitialized, "NOT_INITIALIZED"},
		{StatusAllocFailed, "ALLOC_FAILED"},
		{StatusInvalidValue, "INVALID_VALUE"},
		{StatusArchMismatch, "ARCH_MISMATCH"},
		{StatusMappingError, "MAPPING_ERROR"},
		{StatusExecutionFailed, "EXECUTION_FAILED"},
		{StatusInternalError, "INTERNAL_ERROR"},
		{StatusNotSupported, "NOT_SUPPORTED"},
		{StatusLicenseError, "LICENSE_ERROR"},
		{Status(99), "UNKNOWN_STATUS_99"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check("sgemm", tt.status)
			var ke *KernelError
			assert.True(t, errors.As(err, &ke))
			assert.Equal(t, tt.status, ke.Code)
			assert.Equal(t, tt.name, ke.Name)
			assert.True(t, errors.Is(err, errs.ErrKernel))
			assert.False(t, errors.Is(err, errs.ErrShape))
		})
	}
	assert.NoError(t, Check("sgemm", StatusSuccess))
}

func TestMatValidate(t *testing.T) {
	r, err := device.NewRegistry(device.Config{})
	assert.NoError(t, err)
	defer r.Close()
	d, _ := r.Device(0)
	a, _ := d.Alloc(device.Float32, 12)

	assert.Equal(t, StatusSuccess, Mat{Ptr: a.Ptr(), Rows: 3, Cols: 4, LD: 3}.Validate())
	assert.Equal(t, StatusSuccess, Mat{Ptr: a.Ptr().Add(1), Rows: 2, Cols: 3, LD: 4}.Validate())
	assert.Equal(t, StatusMappingError, Mat{Ptr: a.Ptr().Add(1), Rows: 3, Cols: 4, LD: 3}.Validate())
	assert.Equal(t, StatusInvalidValue, Mat{Ptr: a.Ptr(), Rows: 3, Cols: 4, LD: 2}.Validate())
	assert.Equal(t, StatusSuccess, Mat{Rows: 0, Cols: 4, LD: 1}.Validate())

	assert.Equal(t, StatusSuccess, ValidateVector(a.Ptr(), 4, 3))
	assert.Equal(t, StatusMappingError, ValidateVector(a.Ptr(), 5, 3))
}
