package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredefinedErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"ErrNoAvailableUnits", ErrNoAvailableUnits},
		{"ErrPoolTerminated", ErrPoolTerminated},
		{"ErrPoolExhausted", ErrPoolExhausted},
		{"ErrUnitExited", ErrUnitExited},
		{"ErrInvalidConfig", ErrInvalidConfig},
		{"ErrUnitClosed", ErrUnitClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err == nil {
				t.Errorf("expected error, got nil")
			}
			if tt.err.Error() == "" {
				t.Errorf("expected non-empty error message")
			}
		})
	}
}

func TestUnitError(t *testing.T) {
	t.Run("with job", func(t *testing.T) {
		cause := errors.New("checksum table corrupted")
		err := NewUnitError(3, "job-1", cause)

		assert.Equal(t, "unit 3 job job-1: checksum table corrupted", err.Error())
		assert.True(t, errors.Is(err, cause))
		assert.Same(t, cause, RootCause(err))
	})

	t.Run("without job", func(t *testing.T) {
		err := NewUnitError(7, "", errors.New("boom"))
		assert.Equal(t, "unit 7: boom", err.Error())
	})

	t.Run("wrapped twice", func(t *testing.T) {
		cause := errors.New("out of memory")
		wrapped := fmt.Errorf("decode: %w", NewUnitError(1, "j", cause))

		var unitErr *UnitError
		assert.True(t, errors.As(wrapped, &unitErr))
		assert.Equal(t, 1, unitErr.UnitID)
		assert.Same(t, cause, RootCause(wrapped))
	})

	t.Run("root cause of plain error", func(t *testing.T) {
		plain := errors.New("plain")
		assert.Same(t, plain, RootCause(plain))
	})
}

func TestIsAdmissionError(t *testing.T) {
	assert.True(t, IsAdmissionError(ErrNoAvailableUnits))
	assert.True(t, IsAdmissionError(fmt.Errorf("decode: %w", ErrPoolExhausted)))
	assert.False(t, IsAdmissionError(ErrPoolTerminated))
	assert.False(t, IsAdmissionError(errors.New("other")))
}
