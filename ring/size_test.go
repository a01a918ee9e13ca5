package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckSize(t *testing.T) {
	tests := []struct {
		name        string
		size        int
		containsErr string
	}{
		{
			name:        "negative",
			size:        -1,
			containsErr: "too small",
		},
		{
			name:        "zero",
			size:        0,
			containsErr: "too small",
		},
		{
			name:        "not a power of 2",
			size:        1000,
			containsErr: "not a power of 2",
		},
		{
			name:        "too large",
			size:        65536,
			containsErr: "larger than the maximum",
		},
		{
			name: "valid 1",
			size: 1,
		},
		{
			name: "valid 512",
			size: 512,
		},
		{
			name: "valid max",
			size: MaxSize,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckSize(tt.size)
			if tt.containsErr != "" {
				assert.ErrorContains(t, err, tt.containsErr)
				assert.ErrorIs(t, err, ErrSizeInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
