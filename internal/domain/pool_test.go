package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolValidation(t *testing.T) {
	tests := []struct {
		name        string
		pool        Pool
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid pool",
			pool: Pool{
				Repository:     "org/repo",
				MinRunners:     1,
				MaxRunners:     10,
				ScaleIncrement: 5,
				ScaleThreshold: 0.8,
			},
			expectError: false,
		},
		{
			name: "empty repository",
			pool: Pool{
				Repository:     "",
				MaxRunners:     10,
				ScaleIncrement: 5,
				ScaleThreshold: 0.8,
			},
			expectError: true,
			errorMsg:    "repository",
		},
		{
			name: "max less than min",
			pool: Pool{
				Repository:     "org/repo",
				MinRunners:     5,
				MaxRunners:     1,
				ScaleIncrement: 5,
				ScaleThreshold: 0.8,
			},
			expectError: true,
			errorMsg:    "max_runners",
		},
		{
			name: "zero increment",
			pool: Pool{
				Repository:     "org/repo",
				MaxRunners:     10,
				ScaleIncrement: 0,
				ScaleThreshold: 0.8,
			},
			expectError: true,
			errorMsg:    "scale_increment",
		},
		{
			name: "threshold out of range",
			pool: Pool{
				Repository:     "org/repo",
				MaxRunners:     10,
				ScaleIncrement: 5,
				ScaleThreshold: 1.5,
			},
			expectError: true,
			errorMsg:    "scale_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pool.Validate()
			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestPoolIsWildcard(t *testing.T) {
	assert.True(t, (&Pool{Repository: "*"}).IsWildcard())
	assert.False(t, (&Pool{Repository: "org/repo"}).IsWildcard())
}
