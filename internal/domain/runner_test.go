package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerValidation(t *testing.T) {
	tests := []struct {
		name        string
		runner      Runner
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid runner",
			runner: Runner{
				Name:       "runner-1",
				Type:       RunnerTypeEphemeral,
				Status:     RunnerStatusIdle,
				Repository: "org/repo",
			},
			expectError: false,
		},
		{
			name: "empty name",
			runner: Runner{
				Type:       RunnerTypeEphemeral,
				Status:     RunnerStatusIdle,
				Repository: "org/repo",
			},
			expectError: true,
			errorMsg:    "name",
		},
		{
			name: "empty repository",
			runner: Runner{
				Name:   "runner-1",
				Type:   RunnerTypeEphemeral,
				Status: RunnerStatusIdle,
			},
			expectError: true,
			errorMsg:    "repository",
		},
		{
			name: "invalid type",
			runner: Runner{
				Name:       "runner-1",
				Type:       "BOGUS",
				Status:     RunnerStatusIdle,
				Repository: "org/repo",
			},
			expectError: true,
			errorMsg:    "type",
		},
		{
			name: "invalid status",
			runner: Runner{
				Name:       "runner-1",
				Type:       RunnerTypeEphemeral,
				Status:     "BOGUS",
				Repository: "org/repo",
			},
			expectError: true,
			errorMsg:    "status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.runner.Validate()
			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRunnerIsOffline(t *testing.T) {
	assert.True(t, (&Runner{Status: RunnerStatusOffline}).IsOffline())
	assert.False(t, (&Runner{Status: RunnerStatusIdle}).IsOffline())
}
