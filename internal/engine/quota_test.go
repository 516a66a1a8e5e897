package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaEnforcer(t *testing.T) {
	tests := []struct {
		name    string
		limit   int
		resume  int
		checks  int
		wantErr bool
	}{
		{name: "within limit", limit: 3, checks: 3},
		{name: "one past limit", limit: 3, checks: 4, wantErr: true},
		{name: "resumed count", limit: 5, resume: 5, checks: 1, wantErr: true},
		{name: "resumed below limit", limit: 5, resume: 2, checks: 1},
		{name: "no limit", limit: 0, checks: 10_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQuotaEnforcer(tt.limit)
			q.Resume(tt.resume)

			var err error
			for i := 0; i < tt.checks && err == nil; i++ {
				err = q.Check("alice-1")
			}
			if tt.wantErr {
				var se *StepsExceededError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, StepsExceededError{FlowID: "alice-1", Steps: q.Current(), Limit: tt.limit}, *se)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.resume+tt.checks, q.Current())
		})
	}
}

func TestStepsExceededError(t *testing.T) {
	err := &StepsExceededError{FlowID: "bob-7", Steps: 1001, Limit: 1000}
	assert.Equal(t, "flow bob-7 ran 1001 segments, more than its quota of 1000", err.Error())

	assert.True(t, IsStepsExceededError(err))
	assert.True(t, IsStepsExceededError(WrapError(KindInternal, err)))
	assert.False(t, IsStepsExceededError(nil))
	assert.False(t, IsStepsExceededError(NewFlowError(KindInternal, "disk full")))
}
