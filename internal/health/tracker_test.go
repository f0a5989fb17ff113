package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnknownComponentIsZeroValue(t *testing.T) {
	tr := NewTracker()
	s := tr.Get("arweave")
	assert.True(t, s.Healthy())
	assert.True(t, s.LastSuccess.IsZero())
}

func TestRecordSuccessResetsStreak(t *testing.T) {
	tr := NewTracker()
	tr.RecordFailure("gun", errors.New("peer unreachable"))
	tr.RecordFailure("gun", errors.New("peer unreachable"))
	assert.Equal(t, 2, tr.Get("gun").ErrorStreak)
	assert.False(t, tr.Get("gun").Healthy())

	tr.RecordSuccess("gun")
	s := tr.Get("gun")
	assert.True(t, s.Healthy())
	assert.Equal(t, 0, s.ErrorStreak)
	assert.False(t, s.LastSuccess.IsZero())
}

func TestRecordFailureKeepsLastError(t *testing.T) {
	tr := NewTracker()
	tr.RecordFailure("es", errors.New("timeout"))
	assert.Equal(t, "timeout", tr.Get("es").LastError)
	assert.Equal(t, 1, tr.Get("es").ErrorStreak)
}
