package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_PolicyIsRTClassifiesFIFOAndRROnly(t *testing.T) {
	assert.True(t, PolicyFIFO.IsRT())
	assert.True(t, PolicyRR.IsRT())
	assert.False(t, PolicyNormal.IsRT())
	assert.False(t, PolicyBatch.IsRT())
	assert.False(t, PolicyIdle.IsRT())
}

func Test_WeightForIgnoresNiceUnderIdlePolicy(t *testing.T) {
	assert.Equal(t, uint32(idleWeight), WeightFor(PolicyIdle, -20))
	assert.Equal(t, uint32(idleWeight), WeightFor(PolicyIdle, 19))
	assert.Equal(t, WeightFor(PolicyNormal, 0), WeightFor(PolicyBatch, 0))
	assert.Less(t, WeightFor(PolicyIdle, -20), WeightFor(PolicyNormal, 19))
}

func Test_NewIdleIsRunnableAndNeverCollidesWithARegistryID(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 10; i++ {
		r.Create(uint32(i), uint32(i), PolicyNormal, 0)
	}

	idle := NewIdle(0)
	assert.Equal(t, StateRunnable, idle.State)
	assert.Equal(t, PolicyIdle, idle.Policy)
	_, err := r.Lookup(idle.ID)
	require.Error(t, err, "idle task ID must never collide with a registry-assigned ID")

	assert.NotEqual(t, NewIdle(0).ID, NewIdle(1).ID)
}
