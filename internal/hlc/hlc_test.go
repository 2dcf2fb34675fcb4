package hlc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrderingByLogicalId(t *testing.T) {
	early := Hlc{LogicalId: 1, CoordinatorWallClock: time.Unix(100, 0)}
	late := Hlc{LogicalId: 2, CoordinatorWallClock: time.Unix(50, 0)}

	// Wall clocks never participate in ordering.
	assert.True(t, early.Less(late))
	assert.False(t, late.Less(early))
	assert.Equal(t, -1, early.Compare(late))
	assert.Equal(t, 1, late.Compare(early))
	assert.Equal(t, 0, early.Compare(early))
	assert.True(t, early.Equal(Hlc{LogicalId: 1}))
}

func TestMaxMergesFieldsIndependently(t *testing.T) {
	a := Hlc{LogicalId: 10, CoordinatorWallClock: time.Unix(50, 0)}
	b := Hlc{LogicalId: 3, CoordinatorWallClock: time.Unix(200, 0)}

	merged := Max(a, b)
	assert.Equal(t, uint64(10), merged.LogicalId)
	assert.Equal(t, time.Unix(200, 0), merged.CoordinatorWallClock)
}

func TestClockAdvancesPastObservations(t *testing.T) {
	var clock Clock
	assert.Equal(t, uint64(0), clock.Latest().LogicalId)

	clock.Observe(Hlc{LogicalId: 5})
	clock.Observe(Hlc{LogicalId: 3})

	assert.Equal(t, uint64(5), clock.Latest().LogicalId)

	latest := clock.Observe(Hlc{LogicalId: 9})
	assert.Equal(t, uint64(9), latest.LogicalId)
}
