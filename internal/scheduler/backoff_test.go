package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	for i := 0; i < 100; i++ {
		b1 := backoffWithJitter(base, max, 1)
		assert.GreaterOrEqual(t, b1, base/2)
		assert.Less(t, b1, base)

		b3 := backoffWithJitter(base, max, 3)
		assert.GreaterOrEqual(t, b3, 2*time.Second)
		assert.Less(t, b3, 4*time.Second)

		capped := backoffWithJitter(base, max, 60)
		assert.GreaterOrEqual(t, capped, max/2, "huge attempts are capped, not overflowed")
		assert.Less(t, capped, max)
	}
	assert.Equal(t, base, backoffWithJitter(base, max, 0))
}
