package channelspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFreezeIsOneShot(t *testing.T) {
	resetForTest()
	Freeze(One)
	Freeze(Zero) // second call is a no-op
	assert.Equal(t, One, Current())
	resetForTest()
}

func TestIsUnusedPerScheme(t *testing.T) {
	resetForTest()
	Freeze(Zero)
	assert.True(t, IsUnused(-1))
	assert.False(t, IsUnused(0))
	resetForTest()

	Freeze(One)
	assert.True(t, IsUnused(0))
	assert.False(t, IsUnused(1))
	resetForTest()
}
