package modecell_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/labbench/sentinel/internal/modecell"
)

func TestActivateEdgeTriggering(t *testing.T) {
	c := modecell.New()

	changed := c.Activate(1, 2, 10)
	assert.True(t, changed, "first activation should always report changed")

	changed = c.Activate(1, 2, 10)
	assert.False(t, changed, "re-activating the same mode should not report changed")

	changed = c.Activate(1, 2, 11)
	assert.True(t, changed, "switching modes should report changed")

	cur, ok := c.Current(1, 2)
	assert.True(t, ok)
	assert.Equal(t, 11, cur)
}

func TestActivateIsolatedPerKey(t *testing.T) {
	c := modecell.New()

	c.Activate(1, 2, 10)
	changed := c.Activate(1, 3, 10)
	assert.True(t, changed, "same mode id on a different instrument is still a fresh activation")

	changed = c.Activate(2, 2, 10)
	assert.True(t, changed, "same mode id on a different setup is still a fresh activation")
}

func TestForgetClearsLastActivation(t *testing.T) {
	c := modecell.New()
	c.Activate(1, 2, 10)

	c.Forget(1, 2)

	_, ok := c.Current(1, 2)
	assert.False(t, ok)

	changed := c.Activate(1, 2, 10)
	assert.True(t, changed, "after Forget, the next activation should re-trigger")
}

func TestCurrentUnknownKey(t *testing.T) {
	c := modecell.New()
	_, ok := c.Current(99, 99)
	assert.False(t, ok)
}

func TestDesiredFallback(t *testing.T) {
	c := modecell.New()

	got := c.Desired(1, 2, 42)
	assert.Equal(t, 42, got, "no selection yet should return the fallback")

	c.SetDesired(1, 2, 10)
	got = c.Desired(1, 2, 42)
	assert.Equal(t, 10, got)

	c.ClearDesired(1, 2)
	got = c.Desired(1, 2, 42)
	assert.Equal(t, 42, got, "after ClearDesired the fallback should apply again")
}

func TestDesiredIsolatedPerKey(t *testing.T) {
	c := modecell.New()
	c.SetDesired(1, 2, 10)

	got := c.Desired(1, 3, 99)
	assert.Equal(t, 99, got)

	got = c.Desired(2, 2, 99)
	assert.Equal(t, 99, got)
}
