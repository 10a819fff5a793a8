package availability

import (
	"testing"

	"github.com/danmuck/shellsurface/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeferQueuesUntilAvailable(t *testing.T) {
	testlog.Start(t)

	g := New()
	var ran []int
	require.ErrorIs(t, g.Defer(func() { ran = append(ran, 1) }), ErrNotReady)
	require.ErrorIs(t, g.Defer(func() { ran = append(ran, 2) }), ErrNotReady)
	assert.Empty(t, ran)
	assert.Equal(t, 2, g.Pending())

	g.SetAvailable(true)
	assert.Equal(t, []int{1, 2}, ran)
	assert.Equal(t, 0, g.Pending())
	assert.Equal(t, Available, g.State())
}

func TestDrainRunsEachContinuationOnce(t *testing.T) {
	testlog.Start(t)

	g := New()
	count := 0
	_ = g.Defer(func() { count++ })

	g.SetAvailable(true)
	g.SetAvailable(true)
	g.SetAvailable(false)
	g.SetAvailable(true)

	assert.Equal(t, 1, count)
	assert.Equal(t, 2, g.Transitions())
}

func TestDeferRunsImmediatelyWhenAvailable(t *testing.T) {
	testlog.Start(t)

	g := New()
	g.SetAvailable(true)
	ran := false
	require.NoError(t, g.Defer(func() { ran = true }))
	assert.True(t, ran)
}

func TestContinuationQueuedDuringDrainRuns(t *testing.T) {
	testlog.Start(t)

	g := New()
	var order []string
	_ = g.Defer(func() {
		order = append(order, "first")
		// Available already: runs inline.
		_ = g.Defer(func() { order = append(order, "nested") })
	})
	_ = g.Defer(func() { order = append(order, "second") })

	g.SetAvailable(true)
	assert.Equal(t, []string{"first", "nested", "second"}, order)
}

func TestWithdrawDuringDrainKeepsRemainder(t *testing.T) {
	testlog.Start(t)

	g := New()
	ran := 0
	_ = g.Defer(func() { ran++; g.SetAvailable(false) })
	_ = g.Defer(func() { ran++ })

	g.SetAvailable(true)
	assert.Equal(t, 1, ran)
	assert.Equal(t, 1, g.Pending())

	g.SetAvailable(true)
	assert.Equal(t, 2, ran)
	assert.Equal(t, 0, g.Pending())
}
