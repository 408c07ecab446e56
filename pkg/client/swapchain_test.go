package client_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/everything-os/shift/pkg/client"
	"github.com/everything-os/shift/pkg/ids"
)

func TestSwapchainAcquireMarksAcquired(t *testing.T) {
	sc := client.NewSwapchain(client.BufferDescriptor{FD: 10}, client.BufferDescriptor{FD: 11})

	idx, desc, ok := sc.AcquireNext()
	assert.True(t, ok)
	assert.Equal(t, ids.BufferZero, idx)
	assert.Equal(t, 10, desc.FD)
	assert.Equal(t, client.Acquired, sc.State(ids.BufferZero))
}

func TestSwapchainAcquireNextPrefersOtherFreeBuffer(t *testing.T) {
	sc := client.NewSwapchain(client.BufferDescriptor{FD: 10}, client.BufferDescriptor{FD: 11})

	first, _, ok := sc.AcquireNext()
	assert.True(t, ok)
	sc.MarkBusy(first)

	second, _, ok := sc.AcquireNext()
	assert.True(t, ok)
	assert.NotEqual(t, first, second)
}

func TestSwapchainAcquireFailsWhenBothBusy(t *testing.T) {
	sc := client.NewSwapchain(client.BufferDescriptor{}, client.BufferDescriptor{})
	sc.MarkBusy(ids.BufferZero)
	sc.MarkBusy(ids.BufferOne)

	_, _, ok := sc.AcquireNext()
	assert.False(t, ok)
}

func TestSwapchainMarkReleasedFreesBuffer(t *testing.T) {
	sc := client.NewSwapchain(client.BufferDescriptor{}, client.BufferDescriptor{})
	idx, _, _ := sc.AcquireNext()
	sc.MarkBusy(idx)

	sc.MarkReleased(idx)
	assert.Equal(t, client.Free, sc.State(idx))
}

func TestSwapchainRollbackUndoesLastAcquire(t *testing.T) {
	sc := client.NewSwapchain(client.BufferDescriptor{}, client.BufferDescriptor{})
	idx, _, _ := sc.AcquireNext()

	sc.Rollback()
	assert.Equal(t, client.Free, sc.State(idx))
}

func TestSwapchainRollbackIsNoOpWithoutAcquire(t *testing.T) {
	sc := client.NewSwapchain(client.BufferDescriptor{}, client.BufferDescriptor{})
	sc.Rollback()
	assert.Equal(t, client.Free, sc.State(ids.BufferZero))
	assert.Equal(t, client.Free, sc.State(ids.BufferOne))
}
