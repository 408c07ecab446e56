package gpu_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everything-os/shift/pkg/gpu"
)

func TestSoftwareBackendRegistered(t *testing.T) {
	assert.True(t, gpu.IsRegistered(gpu.BackendSoftware))
	assert.Contains(t, gpu.Available(), gpu.BackendSoftware)
}

func TestDefaultFallsBackToSoftware(t *testing.T) {
	b := gpu.Default()
	require.NotNil(t, b)
	assert.Equal(t, gpu.BackendSoftware, b.Name())
	require.NoError(t, b.Init())
	require.NoError(t, b.MakeCurrentForMonitor("mon_1"))

	img, err := b.ImportDmabuf(gpu.DmabufDescriptor{Width: 1920, Height: 1080})
	require.NoError(t, err)
	assert.Equal(t, int32(1920), img.Width())

	result, err := b.CommitAndGetRenderFence("mon_1")
	require.NoError(t, err)
	assert.False(t, result.HasRenderFence)
}
