package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JeanOUINA/vite-work-server/internal/gpu"
)

func TestParseGPUSpec(t *testing.T) {
	spec, err := parseGPUSpec("0:1")
	require.NoError(t, err)
	require.Equal(t, gpuSpec{platform: 0, device: 1, threads: gpu.DefaultThreads}, spec)

	spec, err = parseGPUSpec("1:2:4096")
	require.NoError(t, err)
	require.Equal(t, gpuSpec{platform: 1, device: 2, threads: 4096}, spec)

	_, err = parseGPUSpec("0")
	require.Error(t, err)

	_, err = parseGPUSpec("0:1:2:3")
	require.Error(t, err)

	_, err = parseGPUSpec("x:1")
	require.Error(t, err)
}
