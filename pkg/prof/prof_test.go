//go:build profile

package prof

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_WritesProfiles(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		CPU:       filepath.Join(dir, "cpu.prof"),
		Heap:      filepath.Join(dir, "heap.prof"),
		Goroutine: filepath.Join(dir, "goroutine.prof"),
		Mutex:     filepath.Join(dir, "mutex.prof"),
	}
	s, err := Start(opts)
	require.NoError(t, err)

	_, err = Start(Options{CPU: filepath.Join(dir, "again.prof")})
	assert.ErrorIs(t, err, ErrCPUProfileActive)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stopping twice is harmless")

	for _, path := range []string{opts.CPU, opts.Heap, opts.Goroutine, opts.Mutex} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.NotZero(t, info.Size(), path)
	}

	// The CPU profiler is free again.
	s, err = Start(Options{CPU: filepath.Join(dir, "cpu2.prof")})
	require.NoError(t, err)
	require.NoError(t, s.Stop())
}

func TestSession_HTTP(t *testing.T) {
	s, err := Start(Options{HTTP: "127.0.0.1:0"})
	require.NoError(t, err)
	defer s.Stop()
	require.NotEmpty(t, s.Addr())

	resp, err := http.Get("http://" + s.Addr() + "/debug/pprof/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "goroutine")
}

func TestStart_BadPath(t *testing.T) {
	_, err := Start(Options{CPU: "/nonexistent/directory/cpu.prof"})
	assert.Error(t, err)

	s, err := Start(Options{CPU: filepath.Join(t.TempDir(), "cpu.prof")})
	require.NoError(t, err, "a failed start releases the CPU profiler")
	require.NoError(t, s.Stop())
}

func TestWriteTo(t *testing.T) {
	for _, p := range []Profile{ProfileHeap, ProfileAllocs, ProfileGoroutine, ProfileThreadCreate, ProfileBlock, ProfileMutex} {
		t.Run(p.String(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteTo(p, &buf, 1))
			assert.NotZero(t, buf.Len())
		})
	}
	assert.ErrorIs(t, WriteTo("cpu", io.Discard, 0), ErrInvalidProfile)
}
