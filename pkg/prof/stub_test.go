//go:build !profile

package prof

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/pkg"
)

func TestStart_Disabled(t *testing.T) {
	s, err := Start(Options{})
	require.NoError(t, err)
	assert.Empty(t, s.Addr())
	assert.NoError(t, s.Stop())

	_, err = Start(Options{CPU: "cpu.prof"})
	assert.ErrorIs(t, err, pkg.ErrNotSupported)
	assert.ErrorIs(t, WriteTo(ProfileHeap, io.Discard, 0), pkg.ErrNotSupported)
}
