package uio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/pkg"
)

func TestPagemapOffset(t *testing.T) {
	assert.Equal(t, int64(0), pagemapOffset(0xfff))
	assert.Equal(t, int64(8), pagemapOffset(0x1000))
	assert.Equal(t, int64(0x7f0000*8), pagemapOffset(0x7f0000123))
}

func TestPhysAddr(t *testing.T) {
	phys, err := physAddr(pagemapPresent|0x12345, 0x7f0000000abc)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x12345abc), phys)

	// Flag bits above the frame number are ignored.
	phys, err = physAddr(pagemapPresent|1<<55|0x200, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x200000), phys)

	_, err = physAddr(0x12345, 0x1000)
	assert.ErrorIs(t, err, pkg.ErrNoMemory, "not present")
	_, err = physAddr(pagemapPresent|pagemapSwapped|0x12345, 0x1000)
	assert.ErrorIs(t, err, pkg.ErrNoMemory, "swapped")
	_, err = physAddr(pagemapPresent, 0x1000)
	assert.ErrorIs(t, err, pkg.ErrNotSupported, "frame number hidden")
}
