package dfu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMemoryLayout(t *testing.T) {
	l, err := ParseMemoryLayout("@Internal Flash /0x08000000/04*016Kg,01*064Kg,07*128Kg")
	require.NoError(t, err)
	require.Equal(t, "Internal Flash", l.Name)
	require.EqualValues(t, 0x08000000, l.BaseAddr)
	require.Len(t, l.Regions, 3)
	require.Equal(t, MemoryRegion{PageCount: 4, PageSize: 16 * 1024, MemoryType: "g"}, l.Regions[0])
	require.Equal(t, MemoryRegion{PageCount: 1, PageSize: 64 * 1024, MemoryType: "g"}, l.Regions[1])
	require.Equal(t, MemoryRegion{PageCount: 7, PageSize: 128 * 1024, MemoryType: "g"}, l.Regions[2])
}

func TestParseMemoryLayoutRejectsMalformed(t *testing.T) {
	_, err := ParseMemoryLayout("Internal Flash /0x08000000/04*016Kg")
	require.Error(t, err)

	_, err = ParseMemoryLayout("@Internal Flash /0x08000000")
	require.Error(t, err)

	_, err = ParseMemoryLayout("@Internal Flash /0x08000000/bogus")
	require.Error(t, err)
}

func TestErasePagesWithinSingleRegion(t *testing.T) {
	l, err := ParseMemoryLayout("@Internal Flash /0x08000000/04*016Kg,01*064Kg,07*128Kg")
	require.NoError(t, err)

	// Write touches the first two 16K pages only: [0x08003000, 0x08008000).
	pages := l.ErasePages(0x3000, 0x5000)
	require.Equal(t, []uint32{0x08000000, 0x08004000}, pages)
}

func TestErasePagesSpansMultipleRegions(t *testing.T) {
	l, err := ParseMemoryLayout("@Internal Flash /0x08000000/04*016Kg,01*064Kg,07*128Kg")
	require.NoError(t, err)

	// Write spans all four 16K pages and into the single 64K page.
	pages := l.ErasePages(0x3000, 0xE000)
	require.Equal(t, []uint32{0x08000000, 0x08004000, 0x08008000, 0x0800C000, 0x08010000}, pages)
}

func TestErasePagesZeroLength(t *testing.T) {
	l, err := ParseMemoryLayout("@Internal Flash /0x08000000/04*016Kg")
	require.NoError(t, err)
	require.Nil(t, l.ErasePages(0x1000, 0))
}

func TestErasePagesExactPageBoundaryTouchesOnlyPriorPage(t *testing.T) {
	l, err := ParseMemoryLayout("@Internal Flash /0x08000000/04*016Kg")
	require.NoError(t, err)

	// A write ending exactly at a page boundary does not pull in the
	// next page: [0x0000, 0x4000) touches only page 0.
	pages := l.ErasePages(0x0000, 0x4000)
	require.Equal(t, []uint32{0x08000000}, pages)
}
