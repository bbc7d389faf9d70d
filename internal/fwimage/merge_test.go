package fwimage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeSegmentsAdjacent(t *testing.T) {
	segs := []Segment{
		{Address: 0x08000010, Data: []byte{0xBB, 0xBB}},
		{Address: 0x08000000, Data: []byte{0xAA, 0xAA}},
	}
	merged := MergeSegments(segs)
	require.Len(t, merged, 1)
	require.EqualValues(t, 0x08000000, merged[0].Address)
	require.Len(t, merged[0].Data, 18)
}

func TestMergeSegmentsSmallGapFilled(t *testing.T) {
	segs := []Segment{
		{Address: 0x08000000, Data: []byte{0x11, 0x11}},
		{Address: 0x08000000 + 2 + 10, Data: []byte{0x22, 0x22}},
	}
	merged := MergeSegments(segs)
	require.Len(t, merged, 1)
	require.Len(t, merged[0].Data, 14)
	for _, b := range merged[0].Data[2:12] {
		require.EqualValues(t, 0xFF, b)
	}
}

func TestMergeSegmentsLargeGapLeftSeparate(t *testing.T) {
	segs := []Segment{
		{Address: 0x08000000, Data: []byte{0x11}},
		{Address: 0x08000000 + gapFillThreshold + 1, Data: []byte{0x22}},
	}
	merged := MergeSegments(segs)
	require.Len(t, merged, 2)
	require.EqualValues(t, 0x08000000, merged[0].Address)
	require.EqualValues(t, 0x08000000+gapFillThreshold+1, merged[1].Address)
}

func TestMergeSegmentsGapAtThresholdLeftSeparate(t *testing.T) {
	segs := []Segment{
		{Address: 0x08000000, Data: []byte{0x11}},
		{Address: 0x08000000 + 1 + gapFillThreshold, Data: []byte{0x22}},
	}
	merged := MergeSegments(segs)
	require.Len(t, merged, 2)
}

func TestMergeSegmentsGapJustUnderThresholdFilled(t *testing.T) {
	segs := []Segment{
		{Address: 0x08000000, Data: []byte{0x11}},
		{Address: 0x08000000 + gapFillThreshold - 1, Data: []byte{0x22}},
	}
	merged := MergeSegments(segs)
	require.Len(t, merged, 1)
	require.Len(t, merged[0].Data, gapFillThreshold)
}

func TestMergeSegmentsOverlapKeepsLater(t *testing.T) {
	segs := []Segment{
		{Address: 0x08000000, Data: []byte{0xAA, 0xAA, 0xAA}},
		{Address: 0x08000001, Data: []byte{0xBB, 0xBB}},
	}
	merged := MergeSegments(segs)
	require.Len(t, merged, 1)
	require.Equal(t, []byte{0xAA, 0xBB, 0xBB}, merged[0].Data)
}

func TestMergeSegmentsOverlapFullyContained(t *testing.T) {
	segs := []Segment{
		{Address: 0x08000000, Data: []byte{0xAA, 0xAA, 0xAA, 0xAA}},
		{Address: 0x08000001, Data: []byte{0xBB, 0xBB}},
	}
	merged := MergeSegments(segs)
	require.Len(t, merged, 1)
	require.Equal(t, []byte{0xAA, 0xBB, 0xBB, 0xAA}, merged[0].Data)
}

func TestMergeSegmentsEmpty(t *testing.T) {
	require.Nil(t, MergeSegments(nil))
}
