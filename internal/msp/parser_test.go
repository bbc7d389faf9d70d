package msp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func stripTimestamps(pkts []Packet) []Packet {
	out := make([]Packet, len(pkts))
	for i, p := range pkts {
		p.Timestamp = time.Time{}
		out[i] = p
	}
	return out
}

func TestParserResumability(t *testing.T) {
	full := []byte("$M>\x00\x79\x79")
	chunks := [][]byte{full[0:2], full[2:4], full[4:6]}

	p := NewParser()
	var got []Packet
	for _, c := range chunks {
		got = append(got, p.Feed(c)...)
	}
	require.Len(t, got, 1)
	require.Equal(t, 1, got[0].Version)
	require.Equal(t, DirResponse, got[0].Direction)
	require.EqualValues(t, 0x79, got[0].Command)
	require.Empty(t, got[0].Payload)
	require.EqualValues(t, 0x79, got[0].Checksum)
	require.EqualValues(t, 1, p.Stats().PacketsV1)
}

func TestParserSameStreamAnySplit(t *testing.T) {
	frame1, err := SerializeV1(DirResponse, 0x05, []byte{1, 2, 3})
	require.NoError(t, err)
	frame2, err := SerializeV2(DirRequest, 0, 0x1F03, []byte{0xAA, 0xBB})
	require.NoError(t, err)
	stream := append(append([]byte("noise before"), frame1...), frame2...)
	stream = append(stream, []byte("trailing noise")...)

	// Whole stream at once.
	p1 := NewParser()
	want := stripTimestamps(p1.Feed(stream))
	require.Len(t, want, 2)

	// Byte-at-a-time.
	p2 := NewParser()
	var got []Packet
	for _, b := range stream {
		got = append(got, stripTimestamps(p2.Feed([]byte{b}))...)
	}
	require.Equal(t, want, got)

	// Arbitrary uneven chunking.
	p3 := NewParser()
	var got2 []Packet
	chunkSizes := []int{3, 7, 1, 5, 100}
	pos := 0
	ci := 0
	for pos < len(stream) {
		n := chunkSizes[ci%len(chunkSizes)]
		ci++
		end := pos + n
		if end > len(stream) {
			end = len(stream)
		}
		got2 = append(got2, stripTimestamps(p3.Feed(stream[pos:end]))...)
		pos = end
	}
	require.Equal(t, want, got2)
}

func TestParserDropsNoise(t *testing.T) {
	p := NewParser()
	pkts := p.Feed([]byte{'$', 'Z', 'x', 'y', 0x00, 0x11})
	require.Empty(t, pkts)
	require.Zero(t, p.Stats().PacketsReceived)
}

func TestParserBadChecksumDropped(t *testing.T) {
	p := NewParser()
	// Valid frame except for the checksum byte.
	pkts := p.Feed([]byte{'$', 'M', '>', 0x00, 0x79, 0x00})
	require.Empty(t, pkts)
	require.EqualValues(t, 1, p.Stats().BadChecksum)
}

func TestParserV1MaxLengthAwaitsPayload(t *testing.T) {
	p := NewParser()
	pkts := p.Feed([]byte{'$', 'M', '>', 0xFF})
	require.Empty(t, pkts)
	require.Equal(t, []Packet(nil), pkts)
	require.Zero(t, p.Stats().BadLength)
}

func TestParserErrorDirectionCountsError(t *testing.T) {
	frame, err := SerializeV1(DirError, 5, nil)
	require.NoError(t, err)
	p := NewParser()
	pkts := p.Feed(frame)
	require.Len(t, pkts, 1)
	require.Equal(t, DirError, pkts[0].Direction)
	require.EqualValues(t, 1, p.Stats().Errors)
}

func TestParserResetStatsVsReset(t *testing.T) {
	p := NewParser()
	p.Feed([]byte{'$', 'M', '>', 0x00, 0x79, 0x00}) // bad checksum
	require.EqualValues(t, 1, p.Stats().BadChecksum)
	p.Reset()
	require.EqualValues(t, 1, p.Stats().BadChecksum) // Reset doesn't clear stats
	p.ResetStats()
	require.EqualValues(t, 0, p.Stats().BadChecksum)
}

func TestParserBoundaryPayloadLengths(t *testing.T) {
	for _, n := range []int{0, 1, 255} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i)
		}
		frame, err := SerializeV1(DirResponse, 7, payload)
		require.NoError(t, err)
		p := NewParser()
		pkts := p.Feed(frame)
		require.Len(t, pkts, 1)
		require.Len(t, pkts[0].Payload, n)
	}
	for _, n := range []int{0, 1, 65535} {
		payload := make([]byte, n)
		frame, err := SerializeV2(DirResponse, 0, 9, payload)
		require.NoError(t, err)
		p := NewParser()
		pkts := p.Feed(frame)
		require.Len(t, pkts, 1)
		require.Len(t, pkts[0].Payload, n)
	}
}
