package fwimage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func hexLine(recType byte, addr uint16, payload []byte) string {
	body := []byte{byte(len(payload)), byte(addr >> 8), byte(addr), recType}
	body = append(body, payload...)
	var sum byte
	for _, b := range body {
		sum += b
	}
	sum = ^sum + 1
	return fmt.Sprintf(":%X", append(body, sum))
}

func TestParseIntelHexMergesAdjacentRecords(t *testing.T) {
	var lines []byte
	filler := func(b byte, n int) []byte {
		d := make([]byte, n)
		for i := range d {
			d[i] = b
		}
		return d
	}
	src := hexLine(hexRecData, 0x0000, filler(0xAA, 16)) + "\n" +
		hexLine(hexRecData, 0x0010, filler(0xBB, 16)) + "\n" +
		hexLine(hexRecEOF, 0, nil) + "\n"
	lines = append(lines, []byte(src)...)

	img, err := ParseIntelHex(lines)
	require.NoError(t, err)
	require.Len(t, img.Segments, 1)
	require.EqualValues(t, 0x0000, img.Segments[0].Address)
	require.Len(t, img.Segments[0].Data, 32)
	require.Equal(t, byte(0xAA), img.Segments[0].Data[0])
	require.Equal(t, byte(0xBB), img.Segments[0].Data[16])
}

func TestParseIntelHexExtendedLinearAddressMidFile(t *testing.T) {
	src := hexLine(hexRecData, 0x0000, []byte{0x01}) + "\n" +
		hexLine(hexRecExtendedLinearAddr, 0x0000, []byte{0x08, 0x01}) + "\n" +
		hexLine(hexRecData, 0x0000, []byte{0x02}) + "\n" +
		hexLine(hexRecEOF, 0, nil) + "\n"

	img, err := ParseIntelHex([]byte(src))
	require.NoError(t, err)
	require.Len(t, img.Segments, 2)
	require.EqualValues(t, 0x0000, img.Segments[0].Address)
	require.Equal(t, []byte{0x01}, img.Segments[0].Data)
	require.EqualValues(t, 0x08010000, img.Segments[1].Address)
	require.Equal(t, []byte{0x02}, img.Segments[1].Data)
}

func TestParseIntelHexZeroByteCountRecordContributesNothing(t *testing.T) {
	src := hexLine(hexRecData, 0x0000, nil) + "\n" +
		hexLine(hexRecData, 0x0000, []byte{0x01, 0x02, 0x03, 0x04}) + "\n" +
		hexLine(hexRecEOF, 0, nil) + "\n"
	img, err := ParseIntelHex([]byte(src))
	require.NoError(t, err)
	require.Len(t, img.Segments, 1)
	require.EqualValues(t, 0x0000, img.Segments[0].Address)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, img.Segments[0].Data)
}

func TestParseIntelHexChecksumMismatch(t *testing.T) {
	line := hexLine(hexRecData, 0x0000, []byte{0x01})
	corrupted := line[:len(line)-1] + "0"
	src := corrupted + "\n" + hexLine(hexRecEOF, 0, nil) + "\n"
	_, err := ParseIntelHex([]byte(src))
	require.Error(t, err)
}

func TestParseIntelHexMissingEOFRecord(t *testing.T) {
	src := hexLine(hexRecData, 0x0000, []byte{0x01}) + "\n"
	_, err := ParseIntelHex([]byte(src))
	require.Error(t, err)
}
