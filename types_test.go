package tdbcore

import "testing"

import "github.com/stretchr/testify/require"

func TestHeaderRoundTrip(t *testing.T) {
	h := nodeHeader{
		isInnerBPNode: true,
		hasRefs:       true,
		contextFlag:   false,
		scheme:        widthSchemeBits,
		width:         16,
		size:          12345,
		capacity:      54321,
		checksum:      0xAB,
	}

	buf := encodeHeader(h)
	got := decodeHeader(buf[:])

	require.Equal(t, h, got)
}

func TestPayloadBytesAlignment(t *testing.T) {
	h := nodeHeader{width: 1, size: 3}
	require.Equal(t, 1, h.payloadBytes()) // 3 bits -> 1 byte

	h2 := nodeHeader{width: 64, size: 2}
	require.Equal(t, 16, h2.payloadBytes())
	require.Equal(t, 24, h2.totalBytes()) // 8 header + 16 payload, already aligned
}

func TestWidthIndexRoundTrip(t *testing.T) {
	for _, w := range elementWidths {
		require.Equal(t, w, elementWidths[widthIndex(w)])
	}
}
