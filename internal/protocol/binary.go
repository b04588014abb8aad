package protocol

import (
	"encoding/binary"
	"fmt"
)

// Binary frames prefix raw chunk bytes with the owning transfer id so a
// single socket can interleave chunks for multiple transfers.
const chunkHeaderLen = 4

// EncodeChunk frames chunk bytes for a transfer.
func EncodeChunk(transferID uint32, data []byte) []byte {
	buf := make([]byte, chunkHeaderLen+len(data))
	binary.LittleEndian.PutUint32(buf, transferID)
	copy(buf[chunkHeaderLen:], data)
	return buf
}

// DecodeChunk splits a binary frame into its transfer id and chunk bytes.
// The returned slice aliases the input.
func DecodeChunk(frame []byte) (uint32, []byte, error) {
	if len(frame) < chunkHeaderLen {
		return 0, nil, fmt.Errorf("binary frame too short: %d bytes", len(frame))
	}
	return binary.LittleEndian.Uint32(frame), frame[chunkHeaderLen:], nil
}
