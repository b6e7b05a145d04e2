package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFramePayload is the largest payload the 2-byte length header can carry:
// 65535 total minus the header itself. Both directions enforce it, so an
// oversized broadcast fails loudly instead of wrapping the length field and
// desynchronizing the stream.
const maxFramePayload = 65533

// ReadFrame reads one length-prefixed frame: a little-endian uint16 holding
// the total size (header included), then the payload. The header bytes are
// stripped; callers get payload only.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	totalLen := int(binary.LittleEndian.Uint16(header[:]))
	payloadLen := totalLen - 2
	if payloadLen <= 0 || payloadLen > maxFramePayload {
		return nil, fmt.Errorf("invalid frame length: %d", totalLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload (%d bytes): %w", payloadLen, err)
	}
	return payload, nil
}

// WriteFrame writes data as one frame under the same header scheme. Empty and
// oversized payloads are rejected, mirroring what ReadFrame would refuse on
// the far side.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) == 0 || len(data) > maxFramePayload {
		return fmt.Errorf("frame payload size %d out of range [1, %d]", len(data), maxFramePayload)
	}
	var header [2]byte
	binary.LittleEndian.PutUint16(header[:], uint16(len(data)+2))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}
