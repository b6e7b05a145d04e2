package protocol

import (
	"encoding/binary"

	"golang.org/x/text/unicode/norm"
)

// Reader pulls fields from a decoded frame. Byte 0 is always the opcode.
// Reads past the end return zero values instead of panicking, mirroring the
// drop-don't-crash policy at the protocol boundary.
type Reader struct {
	data []byte
	off  int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data, off: 1} // skip opcode byte
}

func (r *Reader) Opcode() byte {
	if len(r.data) == 0 {
		return 0
	}
	return r.data[0]
}

// ReadC reads 1 unsigned byte.
func (r *Reader) ReadC() byte {
	if r.off >= len(r.data) {
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

// ReadH reads 2 bytes as little-endian uint16.
func (r *Reader) ReadH() uint16 {
	if r.off+2 > len(r.data) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

// ReadD reads 4 bytes as little-endian uint32.
func (r *Reader) ReadD() uint32 {
	if r.off+4 > len(r.data) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

// ReadQ reads 8 bytes as little-endian uint64.
func (r *Reader) ReadQ() uint64 {
	if r.off+8 > len(r.data) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

// ReadS reads a uint16-length-prefixed UTF-8 string, normalized to NFC so
// zone and call names compare bytewise regardless of client composition.
func (r *Reader) ReadS() string {
	n := int(r.ReadH())
	if n == 0 || r.off+n > len(r.data) {
		return ""
	}
	s := r.data[r.off : r.off+n]
	r.off += n
	return norm.NFC.String(string(s))
}

// ReadBytes reads n raw bytes, clamped to what remains.
func (r *Reader) ReadBytes(n int) []byte {
	if r.off+n > len(r.data) {
		n = len(r.data) - r.off
	}
	if n <= 0 {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.data[r.off:r.off+n])
	r.off += n
	return b
}

// Rest returns everything unread.
func (r *Reader) Rest() []byte {
	return r.ReadBytes(len(r.data) - r.off)
}

// Remaining reports the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}
