package crypto

import (
	"encoding/binary"
)

// BuildAAD binds a sealed frame to its sequence number and both endpoints.
func BuildAAD(seq uint64, from, to string) []byte {
	buf := make([]byte, 0, 8+2+len(from)+2+len(to))
	buf = binary.BigEndian.AppendUint64(buf, seq)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(from)))
	buf = append(buf, from...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(to)))
	buf = append(buf, to...)
	return buf
}
