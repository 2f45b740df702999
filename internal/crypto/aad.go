package crypto

import (
	"encoding/binary"
)

// BuildAAD binds a sealed payload to its message type, sequence, endpoints and channel.
func BuildAAD(msgType string, seq uint64, fromID, toID string, channelID string) []byte {
	fields := [][]byte{[]byte(msgType), []byte(fromID), []byte(toID), []byte(channelID)}
	size := 8
	for _, f := range fields {
		size += 2 + len(f)
	}
	buf := make([]byte, 0, size)
	var tmp [2]byte
	for i, f := range fields {
		binary.BigEndian.PutUint16(tmp[:], uint16(len(f)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, f...)
		if i == 0 {
			var seqBytes [8]byte
			binary.BigEndian.PutUint64(seqBytes[:], seq)
			buf = append(buf, seqBytes[:]...)
		}
	}
	return buf
}
