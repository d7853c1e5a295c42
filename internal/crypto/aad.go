package crypto

import (
	"encoding/binary"
)

// BuildAAD length-prefixes every part so that ("ab","c") and ("a","bc") differ.
func BuildAAD(label string, parts ...[]byte) []byte {
	size := 2 + len(label)
	for _, p := range parts {
		size += 4 + len(p)
	}
	buf := make([]byte, 0, size)
	var tmp2 [2]byte
	binary.BigEndian.PutUint16(tmp2[:], uint16(len(label)))
	buf = append(buf, tmp2[:]...)
	buf = append(buf, label...)
	var tmp4 [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(tmp4[:], uint32(len(p)))
		buf = append(buf, tmp4[:]...)
		buf = append(buf, p...)
	}
	return buf
}
