package eth

import (
	"encoding/binary"
)

// Checksum adds the 16-bit big-endian words of data to seed and folds the
// carries back into the low 16 bits until none remain. An odd trailing octet
// is padded with a zero on its right. The returned sum is in host order and
// not complemented; callers store ^Checksum(...) in the header field.
//
// Summing a header whose checksum field already holds the complemented value
// yields 0xffff.
func Checksum(seed uint32, data []byte) uint16 {
	sum := seed
	n := len(data) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i:]))
	}
	if n != len(data) {
		sum += uint32(data[n]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

// CRC791 is the running form of [Checksum] as defined by RFC 791: the
// 16-bit ones' complement of the ones' complement sum of all 16-bit words
// written. Writes of odd length carry their last octet over to the next write.
//
// The zero value of CRC791 is ready to use.
type CRC791 struct {
	sum      uint32
	excedent uint8
	odd      bool
}

// Write adds the bytes in buff to the running checksum. It never fails.
func (c *CRC791) Write(buff []byte) (n int, err error) {
	n = len(buff)
	if n == 0 {
		return 0, nil
	}
	if c.odd {
		c.sum += uint32(c.excedent)<<8 + uint32(buff[0])
		buff = buff[1:]
		c.odd = false
	}
	even := len(buff) &^ 1
	for i := 0; i < even; i += 2 {
		c.sum += uint32(binary.BigEndian.Uint16(buff[i:]))
	}
	if even != len(buff) {
		c.excedent = buff[even]
		c.odd = true
	}
	return n, nil
}

// AddUint16 adds v as if it had been written in big-endian order.
func (c *CRC791) AddUint16(v uint16) {
	if c.odd {
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], v)
		c.Write(buf[:])
		return
	}
	c.sum += uint32(v)
}

// Sum16 calculates the complemented checksum of the data written to c thus far.
func (c *CRC791) Sum16() uint16 {
	sum := c.sum
	if c.odd {
		sum += uint32(c.excedent) << 8
	}
	return ^Checksum(sum, nil)
}

// Reset zeros out the CRC791, resetting it to the initial state.
func (c *CRC791) Reset() { *c = CRC791{} }
