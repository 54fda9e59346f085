package frame

const crcPoly uint16 = 0x1021

func updateCRC(c byte, crc uint16) uint16 {
	v := uint16(c)
	for i := 0; i < 8; i++ {
		v <<= 1
		bit := (v >> 8) & 1
		if crc&0x8000 != 0 {
			crc = (crc<<1 | bit) ^ crcPoly
		} else {
			crc = crc<<1 | bit
		}
	}
	return crc
}

// Checksum is the 16 bit CRC used for frame integrity and by the file
// compression helper. Bytes are shifted in MSB first, followed by two
// zero-byte flushes.
func Checksum(b []byte) uint16 {
	var crc uint16
	for _, c := range b {
		crc = updateCRC(c, crc)
	}
	crc = updateCRC(0, crc)
	crc = updateCRC(0, crc)
	return crc
}
