package sdio

// CRC7 computes the 7-bit command checksum (polynomial x^7+x^3+1, seed 0).
func CRC7(data []byte) uint8 {
	var crc uint8
	for _, b := range data {
		for i := 7; i >= 0; i-- {
			feedback := ((b >> i) ^ (crc >> 6)) & 1
			crc = (crc << 1) & 0x7F
			if feedback != 0 {
				crc ^= 0x09
			}
		}
	}
	return crc
}

// CommandFrame encodes the 6-byte command token: start and transmission
// bits, index, big-endian argument, then CRC7 with the end bit set.
func CommandFrame(index uint8, argument uint32) [6]byte {
	frame := [6]byte{
		0x40 | index&0x3F,
		byte(argument >> 24),
		byte(argument >> 16),
		byte(argument >> 8),
		byte(argument),
	}
	frame[5] = CRC7(frame[:5])<<1 | 1
	return frame
}

// CRC16 computes the CRC16-CCITT data checksum (polynomial 0x1021, seed 0).
func CRC16(data []byte) uint16 {
	return UpdateCRC16(0, data)
}

// UpdateCRC16 continues a CRC16-CCITT computation over data.
func UpdateCRC16(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
