package teltonika

// Checksum computes CRC16/IBM (polynomial 0xA001 reflected, initial
// value 0x0000) over the AVL data field, matching the trailing CRC the
// device appends to every packet.
func Checksum(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
