package ebus

import "github.com/sigurn/crc8"

// crcParams describes the eBUS checksum: CRC-8, polynomial 0x9B, no
// reflection, zero init and output xor. It is also catalogued as CRC-8/LTE.
var crcParams = crc8.Params{
	Poly:   0x9B,
	Init:   0x00,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
	Check:  0xEA,
	Name:   "CRC-8/EBUS",
}

var crcTable = crc8.MakeTable(crcParams)

// CRC returns the eBUS checksum of wire bytes. The input must be the
// escaped form as it appears on the bus.
func CRC(wire []byte) byte {
	return crc8.Checksum(wire, crcTable)
}

// crcInit returns the initial running checksum.
func crcInit() byte {
	return crc8.Init(crcTable)
}

// crcUpdate folds wire bytes into a running checksum.
func crcUpdate(crc byte, wire ...byte) byte {
	return crc8.Update(crc, wire, crcTable)
}

// crcComplete finalises a running checksum.
func crcComplete(crc byte) byte {
	return crc8.Complete(crc, crcTable)
}
