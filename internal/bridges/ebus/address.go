package ebus

import "fmt"

// eBUS wire symbols.
const (
	// SYN marks the idle bus and separates telegrams.
	SYN byte = 0xAA

	// ESC starts a two byte escape sequence.
	ESC byte = 0xA9

	// escapedESC follows ESC to encode a literal 0xA9.
	escapedESC byte = 0x00

	// escapedSYN follows ESC to encode a literal 0xAA.
	escapedSYN byte = 0x01

	// ACK is the positive acknowledgement symbol.
	ACK byte = 0x00

	// NACK is the negative acknowledgement symbol.
	NACK byte = 0xFF

	// BroadcastAddress is the destination of unacknowledged broadcasts.
	BroadcastAddress byte = 0xFE

	// MaxDataLength is the largest data block a telegram part may carry.
	MaxDataLength = 16

	// slaveOffset is the distance from a master address to its slave address.
	slaveOffset = 5
)

// IsMaster reports whether addr is one of the 25 master addresses.
// Both nibbles of a master address are one of 0x0, 0x1, 0x3, 0x7 or 0xF.
func IsMaster(addr byte) bool {
	return isMasterNibble(addr>>4) && isMasterNibble(addr&0x0F)
}

func isMasterNibble(n byte) bool {
	switch n {
	case 0x0, 0x1, 0x3, 0x7, 0xF:
		return true
	default:
		return false
	}
}

// IsValidAddress reports whether addr may appear as a receiver.
// SYN and ESC are reserved symbols and never valid addresses.
func IsValidAddress(addr byte) bool {
	return addr != SYN && addr != ESC
}

// IsSlave reports whether addr is a slave address.
func IsSlave(addr byte) bool {
	return IsValidAddress(addr) && addr != BroadcastAddress && !IsMaster(addr)
}

// SlaveOf returns the slave address paired with a master address.
func SlaveOf(master byte) (byte, error) {
	if !IsMaster(master) {
		return 0, fmt.Errorf("%w: 0x%02X is not a master address", ErrInvalidTelegram, master)
	}
	return master + slaveOffset, nil
}

// MasterOf returns the master address paired with a slave address, if any.
func MasterOf(slave byte) (byte, bool) {
	m := slave - slaveOffset
	if !IsMaster(m) {
		return 0, false
	}
	return m, true
}
