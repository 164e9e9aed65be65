package ebus

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Telegram layout constants.
const (
	// masterHeaderSize is QQ ZZ PB SB NN.
	masterHeaderSize = 5

	// minTelegramSize is a master header plus CRC with no data.
	minTelegramSize = masterHeaderSize + 1
)

// TelegramType classifies a telegram by its destination address.
type TelegramType int

const (
	// Broadcast telegrams are sent to 0xFE and never acknowledged.
	Broadcast TelegramType = iota

	// MasterMaster telegrams are acknowledged by the receiving master.
	MasterMaster

	// MasterSlave telegrams are acknowledged and answered by the slave.
	MasterSlave
)

// String returns a readable name for the telegram type.
func (tt TelegramType) String() string {
	switch tt {
	case Broadcast:
		return "broadcast"
	case MasterMaster:
		return "master-master"
	case MasterSlave:
		return "master-slave"
	default:
		return fmt.Sprintf("TelegramType(%d)", int(tt))
	}
}

// typeOf derives the telegram type from a destination address.
func typeOf(dst byte) TelegramType {
	switch {
	case dst == BroadcastAddress:
		return Broadcast
	case IsMaster(dst):
		return MasterMaster
	default:
		return MasterSlave
	}
}

// Telegram is a complete eBUS exchange as seen on the wire.
//
// A Telegram is immutable once built. Slice accessors return copies so
// callers can never alias the framer's buffers.
type Telegram struct {
	source      byte
	destination byte
	primary     byte
	secondary   byte
	data        []byte
	masterCRC   byte
	masterAck   byte

	hasSlave  bool
	slaveData []byte
	slaveCRC  byte
	slaveAck  byte

	timestamp time.Time
}

// NewTelegram builds an outbound telegram and computes its master CRC.
//
// Parameters:
//   - src: Sender, must be a master address
//   - dst: Receiver, any address except SYN and ESC
//   - pb, sb: Primary and secondary command bytes
//   - data: Payload, at most 16 bytes
//
// Returns:
//   - Telegram: Addressed telegrams carry a positive MasterAck
//   - error: ErrInvalidTelegram if any argument is out of range
func NewTelegram(src, dst, pb, sb byte, data []byte) (Telegram, error) {
	if !IsMaster(src) {
		return Telegram{}, fmt.Errorf("%w: source 0x%02X is not a master address", ErrInvalidTelegram, src)
	}
	if !IsValidAddress(dst) {
		return Telegram{}, fmt.Errorf("%w: destination 0x%02X is reserved", ErrInvalidTelegram, dst)
	}
	if dst == src {
		return Telegram{}, fmt.Errorf("%w: source and destination are both 0x%02X", ErrInvalidTelegram, src)
	}
	if len(data) > MaxDataLength {
		return Telegram{}, fmt.Errorf("%w: data length %d exceeds %d", ErrInvalidTelegram, len(data), MaxDataLength)
	}

	t := Telegram{
		source:      src,
		destination: dst,
		primary:     pb,
		secondary:   sb,
		data:        cloneBytes(data),
		timestamp:   time.Now(),
	}
	t.masterCRC = symbolCRC(t.masterSymbols())
	if t.Type() != Broadcast {
		t.masterAck = ACK
	}
	return t, nil
}

// WithSlaveResponse returns a copy of a master-slave telegram carrying the
// given slave response. The slave CRC is computed and SlaveAck set to ACK.
func (t Telegram) WithSlaveResponse(data []byte) (Telegram, error) {
	if t.Type() != MasterSlave {
		return Telegram{}, fmt.Errorf("%w: %s telegram has no slave response", ErrInvalidTelegram, t.Type())
	}
	if len(data) > MaxDataLength {
		return Telegram{}, fmt.Errorf("%w: slave data length %d exceeds %d", ErrInvalidTelegram, len(data), MaxDataLength)
	}

	out := t
	out.data = cloneBytes(t.data)
	out.hasSlave = true
	out.slaveData = cloneBytes(data)
	out.slaveCRC = symbolCRC(out.slaveSymbols())
	out.slaveAck = ACK
	return out, nil
}

// ParseTelegramHex builds an outbound telegram from hex text in the form
// "QQ ZZ PB SB DB1 DB2 ...". Whitespace between bytes is optional; the
// length byte is derived from the data.
func ParseTelegramHex(s string) (Telegram, error) {
	clean := strings.Join(strings.Fields(s), "")
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return Telegram{}, fmt.Errorf("%w: %w", ErrInvalidTelegram, err)
	}
	if len(raw) < 4 { //nolint:mnd // QQ ZZ PB SB
		return Telegram{}, fmt.Errorf("%w: need at least 4 bytes, got %d", ErrInvalidTelegram, len(raw))
	}
	return NewTelegram(raw[0], raw[1], raw[2], raw[3], raw[4:])
}

// Source returns the sending master address (QQ).
func (t Telegram) Source() byte { return t.source }

// Destination returns the receiving address (ZZ).
func (t Telegram) Destination() byte { return t.destination }

// Primary returns the primary command byte (PB).
func (t Telegram) Primary() byte { return t.primary }

// Secondary returns the secondary command byte (SB).
func (t Telegram) Secondary() byte { return t.secondary }

// Command returns PB and SB as a single big-endian value.
func (t Telegram) Command() uint16 { return uint16(t.primary)<<8 | uint16(t.secondary) }

// Data returns a copy of the master payload.
func (t Telegram) Data() []byte { return cloneBytes(t.data) }

// MasterCRC returns the checksum of the master part.
func (t Telegram) MasterCRC() byte { return t.masterCRC }

// MasterAck returns the receiver's acknowledgement of the master part.
// Broadcasts are never acknowledged and return 0.
func (t Telegram) MasterAck() byte { return t.masterAck }

// HasSlaveResponse reports whether the telegram carries a slave part.
func (t Telegram) HasSlaveResponse() bool { return t.hasSlave }

// SlaveData returns a copy of the slave payload, nil when absent.
func (t Telegram) SlaveData() []byte { return cloneBytes(t.slaveData) }

// SlaveCRC returns the checksum of the slave part.
func (t Telegram) SlaveCRC() byte { return t.slaveCRC }

// SlaveAck returns the master's acknowledgement of the slave part.
func (t Telegram) SlaveAck() byte { return t.slaveAck }

// Timestamp returns when the telegram was framed or created.
func (t Telegram) Timestamp() time.Time { return t.timestamp }

// Type classifies the telegram by destination.
func (t Telegram) Type() TelegramType { return typeOf(t.destination) }

// Equal reports whether two telegrams carry the same exchange.
// Timestamps are ignored.
func (t Telegram) Equal(o Telegram) bool {
	return t.source == o.source &&
		t.destination == o.destination &&
		t.primary == o.primary &&
		t.secondary == o.secondary &&
		bytes.Equal(t.data, o.data) &&
		t.masterCRC == o.masterCRC &&
		t.masterAck == o.masterAck &&
		t.hasSlave == o.hasSlave &&
		bytes.Equal(t.slaveData, o.slaveData) &&
		t.slaveCRC == o.slaveCRC &&
		t.slaveAck == o.slaveAck
}

// EncodeRequest returns the escaped master part including its CRC.
// This is what a master puts on the bus after winning arbitration.
func (t Telegram) EncodeRequest() []byte {
	return escape(append(t.masterSymbols(), t.masterCRC))
}

// Encode returns the full escaped exchange without the terminating SYN:
// the master part, the receiver's acknowledgement for addressed telegrams,
// and for master-slave telegrams with a response the slave part and the
// master's acknowledgement.
func (t Telegram) Encode() []byte {
	symbols := append(t.masterSymbols(), t.masterCRC)
	if t.Type() != Broadcast {
		symbols = append(symbols, t.masterAck)
	}
	if t.hasSlave {
		symbols = append(symbols, t.slaveSymbols()...)
		symbols = append(symbols, t.slaveCRC, t.slaveAck)
	}
	return escape(symbols)
}

// String formats the telegram as unescaped hex with the acknowledgement
// and slave parts separated by slashes, e.g. "10 08 b5 11 01 01 89 / 00".
func (t Telegram) String() string {
	var sb strings.Builder
	writeHex(&sb, t.masterSymbols())
	fmt.Fprintf(&sb, " %02x", t.masterCRC)
	if t.Type() != Broadcast {
		fmt.Fprintf(&sb, " / %02x", t.masterAck)
	}
	if t.hasSlave {
		sb.WriteString(" / ")
		writeHex(&sb, t.slaveSymbols())
		fmt.Fprintf(&sb, " %02x / %02x", t.slaveCRC, t.slaveAck)
	}
	return sb.String()
}

func writeHex(sb *strings.Builder, b []byte) {
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(sb, "%02x", v)
	}
}

// masterSymbols returns QQ ZZ PB SB NN DB... unescaped.
func (t Telegram) masterSymbols() []byte {
	out := make([]byte, 0, masterHeaderSize+len(t.data)+1)
	out = append(out, t.source, t.destination, t.primary, t.secondary, byte(len(t.data)))
	return append(out, t.data...)
}

// slaveSymbols returns NN DB... of the slave part unescaped.
func (t Telegram) slaveSymbols() []byte {
	out := make([]byte, 0, 1+len(t.slaveData)+1)
	out = append(out, byte(len(t.slaveData)))
	return append(out, t.slaveData...)
}

// escape converts symbols to their wire form.
func escape(symbols []byte) []byte {
	out := make([]byte, 0, len(symbols)+4) //nolint:mnd // headroom for a few escapes
	for _, b := range symbols {
		out = appendEscaped(out, b)
	}
	return out
}

func appendEscaped(out []byte, b byte) []byte {
	switch b {
	case ESC:
		return append(out, ESC, escapedESC)
	case SYN:
		return append(out, ESC, escapedSYN)
	default:
		return append(out, b)
	}
}

// unescape converts wire bytes back to symbols.
func unescape(wire []byte) ([]byte, error) {
	out := make([]byte, 0, len(wire))
	for i := 0; i < len(wire); i++ {
		b := wire[i]
		if b != ESC {
			out = append(out, b)
			continue
		}
		if i+1 >= len(wire) {
			return nil, fmt.Errorf("%w: dangling escape at offset %d", ErrInvalidTelegram, i)
		}
		i++
		switch wire[i] {
		case escapedESC:
			out = append(out, ESC)
		case escapedSYN:
			out = append(out, SYN)
		default:
			return nil, fmt.Errorf("%w: bad escape sequence a9 %02x at offset %d", ErrInvalidTelegram, wire[i], i-1)
		}
	}
	return out, nil
}

// symbolCRC computes the wire CRC of unescaped symbols.
func symbolCRC(symbols []byte) byte {
	crc := crcInit()
	var buf [2]byte
	for _, b := range symbols {
		crc = crcUpdate(crc, appendEscaped(buf[:0], b)...)
	}
	return crcComplete(crc)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
