package ebus

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// maxSegmentLength bounds the escaped bytes between two SYNs. It covers a
// master-slave exchange with both parts repeated after a NACK and every
// symbol escaped.
const maxSegmentLength = 2 * (2*(minTelegramSize+MaxDataLength+1) + 2*(1+MaxDataLength+1+1))

var (
	// errShortFrame marks a segment that ended before the exchange was complete.
	errShortFrame = errors.New("ebus: short frame")

	// errOverflow marks a segment longer than maxSegmentLength.
	errOverflow = errors.New("ebus: segment overflow")
)

// Framer turns the raw byte stream into telegrams.
//
// Feed is called from a single goroutine (the receive loop). Busy and
// LastActivity may be called from any goroutine.
type Framer struct {
	buf        []byte
	discarding bool

	busy     atomic.Bool
	lastByte atomic.Int64

	diag   *Diagnostics
	logger Logger
	now    func() time.Time
}

// NewFramer creates a framer reporting to diag. Both arguments may be nil.
func NewFramer(diag *Diagnostics, logger Logger) *Framer {
	return &Framer{
		buf:    make([]byte, 0, maxSegmentLength),
		diag:   diag,
		logger: logger,
		now:    time.Now,
	}
}

// Feed appends a chunk of received bytes and returns every telegram
// completed by a SYN in it. Bytes after the last SYN are kept for the next
// call, so the result does not depend on how the stream is chunked.
func (f *Framer) Feed(chunk []byte) []Telegram {
	if len(chunk) == 0 {
		return nil
	}
	f.lastByte.Store(f.now().UnixNano())

	var out []Telegram
	for _, b := range chunk {
		if b == SYN {
			if f.discarding {
				f.discarding = false
				continue
			}
			if len(f.buf) == 0 {
				continue // idle bus
			}
			if t, ok := f.finishSegment(); ok {
				out = append(out, t)
			}
			continue
		}
		if f.discarding {
			continue
		}
		if len(f.buf) >= maxSegmentLength {
			f.buf = f.buf[:0]
			f.discarding = true
			f.report(EventOverflow, fmt.Errorf("%w: more than %d bytes without SYN", errOverflow, maxSegmentLength))
			continue
		}
		f.buf = append(f.buf, b)
	}

	f.busy.Store(len(f.buf) > 0 || f.discarding)
	return out
}

// Busy reports whether a segment is in progress.
func (f *Framer) Busy() bool {
	return f.busy.Load()
}

// LastActivity returns when bytes were last fed, zero if never.
func (f *Framer) LastActivity() time.Time {
	ns := f.lastByte.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Reset drops any partial segment.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.discarding = false
	f.busy.Store(false)
}

// finishSegment parses the buffered segment and clears the buffer.
func (f *Framer) finishSegment() (Telegram, bool) {
	t, err := parseSegment(f.buf)
	f.buf = f.buf[:0]
	if err == nil {
		t.timestamp = f.now()
		return t, true
	}

	switch {
	case errors.Is(err, ErrFrameChecksum):
		f.report(EventChecksumError, err)
	case errors.Is(err, errShortFrame):
		f.report(EventShortFrame, err)
	default:
		f.report(EventInvalidFrame, err)
	}
	return Telegram{}, false
}

func (f *Framer) report(kind EventKind, err error) {
	f.diag.Record(kind, err)
	if f.logger == nil {
		return
	}
	switch kind {
	case EventChecksumError, EventOverflow:
		f.logger.Warn("discarding telegram", "reason", kind.String(), "error", err)
	case EventInvalidFrame:
		f.logger.Debug("discarding telegram", "reason", kind.String(), "error", err)
	}
}

// parseSegment decodes the escaped bytes between two SYNs.
//
// Accepted shapes:
//
//	broadcast:     QQ FE PB SB NN DB.. CRC
//	master-master: QQ ZZ PB SB NN DB.. CRC ACK
//	master-slave:  QQ ZZ PB SB NN DB.. CRC ACK NN DB.. CRC ACK
//
// A NACK after either part is followed by exactly one repetition of it.
func parseSegment(wire []byte) (Telegram, error) {
	s, err := unescape(wire)
	if err != nil {
		return Telegram{}, err
	}
	if len(s) < minTelegramSize {
		return Telegram{}, fmt.Errorf("%w: %d symbols", errShortFrame, len(s))
	}
	if !IsMaster(s[0]) {
		return Telegram{}, fmt.Errorf("%w: source 0x%02X is not a master address", ErrInvalidTelegram, s[0])
	}
	if !IsValidAddress(s[1]) {
		return Telegram{}, fmt.Errorf("%w: destination 0x%02X is reserved", ErrInvalidTelegram, s[1])
	}

	mStart := 0
	next, err := readPart(s, mStart, masterHeaderSize-1, "master")
	if err != nil {
		return Telegram{}, err
	}

	tt := typeOf(s[1])
	var ack byte
	if tt != Broadcast {
		ack, next, err = readAck(s, next, "master")
		if err != nil {
			return Telegram{}, err
		}
		if ack == NACK {
			mStart = next
			next, err = readPart(s, mStart, masterHeaderSize-1, "repeated master")
			if err != nil {
				return Telegram{}, err
			}
			if s[mStart] != s[0] || s[mStart+1] != s[1] {
				return Telegram{}, fmt.Errorf("%w: repeated master part changed addresses", ErrInvalidTelegram)
			}
			ack, next, err = readAck(s, next, "repeated master")
			if err != nil {
				return Telegram{}, err
			}
		}
		if ack != ACK {
			return Telegram{}, fmt.Errorf("%w: master part not acknowledged (0x%02X)", ErrInvalidTelegram, ack)
		}
	}

	nn := int(s[mStart+masterHeaderSize-1])
	dataStart := mStart + masterHeaderSize
	t := Telegram{
		source:      s[mStart],
		destination: s[mStart+1],
		primary:     s[mStart+2],
		secondary:   s[mStart+3],
		data:        cloneBytes(s[dataStart : dataStart+nn]),
		masterCRC:   s[dataStart+nn],
		masterAck:   ack,
	}
	if tt != MasterSlave {
		return t, nil
	}

	sStart := next
	next, err = readPart(s, sStart, 0, "slave")
	if err != nil {
		return Telegram{}, err
	}
	sAck, next, err := readAck(s, next, "slave")
	if err != nil {
		return Telegram{}, err
	}
	if sAck == NACK {
		sStart = next
		next, err = readPart(s, sStart, 0, "repeated slave")
		if err != nil {
			return Telegram{}, err
		}
		sAck, _, err = readAck(s, next, "repeated slave")
		if err != nil {
			return Telegram{}, err
		}
	}
	if sAck != ACK {
		return Telegram{}, fmt.Errorf("%w: slave part not acknowledged (0x%02X)", ErrInvalidTelegram, sAck)
	}

	sn := int(s[sStart])
	t.hasSlave = true
	t.slaveData = cloneBytes(s[sStart+1 : sStart+1+sn])
	t.slaveCRC = s[sStart+1+sn]
	t.slaveAck = sAck
	return t, nil
}

// readPart validates one CRC-terminated part that starts at pos and has
// its length byte at pos+lenOffset. It returns the index after the CRC.
func readPart(s []byte, pos, lenOffset int, name string) (int, error) {
	if pos+lenOffset >= len(s) {
		return 0, fmt.Errorf("%w: %s part missing", errShortFrame, name)
	}
	nn := int(s[pos+lenOffset])
	if nn > MaxDataLength {
		return 0, fmt.Errorf("%w: %s data length %d exceeds %d", ErrInvalidTelegram, name, nn, MaxDataLength)
	}
	crcAt := pos + lenOffset + 1 + nn
	if crcAt >= len(s) {
		return 0, fmt.Errorf("%w: %s part truncated", errShortFrame, name)
	}
	if got, want := s[crcAt], symbolCRC(s[pos:crcAt]); got != want {
		return 0, fmt.Errorf("%w: %s part crc 0x%02X, computed 0x%02X", ErrFrameChecksum, name, got, want)
	}
	return crcAt + 1, nil
}

// readAck returns the acknowledgement symbol at pos.
func readAck(s []byte, pos int, name string) (byte, int, error) {
	if pos >= len(s) {
		return 0, 0, fmt.Errorf("%w: %s part not acknowledged", errShortFrame, name)
	}
	ack := s[pos]
	if ack != ACK && ack != NACK {
		return 0, 0, fmt.Errorf("%w: unexpected %s acknowledgement 0x%02X", ErrInvalidTelegram, name, ack)
	}
	return ack, pos + 1, nil
}
