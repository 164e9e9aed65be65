package grammar

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/nerrad567/gray-logic-ebus/internal/bridges/ebus"
)

// Wire types understood by the decoder.
const (
	TypeByte   = "byte"
	TypeUChar  = "uchar"
	TypeChar   = "char"
	TypeBCD    = "bcd"
	TypeData1b = "data1b"
	TypeData1c = "data1c"
	TypeData2b = "data2b"
	TypeData2c = "data2c"
	TypeWord   = "word"
	TypeUInt   = "uint"
	TypeInt    = "int"
	TypeBit    = "bit"
	TypeString = "string"
)

// typeWidth returns the bytes consumed by a type, 0 for unknown types.
func typeWidth(typ string, length int) int {
	switch typ {
	case TypeByte, TypeUChar, TypeChar, TypeBCD, TypeData1b, TypeData1c, TypeBit:
		return 1
	case TypeData2b, TypeData2c, TypeWord, TypeUInt, TypeInt:
		return 2 //nolint:mnd // 16-bit types
	case TypeString:
		return length
	default:
		return 0
	}
}

// decodeRaw decodes b according to typ. ok is false when b holds the
// type's replacement value (the eBUS "no data" marker).
func decodeRaw(typ string, b []byte, bit int) (v any, ok bool, err error) {
	switch typ {
	case TypeByte, TypeUChar:
		if b[0] == 0xFF {
			return nil, false, nil
		}
		return float64(b[0]), true, nil

	case TypeChar, TypeData1b:
		if b[0] == 0x80 {
			return nil, false, nil
		}
		return float64(int8(b[0])), true, nil //nolint:gosec // two's complement reinterpretation

	case TypeBCD:
		if b[0] == 0xFF {
			return nil, false, nil
		}
		hi, lo := b[0]>>4, b[0]&0x0F
		if hi > 9 || lo > 9 { //nolint:mnd // decimal digit
			return nil, false, fmt.Errorf("invalid bcd byte 0x%02X", b[0])
		}
		return float64(hi*10 + lo), true, nil

	case TypeData1c:
		if b[0] == 0xFF {
			return nil, false, nil
		}
		return float64(b[0]) / 2, true, nil

	case TypeData2b:
		raw := binary.LittleEndian.Uint16(b)
		if raw == 0x8000 {
			return nil, false, nil
		}
		return float64(int16(raw)) / 256, true, nil //nolint:gosec,mnd // signed 8.8 fixed point

	case TypeData2c:
		raw := binary.LittleEndian.Uint16(b)
		if raw == 0x8000 {
			return nil, false, nil
		}
		return float64(int16(raw)) / 16, true, nil //nolint:gosec,mnd // signed 12.4 fixed point

	case TypeWord, TypeUInt:
		raw := binary.LittleEndian.Uint16(b)
		if raw == 0xFFFF {
			return nil, false, nil
		}
		return float64(raw), true, nil

	case TypeInt:
		raw := binary.LittleEndian.Uint16(b)
		if raw == 0x8000 {
			return nil, false, nil
		}
		return float64(int16(raw)), true, nil //nolint:gosec // two's complement reinterpretation

	case TypeBit:
		return b[0]>>uint(bit)&1 == 1, true, nil //nolint:gosec // bit validated 0..7 at load

	case TypeString:
		s := strings.TrimRight(string(b), "\x00 ")
		return s, true, nil

	default:
		return nil, false, fmt.Errorf("unknown type %q", typ)
	}
}

// decodeValue decodes one value definition from the telegram.
func decodeValue(def *valueDef, t ebus.Telegram) (ebus.FieldValue, error) {
	var data []byte
	if def.slave {
		data = t.SlaveData()
	} else {
		data = t.Data()
	}

	start := def.Pos - 1
	end := start + def.width
	if end > len(data) {
		return ebus.Absent(), nil // field not present in this telegram
	}

	raw, ok, err := decodeRaw(def.Type, data[start:end], def.Bit)
	if err != nil {
		return ebus.Absent(), err
	}
	if !ok {
		return ebus.Absent(), nil
	}

	if f, isNum := raw.(float64); isNum {
		if len(def.Map) > 0 {
			if text, found := def.Map[int(f)]; found {
				return ebus.Text(text), nil
			}
		}
		f *= def.factor
		f = roundTo(f, 6) //nolint:mnd // drop binary float noise from factors
		if def.Min != nil && f < *def.Min {
			return ebus.Absent(), nil
		}
		if def.Max != nil && f > *def.Max {
			return ebus.Absent(), nil
		}
		return ebus.Number(f), nil
	}
	return ebus.FieldValueOf(raw)
}

func roundTo(f float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(f*p) / p
}
