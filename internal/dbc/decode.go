package dbc

import (
	"encoding/binary"

	"github.com/tphakala/canpipe/internal/errors"
)

// msbPosition maps a Motorola start bit (the MSB, numbered within its byte
// from the LSB) to a position counted from the MSB of byte 0.
func (s *Signal) msbPosition() int {
	return (s.StartBit/8)*8 + 7 - s.StartBit%8
}

// lastByte is the index of the highest byte the signal touches.
func (s *Signal) lastByte() int {
	if s.ByteOrder == LittleEndian {
		return (s.StartBit + s.Length - 1) / 8
	}
	return (s.msbPosition() + s.Length - 1) / 8
}

func (s *Signal) mask() uint64 {
	if s.Length == 64 {
		return ^uint64(0)
	}
	return 1<<s.Length - 1
}

// Raw extracts the unscaled bit field from data.
func (s *Signal) Raw(data []byte) (uint64, error) {
	if s.lastByte() >= len(data) || s.lastByte() > 7 {
		return 0, errors.New(ErrShortFrame).
			Component("dbc").
			Category(errors.CategoryDecoding).
			Context("signal", s.Name).
			Context("need_bytes", s.lastByte()+1).
			Context("have_bytes", len(data)).
			Build()
	}

	var frame [8]byte
	copy(frame[:], data)

	if s.ByteOrder == LittleEndian {
		return binary.LittleEndian.Uint64(frame[:]) >> s.StartBit & s.mask(), nil
	}
	shift := 64 - (s.msbPosition() + s.Length)
	return binary.BigEndian.Uint64(frame[:]) >> shift & s.mask(), nil
}

// Decode returns the physical value raw*factor + offset, sign extending
// signed fields.
func (s *Signal) Decode(data []byte) (float64, error) {
	raw, err := s.Raw(data)
	if err != nil {
		return 0, err
	}
	return s.Scale(raw), nil
}

// Scale converts an unscaled bit field to its physical value.
func (s *Signal) Scale(raw uint64) float64 {
	if s.Signed {
		v := int64(raw)
		if s.Length < 64 && raw&(1<<(s.Length-1)) != 0 {
			v = int64(raw | ^s.mask())
		}
		return float64(v)*s.Factor + s.Offset
	}
	return float64(raw)*s.Factor + s.Offset
}

// Value is one decoded signal.
type Value struct {
	Message *Message
	Signal  *Signal
	Value   float64
}

// DecodeFrame decodes every signal of the message with the given frame id.
func (db *Database) DecodeFrame(id uint32, data []byte) ([]Value, error) {
	return db.AppendFrame(nil, id, data)
}

// AppendFrame is DecodeFrame appending to dst. Signals that do not fit in a
// short frame are skipped and reported with ErrShortFrame after the others
// have been appended.
func (db *Database) AppendFrame(dst []Value, id uint32, data []byte) ([]Value, error) {
	m, ok := db.Message(id)
	if !ok {
		return dst, errors.New(ErrUnknownMessage).
			Component("dbc").
			Category(errors.CategoryDecoding).
			Context("can_id", id).
			Build()
	}

	var shortErr error
	for _, s := range m.Signals {
		v, err := s.Decode(data)
		if err != nil {
			shortErr = err
			continue
		}
		dst = append(dst, Value{Message: m, Signal: s, Value: v})
	}
	return dst, shortErr
}
