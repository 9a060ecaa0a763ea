package sink

import (
	"encoding/binary"
	"math"

	"github.com/zeebo/xxh3"

	"github.com/tphakala/canpipe/internal/errors"
)

// Segment layout, little-endian:
//
//	magic "CSEG" | version u8 | codec u8 | rows u32 | min ts i64 | max ts i64 | columns u8
//	per column: id u8 | encoding u8 | raw len u32 | stored len u32 | xxh3 u64 | stored bytes
const (
	segmentMagic        = "CSEG"
	segmentVersion      = 1
	segmentHeaderSize   = 4 + 1 + 1 + 4 + 8 + 8 + 1
	columnHeaderSize    = 1 + 1 + 4 + 4 + 8
	segmentFileSuffix   = ".cseg"
	maxDictionaryLength = 1 << 20
)

type columnID uint8

const (
	colTimestamp columnID = iota
	colCANID
	colMessage
	colSignal
	colValue
	colUnit
	numColumns
)

var columnNames = [numColumns]string{"timestamp", "can_id", "message", "signal", "value", "unit"}

func (c columnID) String() string {
	if c < numColumns {
		return columnNames[c]
	}
	return "unknown"
}

type encoding uint8

const (
	encDelta encoding = iota // zigzag varint deltas
	encVarint
	encFloat
	encDictionary
)

// segmentInfo is the decoded segment header.
type segmentInfo struct {
	codec        Codec
	rows         int
	minTimestamp int64
	maxTimestamp int64
}

func corrupt(reason string) error {
	return errors.New(ErrCorruptSegment).
		Component("sink").
		Category(errors.CategoryStorage).
		Context("reason", reason).
		Build()
}

// encodeSegment encodes rows as one segment and returns it with the total
// raw and stored column sizes.
func encodeSegment(rows []Record, codec Codec) (segment []byte, raw, stored int, err error) {
	minTS, maxTS := int64(math.MaxInt64), int64(math.MinInt64)
	for i := range rows {
		minTS = min(minTS, rows[i].Timestamp)
		maxTS = max(maxTS, rows[i].Timestamp)
	}

	segment = append(segment, segmentMagic...)
	segment = append(segment, segmentVersion, byte(codec))
	segment = binary.LittleEndian.AppendUint32(segment, uint32(len(rows)))
	segment = binary.LittleEndian.AppendUint64(segment, uint64(minTS))
	segment = binary.LittleEndian.AppendUint64(segment, uint64(maxTS))
	segment = append(segment, byte(numColumns))

	for col := range numColumns {
		enc, data := encodeColumn(col, rows)
		block, err := compress(codec, data)
		if err != nil {
			return nil, 0, 0, err
		}
		segment = append(segment, byte(col), byte(enc))
		segment = binary.LittleEndian.AppendUint32(segment, uint32(len(data)))
		segment = binary.LittleEndian.AppendUint32(segment, uint32(len(block)))
		segment = binary.LittleEndian.AppendUint64(segment, xxh3.Hash(block))
		segment = append(segment, block...)
		raw += len(data)
		stored += len(block)
	}
	return segment, raw, stored, nil
}

func encodeColumn(col columnID, rows []Record) (encoding, []byte) {
	var out []byte
	switch col {
	case colTimestamp:
		var prev int64
		for i := range rows {
			out = binary.AppendVarint(out, rows[i].Timestamp-prev)
			prev = rows[i].Timestamp
		}
		return encDelta, out
	case colCANID:
		for i := range rows {
			out = binary.AppendUvarint(out, uint64(rows[i].CANID))
		}
		return encVarint, out
	case colValue:
		out = make([]byte, 0, 8*len(rows))
		for i := range rows {
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(rows[i].Value))
		}
		return encFloat, out
	default:
		return encDictionary, encodeDictionary(rows, stringField(col))
	}
}

func stringField(col columnID) func(*Record) *string {
	switch col {
	case colMessage:
		return func(r *Record) *string { return &r.Message }
	case colSignal:
		return func(r *Record) *string { return &r.Signal }
	default:
		return func(r *Record) *string { return &r.Unit }
	}
}

// encodeDictionary writes the distinct values in first-seen order followed by
// one index per row.
func encodeDictionary(rows []Record, field func(*Record) *string) []byte {
	index := make(map[string]uint64)
	var dict []string
	ids := make([]uint64, len(rows))
	for i := range rows {
		s := *field(&rows[i])
		id, ok := index[s]
		if !ok {
			id = uint64(len(dict))
			index[s] = id
			dict = append(dict, s)
		}
		ids[i] = id
	}

	out := binary.AppendUvarint(nil, uint64(len(dict)))
	for _, s := range dict {
		out = binary.AppendUvarint(out, uint64(len(s)))
		out = append(out, s...)
	}
	for _, id := range ids {
		out = binary.AppendUvarint(out, id)
	}
	return out
}

func readSegmentInfo(data []byte) (segmentInfo, error) {
	var info segmentInfo
	if len(data) < segmentHeaderSize || string(data[:4]) != segmentMagic {
		return info, corrupt("bad header")
	}
	if data[4] != segmentVersion {
		return info, corrupt("unsupported version")
	}
	info.codec = Codec(data[5])
	info.rows = int(binary.LittleEndian.Uint32(data[6:10]))
	info.minTimestamp = int64(binary.LittleEndian.Uint64(data[10:18]))
	info.maxTimestamp = int64(binary.LittleEndian.Uint64(data[18:26]))
	if Codec(data[5]) > CodecZstd {
		return info, corrupt("unknown codec")
	}
	if int(data[26]) != int(numColumns) {
		return info, corrupt("unexpected column count")
	}
	return info, nil
}

// decodeSegment decodes every column, verifying block checksums.
func decodeSegment(data []byte) (segmentInfo, []Record, error) {
	info, err := readSegmentInfo(data)
	if err != nil {
		return info, nil, err
	}

	rows := make([]Record, info.rows)
	off := segmentHeaderSize
	for range numColumns {
		if len(data)-off < columnHeaderSize {
			return info, nil, corrupt("truncated column header")
		}
		col := columnID(data[off])
		enc := encoding(data[off+1])
		rawLen := int(binary.LittleEndian.Uint32(data[off+2:]))
		storedLen := int(binary.LittleEndian.Uint32(data[off+6:]))
		sum := binary.LittleEndian.Uint64(data[off+10:])
		off += columnHeaderSize

		if col >= numColumns || len(data)-off < storedLen {
			return info, nil, corrupt("truncated column block")
		}
		block := data[off : off+storedLen]
		off += storedLen
		if xxh3.Hash(block) != sum {
			return info, nil, corrupt("checksum mismatch in column " + col.String())
		}

		raw, err := decompress(info.codec, block, rawLen)
		if err != nil || len(raw) != rawLen {
			return info, nil, corrupt("cannot decompress column " + col.String())
		}
		if err := decodeColumn(col, enc, raw, rows); err != nil {
			return info, nil, err
		}
	}
	return info, rows, nil
}

func decodeColumn(col columnID, enc encoding, raw []byte, rows []Record) error {
	switch {
	case col == colTimestamp && enc == encDelta:
		var prev int64
		for i := range rows {
			d, n := binary.Varint(raw)
			if n <= 0 {
				return corrupt("bad timestamp delta")
			}
			raw = raw[n:]
			prev += d
			rows[i].Timestamp = prev
		}
	case col == colCANID && enc == encVarint:
		for i := range rows {
			v, n := binary.Uvarint(raw)
			if n <= 0 || v > math.MaxUint32 {
				return corrupt("bad can id")
			}
			raw = raw[n:]
			rows[i].CANID = uint32(v)
		}
	case col == colValue && enc == encFloat:
		if len(raw) != 8*len(rows) {
			return corrupt("value column length")
		}
		for i := range rows {
			rows[i].Value = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
		}
	case enc == encDictionary && (col == colMessage || col == colSignal || col == colUnit):
		return decodeDictionary(raw, rows, stringField(col))
	default:
		return corrupt("unexpected encoding for column " + col.String())
	}
	return nil
}

func decodeDictionary(raw []byte, rows []Record, field func(*Record) *string) error {
	count, n := binary.Uvarint(raw)
	if n <= 0 || count > maxDictionaryLength {
		return corrupt("bad dictionary size")
	}
	raw = raw[n:]

	dict := make([]string, count)
	for i := range dict {
		l, n := binary.Uvarint(raw)
		if n <= 0 || uint64(len(raw)-n) < l {
			return corrupt("bad dictionary entry")
		}
		dict[i] = string(raw[n : n+int(l)])
		raw = raw[n+int(l):]
	}

	for i := range rows {
		id, n := binary.Uvarint(raw)
		if n <= 0 || id >= count {
			return corrupt("bad dictionary index")
		}
		raw = raw[n:]
		*field(&rows[i]) = dict[id]
	}
	return nil
}
