package capture

import (
	"bytes"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/tphakala/canpipe/internal/errors"
)

// Sequence is a run of frames written under one sequence header.
type Sequence struct {
	ID        uint32
	Timestamp uint64
	Frames    []Frame
}

// Writer encodes capture files.
type Writer struct {
	Level    int  // gzip level, 0 selects gzip.DefaultCompression
	Checksum bool // record the payload CRC32 in the file header
	Padding  int  // zero bytes appended after the payload
}

// Encode builds a complete capture file. Version, magic and compressed length
// of h are filled in when unset.
func (w *Writer) Encode(h FileHeader, sequences []Sequence) ([]byte, error) {
	var body []byte
	total := 0
	for _, seq := range sequences {
		body = appendSequenceHeader(body, SequenceHeader{
			SequenceID: seq.ID,
			Timestamp:  seq.Timestamp,
			DataLength: uint32(len(seq.Frames) * FrameSize),
		})
		for _, f := range seq.Frames {
			body = AppendFrame(body, f)
		}
		total += len(seq.Frames)
	}

	payload := appendPayloadHeader(make([]byte, 0, PayloadHeaderSize+len(body)), PayloadHeader{
		DataType:    FrameDataType,
		Version:     2,
		TotalFrames: uint32(total),
		FileIndex:   h.FileIndex,
		DataLength:  uint32(len(body)),
	})
	payload = append(payload, body...)

	compressed, err := w.compress(payload)
	if err != nil {
		return nil, err
	}

	if h.Magic == [8]byte{} {
		h.Magic = Magic
	}
	if h.Version == 0 {
		h.Version = 1
	}
	h.CompressedLength = uint32(len(compressed))
	if w.Checksum {
		h.CRC32 = crc32.ChecksumIEEE(compressed)
	}

	out := make([]byte, 0, FileHeaderSize+len(compressed)+w.Padding)
	out = AppendFileHeader(out, h)
	out = append(out, compressed...)
	return append(out, make([]byte, w.Padding)...), nil
}

func (w *Writer) compress(payload []byte) ([]byte, error) {
	level := w.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, errors.New(err).
			Component("capture").
			Category(errors.CategoryValidation).
			Context("gzip_level", level).
			Build()
	}
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile encodes a capture file and writes it to path.
func (w *Writer) WriteFile(path string, h FileHeader, sequences []Sequence) error {
	data, err := w.Encode(h, sequences)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.FileError(err, path, 0)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.FileError(err, path, int64(len(data)))
	}
	return nil
}
