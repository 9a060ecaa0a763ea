package capture

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/tphakala/canpipe/internal/errors"
	"github.com/tphakala/canpipe/internal/logger"
)

// maxPreallocate caps allocations sized from the untrusted gzip trailer.
const maxPreallocate = 1 << 30

// ParseStats describes one parsed capture file.
type ParseStats struct {
	Sequences          int
	TruncatedSequences int
	Frames             int // valid frames delivered
	InvalidFrames      int
	CompressedBytes    int
	DecompressedBytes  int
	Duration           time.Duration
}

// FrameHandler receives each valid frame in file order. Returning an error stops parsing.
type FrameHandler func(seq SequenceHeader, frame Frame) error

// Capture is a fully parsed file.
type Capture struct {
	Header  FileHeader
	Payload PayloadHeader
	Frames  []Frame
	Stats   ParseStats
}

// UncompressedSizeHint returns the payload size recorded in the gzip trailer,
// which is exact for payloads under 4 GiB. It returns 0 when the file header
// is unreadable.
func UncompressedSizeHint(data []byte) int {
	h, err := ReadHeader(data)
	if err != nil || h.CompressedLength < 4 {
		return 0
	}
	end := FileHeaderSize + int(h.CompressedLength)
	return int(binary.LittleEndian.Uint32(data[end-4 : end]))
}

// Decompress inflates the payload of a capture file. The result reuses
// scratch when its capacity is large enough.
func Decompress(data, scratch []byte) (FileHeader, []byte, error) {
	h, err := ReadHeader(data)
	if err != nil {
		return h, nil, err
	}
	compressed := data[FileHeaderSize : FileHeaderSize+int(h.CompressedLength)]

	if h.CRC32 != 0 {
		if sum := crc32.ChecksumIEEE(compressed); sum != h.CRC32 {
			return h, nil, errors.New(ErrChecksum).
				Component("capture").
				Category(errors.CategoryFileParsing).
				Context("expected_crc", h.CRC32).
				Context("actual_crc", sum).
				Build()
		}
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return h, nil, decompressError(err)
	}
	defer zr.Close() //nolint:errcheck // reader over memory

	if hint := int(binary.LittleEndian.Uint32(compressed[len(compressed)-4:])); cap(scratch) < hint && hint <= maxPreallocate {
		scratch = make([]byte, 0, hint)
	}
	payload, err := inflate(zr, scratch)
	if err != nil {
		return h, nil, decompressError(err)
	}
	return h, payload, nil
}

// inflate reads r to the end into scratch, growing it only when the data does
// not fit.
func inflate(r io.Reader, scratch []byte) ([]byte, error) {
	buf := scratch[:cap(scratch)]
	n := 0
	var probe [1]byte
	for {
		var m int
		var err error
		if n < len(buf) {
			m, err = r.Read(buf[n:])
			n += m
		} else {
			// full: only grow if more data actually follows
			m, err = r.Read(probe[:])
			if m > 0 {
				buf = append(buf[:n], probe[0])
				buf = buf[:cap(buf)]
				n++
			}
		}
		if errors.Is(err, io.EOF) {
			return buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func decompressError(err error) error {
	return errors.New(errors.Join(ErrDecompress, err)).
		Component("capture").
		Category(errors.CategoryFileParsing).
		Build()
}

// Parse decompresses data and calls fn for every valid frame. Frames with an
// invalid length are counted and skipped. A sequence that runs past the end of
// the payload is parsed up to its last whole frame and ends parsing.
func Parse(data, scratch []byte, fn FrameHandler) (FileHeader, PayloadHeader, ParseStats, error) {
	start := time.Now()
	var stats ParseStats

	h, payload, err := Decompress(data, scratch)
	if err != nil {
		return h, PayloadHeader{}, stats, err
	}
	stats.CompressedBytes = int(h.CompressedLength)
	stats.DecompressedBytes = len(payload)

	ph, err := readPayloadHeader(payload)
	if err != nil {
		return h, ph, stats, err
	}

	body := payload[PayloadHeaderSize:]
	if int(ph.DataLength) < len(body) {
		body = body[:ph.DataLength]
	}

	err = walkSequences(body, &stats, fn)
	stats.Duration = time.Since(start)
	return h, ph, stats, err
}

func walkSequences(body []byte, stats *ParseStats, fn FrameHandler) error {
	for off := 0; off < len(body); {
		if len(body)-off < SequenceHeaderSize {
			warnTruncated(stats, off, SequenceHeaderSize, len(body)-off)
			return nil
		}
		seq := readSequenceHeader(body[off:])
		off += SequenceHeaderSize
		stats.Sequences++

		end := off + int(seq.DataLength)
		cut := end > len(body)
		if cut {
			end = len(body)
		}

		for ; off+FrameSize <= end; off += FrameSize {
			frame, err := readFrame(body[off:])
			if err != nil {
				stats.InvalidFrames++
				continue
			}
			stats.Frames++
			if fn != nil {
				if err := fn(seq, frame); err != nil {
					return err
				}
			}
		}

		if cut {
			warnTruncated(stats, off, int(seq.DataLength), end-off)
			return nil
		}
		off = end
	}
	return nil
}

func warnTruncated(stats *ParseStats, offset, need, have int) {
	stats.TruncatedSequences++
	getLogger().Warn("capture payload ends inside a sequence",
		logger.Int("offset", offset),
		logger.Int("need_bytes", need),
		logger.Int("have_bytes", have))
}

// ParseAll parses data into memory.
func ParseAll(data []byte) (*Capture, error) {
	c := &Capture{}
	if hint := UncompressedSizeHint(data); hint > PayloadHeaderSize {
		c.Frames = make([]Frame, 0, (hint-PayloadHeaderSize)/FrameSize)
	}

	var err error
	c.Header, c.Payload, c.Stats, err = Parse(data, nil, func(_ SequenceHeader, f Frame) error {
		c.Frames = append(c.Frames, f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
