// Package capture reads and writes vehicle bus capture files.
//
// A capture file is layered, big-endian throughout:
//
//	file header (35 bytes) | gzip payload | optional padding
//	payload:  payload header (20 bytes) | sequence...
//	sequence: sequence header (16 bytes) | frame...
//	frame:    timestamp u64 | can id u32 | dlc u8 | reserved [3] | data [8]
//
// Timestamps in sequences and frames are microseconds since the Unix epoch;
// the file header timestamp is in seconds.
package capture

import (
	"encoding/binary"
	"time"

	"github.com/tphakala/canpipe/internal/errors"
)

const (
	FileHeaderSize     = 35
	PayloadHeaderSize  = 20
	SequenceHeaderSize = 16
	FrameSize          = 24
	MaxDataLength      = 8
)

var (
	// Magic opens every capture file. Only the first 7 bytes are checked.
	Magic = [8]byte{'C', 'A', 'N', 'D', 'A', 'T', 'A', 0}

	// FrameDataType marks a payload holding frame sequences.
	FrameDataType = [4]byte{'F', 'R', 'A', 'M'}
)

var (
	ErrTruncated     = errors.NewStd("capture: truncated data")
	ErrBadMagic      = errors.NewStd("capture: not a capture file")
	ErrBadVersion    = errors.NewStd("capture: unsupported version")
	ErrChecksum      = errors.NewStd("capture: payload checksum mismatch")
	ErrEmptyPayload  = errors.NewStd("capture: empty payload")
	ErrDecompress    = errors.NewStd("capture: payload decompression failed")
	ErrBadPayload    = errors.NewStd("capture: unexpected payload data type")
	ErrFrameTooLarge = errors.NewStd("capture: frame data longer than 8 bytes")
)

// FileHeader is the uncompressed header at the start of a capture file.
type FileHeader struct {
	Magic            [8]byte
	Version          uint32
	FileIndex        uint32
	Timestamp        uint64 // seconds since the Unix epoch
	CRC32            uint32 // IEEE checksum of the compressed payload, 0 when absent
	Reserved         [3]byte
	CompressedLength uint32
}

// Time returns the header timestamp.
func (h FileHeader) Time() time.Time {
	return time.Unix(int64(h.Timestamp), 0).UTC()
}

// PayloadHeader opens the decompressed payload.
type PayloadHeader struct {
	DataType    [4]byte
	Version     uint32
	TotalFrames uint32
	FileIndex   uint32
	DataLength  uint32 // bytes of sequence data that follow
}

// SequenceHeader precedes a run of frames from one source.
type SequenceHeader struct {
	SequenceID uint32
	Timestamp  uint64
	DataLength uint32
}

// Frame is one captured bus message.
type Frame struct {
	Timestamp uint64 // microseconds since the Unix epoch
	ID        uint32
	DLC       uint8
	Data      [MaxDataLength]byte
}

// Payload returns the first DLC bytes of the frame data.
func (f *Frame) Payload() []byte {
	return f.Data[:min(int(f.DLC), MaxDataLength)]
}

// Time returns the frame timestamp.
func (f *Frame) Time() time.Time {
	return time.UnixMicro(int64(f.Timestamp)).UTC()
}

func truncated(layer string, need, have int) error {
	return errors.New(ErrTruncated).
		Component("capture").
		Category(errors.CategoryFileParsing).
		Context("layer", layer).
		Context("need_bytes", need).
		Context("have_bytes", have).
		Build()
}

// ReadHeader decodes and validates the file header at the start of data.
func ReadHeader(data []byte) (FileHeader, error) {
	var h FileHeader
	if len(data) < FileHeaderSize {
		return h, truncated("file-header", FileHeaderSize, len(data))
	}

	copy(h.Magic[:], data[0:8])
	h.Version = binary.BigEndian.Uint32(data[8:12])
	h.FileIndex = binary.BigEndian.Uint32(data[12:16])
	h.Timestamp = binary.BigEndian.Uint64(data[16:24])
	h.CRC32 = binary.BigEndian.Uint32(data[24:28])
	copy(h.Reserved[:], data[28:31])
	h.CompressedLength = binary.BigEndian.Uint32(data[31:35])

	if [7]byte(h.Magic[:7]) != [7]byte(Magic[:7]) {
		return h, ErrBadMagic
	}
	if h.Version == 0 {
		return h, ErrBadVersion
	}
	if h.CompressedLength == 0 {
		return h, ErrEmptyPayload
	}
	if need := FileHeaderSize + int(h.CompressedLength); need > len(data) {
		return h, truncated("compressed-payload", need, len(data))
	}
	return h, nil
}

// AppendFileHeader appends the encoded header to dst.
func AppendFileHeader(dst []byte, h FileHeader) []byte {
	dst = append(dst, h.Magic[:]...)
	dst = binary.BigEndian.AppendUint32(dst, h.Version)
	dst = binary.BigEndian.AppendUint32(dst, h.FileIndex)
	dst = binary.BigEndian.AppendUint64(dst, h.Timestamp)
	dst = binary.BigEndian.AppendUint32(dst, h.CRC32)
	dst = append(dst, h.Reserved[:]...)
	return binary.BigEndian.AppendUint32(dst, h.CompressedLength)
}

func readPayloadHeader(data []byte) (PayloadHeader, error) {
	var h PayloadHeader
	if len(data) < PayloadHeaderSize {
		return h, truncated("payload-header", PayloadHeaderSize, len(data))
	}
	copy(h.DataType[:], data[0:4])
	h.Version = binary.BigEndian.Uint32(data[4:8])
	h.TotalFrames = binary.BigEndian.Uint32(data[8:12])
	h.FileIndex = binary.BigEndian.Uint32(data[12:16])
	h.DataLength = binary.BigEndian.Uint32(data[16:20])
	if h.DataType != FrameDataType {
		return h, errors.New(ErrBadPayload).
			Component("capture").
			Category(errors.CategoryFileParsing).
			Context("data_type", string(h.DataType[:])).
			Build()
	}
	return h, nil
}

func appendPayloadHeader(dst []byte, h PayloadHeader) []byte {
	dst = append(dst, h.DataType[:]...)
	dst = binary.BigEndian.AppendUint32(dst, h.Version)
	dst = binary.BigEndian.AppendUint32(dst, h.TotalFrames)
	dst = binary.BigEndian.AppendUint32(dst, h.FileIndex)
	return binary.BigEndian.AppendUint32(dst, h.DataLength)
}

func readSequenceHeader(data []byte) SequenceHeader {
	return SequenceHeader{
		SequenceID: binary.BigEndian.Uint32(data[0:4]),
		Timestamp:  binary.BigEndian.Uint64(data[4:12]),
		DataLength: binary.BigEndian.Uint32(data[12:16]),
	}
}

func appendSequenceHeader(dst []byte, h SequenceHeader) []byte {
	dst = binary.BigEndian.AppendUint32(dst, h.SequenceID)
	dst = binary.BigEndian.AppendUint64(dst, h.Timestamp)
	return binary.BigEndian.AppendUint32(dst, h.DataLength)
}

// readFrame decodes one frame. Frames claiming more than 8 data bytes are rejected.
func readFrame(data []byte) (Frame, error) {
	f := Frame{
		Timestamp: binary.BigEndian.Uint64(data[0:8]),
		ID:        binary.BigEndian.Uint32(data[8:12]),
		DLC:       data[12],
	}
	copy(f.Data[:], data[16:24])
	if f.DLC > MaxDataLength {
		return f, ErrFrameTooLarge
	}
	return f, nil
}

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	dst = binary.BigEndian.AppendUint64(dst, f.Timestamp)
	dst = binary.BigEndian.AppendUint32(dst, f.ID)
	dst = append(dst, f.DLC, 0, 0, 0)
	return append(dst, f.Data[:]...)
}
