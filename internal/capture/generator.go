package capture

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/tphakala/canpipe/internal/logger"
)

// Message ids emitted by the generator. Extended ids carry 29 bits.
const (
	IDEngineData       uint32 = 0x100
	IDTransmissionData uint32 = 0x200
	IDBrakeData        uint32 = 0x300
	IDSteeringData     uint32 = 0x400
	IDDashboardData    uint32 = 0x600
	IDEngineDetail     uint32 = 0x18FF1234
)

// GeneratorConfig shapes synthetic capture files.
type GeneratorConfig struct {
	Sequences         int           // sequences per file
	FramesPerSequence int           // frames per sequence
	FrameInterval     time.Duration // spacing of frames within a sequence
	Start             time.Time     // timestamp of file 0
	FileSpacing       time.Duration // time between consecutive files
	Seed              uint64
}

// DefaultGeneratorConfig returns a configuration producing files of about 10k frames.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Sequences:         8,
		FramesPerSequence: 1250,
		FrameInterval:     10 * time.Millisecond,
		Start:             time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
		FileSpacing:       time.Hour,
		Seed:              1,
	}
}

// Generator produces deterministic capture files with plausible vehicle
// signals. Each sequence carries the traffic of one control unit.
type Generator struct {
	config GeneratorConfig
	writer Writer
}

// NewGenerator creates a generator that writes checksummed files.
func NewGenerator(config GeneratorConfig) *Generator {
	return &Generator{
		config: config,
		writer: Writer{Checksum: true},
	}
}

type ecu struct {
	id      uint32
	dlc     uint8
	payload func(r *rand.Rand, data []byte)
}

var ecus = []ecu{
	{IDEngineData, 8, func(r *rand.Rand, d []byte) {
		binary.LittleEndian.PutUint16(d[0:], uint16((800+r.IntN(6000))*4)) // rpm / 0.25
		d[2] = uint8(110 + r.IntN(30))                                       // 70..99 degC
		d[3] = uint8(r.IntN(251))
		binary.LittleEndian.PutUint16(d[4:], uint16(r.IntN(400)))
	}},
	{IDTransmissionData, 6, func(r *rand.Rand, d []byte) {
		d[0] = uint8(1 + r.IntN(6))
		d[1] = uint8(100 + r.IntN(40))
		binary.LittleEndian.PutUint16(d[2:], uint16(r.IntN(5000)))
	}},
	{IDBrakeData, 4, func(r *rand.Rand, d []byte) {
		binary.LittleEndian.PutUint16(d[0:], uint16(500+r.IntN(2000)))
		d[2] = uint8(r.IntN(2))
	}},
	{IDSteeringData, 4, func(r *rand.Rand, d []byte) {
		angle := int16(r.IntN(7200) - 3600) // -360.0..359.9 deg
		binary.BigEndian.PutUint16(d[0:], uint16(angle))
		d[2] = uint8(1 + r.IntN(200))
	}},
	{IDDashboardData, 3, func(r *rand.Rand, d []byte) {
		binary.LittleEndian.PutUint16(d[0:], uint16(r.IntN(20000)))
		d[2] = uint8(r.IntN(251))
	}},
	{IDEngineDetail, 3, func(r *rand.Rand, d []byte) {
		d[0] = uint8(r.IntN(150))
		binary.LittleEndian.PutUint16(d[1:], uint16(int16(r.IntN(300)-50)))
	}},
}

// Header returns the file header for fileIndex.
func (g *Generator) Header(fileIndex int) FileHeader {
	ts := g.config.Start.Add(time.Duration(fileIndex) * g.config.FileSpacing)
	return FileHeader{
		Magic:     Magic,
		Version:   1,
		FileIndex: uint32(fileIndex),
		Timestamp: uint64(ts.Unix()),
	}
}

// Sequences returns the frame sequences of file fileIndex.
func (g *Generator) Sequences(fileIndex int) []Sequence {
	r := rand.New(rand.NewPCG(g.config.Seed, uint64(fileIndex)))
	base := g.config.Start.Add(time.Duration(fileIndex) * g.config.FileSpacing)

	sequences := make([]Sequence, g.config.Sequences)
	for s := range sequences {
		unit := ecus[s%len(ecus)]
		seqStart := base.Add(time.Duration(s) * time.Millisecond)
		frames := make([]Frame, g.config.FramesPerSequence)
		for i := range frames {
			f := &frames[i]
			f.Timestamp = uint64(seqStart.Add(time.Duration(i) * g.config.FrameInterval).UnixMicro())
			f.ID = unit.id
			f.DLC = unit.dlc
			unit.payload(r, f.Data[:])
		}
		sequences[s] = Sequence{
			ID:        uint32(s),
			Timestamp: uint64(seqStart.UnixMicro()),
			Frames:    frames,
		}
	}
	return sequences
}

// Encode returns the encoded file fileIndex.
func (g *Generator) Encode(fileIndex int) ([]byte, error) {
	return g.writer.Encode(g.Header(fileIndex), g.Sequences(fileIndex))
}

// WriteFiles writes count files named capture_NNNN.bin into dir.
func (g *Generator) WriteFiles(dir string, count int) ([]string, error) {
	paths := make([]string, 0, count)
	for i := range count {
		path := filepath.Join(dir, fmt.Sprintf("capture_%04d.bin", i))
		if err := g.writer.WriteFile(path, g.Header(i), g.Sequences(i)); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	getLogger().Info("generated capture files",
		logger.String("dir", dir),
		logger.Int("files", count),
		logger.Int("frames_per_file", g.config.Sequences*g.config.FramesPerSequence))
	return paths, nil
}
