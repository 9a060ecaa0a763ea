// Package dbc parses CAN database files and decodes frame payloads into
// physical signal values.
package dbc

import (
	"cmp"
	_ "embed"
	"slices"
	"strings"

	"github.com/tphakala/canpipe/internal/errors"
)

//go:embed vehicle.dbc
var builtinVehicle string

var (
	ErrUnknownMessage = errors.NewStd("dbc: unknown message id")
	ErrShortFrame     = errors.NewStd("dbc: frame too short for signal")
	ErrSyntax         = errors.NewStd("dbc: syntax error")
)

const (
	// extendedFlag marks 29-bit identifiers in BO_ lines.
	extendedFlag uint32 = 1 << 31
	idMask       uint32 = 0x1FFFFFFF
)

// ByteOrder is the bit numbering of a signal.
type ByteOrder uint8

const (
	BigEndian    ByteOrder = iota // Motorola, "@0"
	LittleEndian                  // Intel, "@1"
)

func (o ByteOrder) String() string {
	if o == LittleEndian {
		return "intel"
	}
	return "motorola"
}

// Signal is a bit field within a message.
type Signal struct {
	Name      string
	StartBit  int
	Length    int
	ByteOrder ByteOrder
	Signed    bool
	Factor    float64
	Offset    float64
	Min       float64
	Max       float64
	Unit      string
	Receivers []string
	Multiplex string // multiplexer indicator, empty for plain signals
}

// Message is a frame layout.
type Message struct {
	ID       uint32 // without the extended flag
	Extended bool
	Name     string
	DLC      int
	Sender   string
	Signals  []*Signal
	Comment  string
}

// Signal returns the named signal or nil.
func (m *Message) Signal(name string) *Signal {
	for _, s := range m.Signals {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Database is a parsed DBC file.
type Database struct {
	Version  string
	Nodes    []string
	messages map[uint32]*Message
}

// Message looks up a message by frame id.
func (db *Database) Message(id uint32) (*Message, bool) {
	m, ok := db.messages[id&idMask]
	return m, ok
}

// Messages returns all messages ordered by id.
func (db *Database) Messages() []*Message {
	out := make([]*Message, 0, len(db.messages))
	for _, m := range db.messages {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *Message) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// SignalCount returns the number of signals across all messages.
func (db *Database) SignalCount() int {
	n := 0
	for _, m := range db.messages {
		n += len(m.Signals)
	}
	return n
}

// Builtin returns the database describing the frames written by the capture
// generator.
func Builtin() *Database {
	db, err := Parse(strings.NewReader(builtinVehicle))
	if err != nil {
		panic("dbc: builtin database: " + err.Error())
	}
	return db
}
