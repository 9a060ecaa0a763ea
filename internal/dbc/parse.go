package dbc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/tphakala/canpipe/internal/errors"
	"github.com/tphakala/canpipe/internal/logger"
)

var (
	messageRe = regexp.MustCompile(`^BO_\s+(\d+)\s+(\w+)\s*:\s*(\d+)\s+(\w+)`)
	signalRe  = regexp.MustCompile(
		`^SG_\s+(\w+)\s*(M|m\d+)?\s*:\s*(\d+)\|(\d+)@([01])([+-])\s*` +
			`\(\s*([^,\s]+)\s*,\s*([^)\s]+)\s*\)\s*` +
			`\[\s*([^|\s]+)\s*\|\s*([^\]\s]+)\s*\]\s*` +
			`"([^"]*)"\s*(.*)$`)
	versionRe = regexp.MustCompile(`^VERSION\s+"([^"]*)"`)
	commentRe = regexp.MustCompile(`^CM_\s+BO_\s+(\d+)\s+"([^"]*)"\s*;`)
)

// ParseError reports a malformed line.
type ParseError struct {
	Line int
	Text string
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("dbc: line %d: %s: %q", e.Line, e.Msg, e.Text)
}

func (e *ParseError) Unwrap() error { return ErrSyntax }

// ParseFile parses the DBC file at path.
func ParseFile(path string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.FileError(err, path, 0)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			getLogger().Warn("failed to close dbc file", logger.String("path", path), logger.Error(closeErr))
		}
	}()

	db, err := Parse(f)
	if err != nil {
		return nil, err
	}
	getLogger().Info("dbc loaded",
		logger.String("path", path),
		logger.Int("messages", len(db.messages)),
		logger.Int("signals", db.SignalCount()))
	return db, nil
}

// Parse reads message, signal, version, node and message comment
// definitions. Other sections are skipped.
func Parse(r io.Reader) (*Database, error) {
	db := &Database{messages: make(map[uint32]*Message)}

	var current *Message
	lineNo := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, "BO_ "):
			m, err := parseMessage(line)
			if err != nil {
				return nil, wrapSyntax(lineNo, line, err.Error())
			}
			if _, dup := db.messages[m.ID]; dup {
				return nil, wrapSyntax(lineNo, line, "duplicate message id")
			}
			db.messages[m.ID] = m
			current = m

		case strings.HasPrefix(line, "SG_ "):
			if current == nil {
				return nil, wrapSyntax(lineNo, line, "signal outside of a message")
			}
			s, err := parseSignal(line)
			if err != nil {
				return nil, wrapSyntax(lineNo, line, err.Error())
			}
			current.Signals = append(current.Signals, s)

		case strings.HasPrefix(line, "VERSION"):
			if m := versionRe.FindStringSubmatch(line); m != nil {
				db.Version = m[1]
			}

		case strings.HasPrefix(line, "BU_"):
			_, nodes, _ := strings.Cut(line, ":")
			db.Nodes = strings.Fields(nodes)

		case strings.HasPrefix(line, "CM_ BO_"):
			if m := commentRe.FindStringSubmatch(line); m != nil {
				id, _ := strconv.ParseUint(m[1], 10, 32)
				if msg, ok := db.messages[uint32(id)&idMask]; ok {
					msg.Comment = m[2]
				}
			}

		case line == "":
			current = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.New(err).
			Component("dbc").
			Category(errors.CategoryFileParsing).
			Context("line", lineNo).
			Build()
	}
	return db, nil
}

func wrapSyntax(line int, text, msg string) error {
	return errors.New(&ParseError{Line: line, Text: text, Msg: msg}).
		Component("dbc").
		Category(errors.CategoryFileParsing).
		Context("line", line).
		Build()
}

func parseMessage(line string) (*Message, error) {
	m := messageRe.FindStringSubmatch(line)
	if m == nil {
		return nil, errors.NewStd("malformed message definition")
	}
	rawID, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	dlc, err := strconv.Atoi(m[3])
	if err != nil {
		return nil, fmt.Errorf("message dlc: %w", err)
	}
	id := uint32(rawID)
	return &Message{
		ID:       id & idMask,
		Extended: id&extendedFlag != 0,
		Name:     m[2],
		DLC:      dlc,
		Sender:   m[4],
	}, nil
}

func parseSignal(line string) (*Signal, error) {
	m := signalRe.FindStringSubmatch(line)
	if m == nil {
		return nil, errors.NewStd("malformed signal definition")
	}

	s := &Signal{
		Name:      m[1],
		Multiplex: m[2],
		ByteOrder: BigEndian,
		Signed:    m[6] == "-",
		Unit:      m[11],
	}
	if m[5] == "1" {
		s.ByteOrder = LittleEndian
	}

	var err error
	if s.StartBit, err = strconv.Atoi(m[3]); err != nil {
		return nil, fmt.Errorf("start bit: %w", err)
	}
	if s.Length, err = strconv.Atoi(m[4]); err != nil {
		return nil, fmt.Errorf("length: %w", err)
	}
	floats := []*float64{&s.Factor, &s.Offset, &s.Min, &s.Max}
	for i, dst := range floats {
		if *dst, err = strconv.ParseFloat(m[7+i], 64); err != nil {
			return nil, fmt.Errorf("numeric field %q: %w", m[7+i], err)
		}
	}
	if receivers := strings.TrimSpace(m[12]); receivers != "" {
		s.Receivers = strings.Split(strings.ReplaceAll(receivers, " ", ""), ",")
	}

	if s.Length < 1 || s.Length > 64 {
		return nil, fmt.Errorf("signal length %d out of range 1..64", s.Length)
	}
	if s.StartBit > 63 {
		return nil, fmt.Errorf("start bit %d out of range 0..63", s.StartBit)
	}
	if s.lastByte() > 7 {
		return nil, fmt.Errorf("signal does not fit in 8 bytes")
	}
	return s, nil
}
