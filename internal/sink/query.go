package sink

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/tphakala/canpipe/internal/errors"
)

type field uint8

const (
	fieldPartition field = iota
	fieldTimestamp
	fieldCANID
	fieldMessage
	fieldSignal
	fieldValue
	fieldUnit
)

var fieldNames = map[string]field{
	"partition": fieldPartition,
	"timestamp": fieldTimestamp,
	"can_id":    fieldCANID,
	"message":   fieldMessage,
	"signal":    fieldSignal,
	"value":     fieldValue,
	"unit":      fieldUnit,
}

type operator uint8

const (
	opEq operator = iota
	opNe
	opLt
	opLe
	opGt
	opGe
)

var operators = map[string]operator{
	"=": opEq, "==": opEq, "!=": opNe, "<": opLt, "<=": opLe, ">": opGt, ">=": opGe,
}

// term is one comparison. Numeric fields use num, string fields str.
type term struct {
	field field
	op    operator
	str   string
	num   float64
}

// Query is a parsed filter: a conjunction of terms.
type Query struct {
	terms []term
}

// ParseQuery parses expressions such as
//
//	signal = EngineSpeed AND value > 3000 AND timestamp >= 2022-01-01T00:00:00Z
//
// Fields are partition, timestamp, can_id, message, signal, value and unit.
// Timestamps accept microseconds or RFC 3339, can ids decimal or 0x hex.
// String values may be double quoted. An empty expression matches everything.
func ParseQuery(expr string) (*Query, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}

	q := &Query{}
	for i := 0; i < len(tokens); {
		if len(tokens)-i < 3 {
			return nil, queryError(expr, "incomplete comparison")
		}
		t, err := parseTerm(tokens[i], tokens[i+1], tokens[i+2])
		if err != nil {
			return nil, queryError(expr, err.Error())
		}
		q.terms = append(q.terms, t)
		i += 3

		if i < len(tokens) {
			if !strings.EqualFold(tokens[i].text, "AND") || tokens[i].quoted {
				return nil, queryError(expr, "expected AND, got "+strconv.Quote(tokens[i].text))
			}
			i++
			if i == len(tokens) {
				return nil, queryError(expr, "dangling AND")
			}
		}
	}
	return q, nil
}

func queryError(expr, reason string) error {
	return errors.New(ErrInvalidQuery).
		Component("sink").
		Category(errors.CategoryQuery).
		Context("expression", expr).
		Context("reason", reason).
		Build()
}

type token struct {
	text   string
	quoted bool
}

func isOperatorRune(r rune) bool {
	return r == '=' || r == '!' || r == '<' || r == '>'
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	runes := []rune(expr)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '"':
			end := i + 1
			for end < len(runes) && runes[end] != '"' {
				end++
			}
			if end == len(runes) {
				return nil, queryError(expr, "unterminated string")
			}
			tokens = append(tokens, token{text: string(runes[i+1 : end]), quoted: true})
			i = end + 1
		case isOperatorRune(r):
			end := i + 1
			for end < len(runes) && isOperatorRune(runes[end]) {
				end++
			}
			tokens = append(tokens, token{text: string(runes[i:end])})
			i = end
		default:
			end := i + 1
			for end < len(runes) && !unicode.IsSpace(runes[end]) && !isOperatorRune(runes[end]) && runes[end] != '"' {
				end++
			}
			tokens = append(tokens, token{text: string(runes[i:end])})
			i = end
		}
	}
	return tokens, nil
}

func parseTerm(name, op, value token) (term, error) {
	var t term
	f, ok := fieldNames[strings.ToLower(name.text)]
	if !ok || name.quoted {
		return t, fmt.Errorf("unknown field %q", name.text)
	}
	o, ok := operators[op.text]
	if !ok || op.quoted {
		return t, fmt.Errorf("unknown operator %q", op.text)
	}
	t.field, t.op = f, o

	switch f {
	case fieldTimestamp:
		if ts, err := time.Parse(time.RFC3339Nano, value.text); err == nil {
			t.num = float64(ts.UnixMicro())
			return t, nil
		}
		n, err := strconv.ParseInt(value.text, 10, 64)
		if err != nil {
			return t, fmt.Errorf("timestamp %q is neither microseconds nor RFC 3339", value.text)
		}
		t.num = float64(n)
	case fieldCANID:
		n, err := strconv.ParseUint(value.text, 0, 32)
		if err != nil {
			return t, fmt.Errorf("can id %q: %w", value.text, err)
		}
		t.num = float64(n)
	case fieldValue:
		n, err := strconv.ParseFloat(value.text, 64)
		if err != nil {
			return t, fmt.Errorf("value %q: %w", value.text, err)
		}
		t.num = n
	default:
		t.str = value.text
	}
	return t, nil
}

func compareOrdered[T int | float64 | string](a, b T, op operator) bool {
	switch op {
	case opEq:
		return a == b
	case opNe:
		return a != b
	case opLt:
		return a < b
	case opLe:
		return a <= b
	case opGt:
		return a > b
	default:
		return a >= b
	}
}

func (t *term) match(r *Record) bool {
	switch t.field {
	case fieldPartition:
		return compareOrdered(r.Partition, t.str, t.op)
	case fieldTimestamp:
		return compareOrdered(float64(r.Timestamp), t.num, t.op)
	case fieldCANID:
		return compareOrdered(float64(r.CANID), t.num, t.op)
	case fieldMessage:
		return compareOrdered(r.Message, t.str, t.op)
	case fieldSignal:
		return compareOrdered(r.Signal, t.str, t.op)
	case fieldValue:
		return compareOrdered(r.Value, t.num, t.op)
	default:
		return compareOrdered(r.Unit, t.str, t.op)
	}
}

// Match reports whether r satisfies every term.
func (q *Query) Match(r *Record) bool {
	for i := range q.terms {
		if !q.terms[i].match(r) {
			return false
		}
	}
	return true
}

// matchPartition reports whether a partition can contain matches.
func (q *Query) matchPartition(name string) bool {
	r := Record{Partition: name}
	for i := range q.terms {
		if q.terms[i].field == fieldPartition && !q.terms[i].match(&r) {
			return false
		}
	}
	return true
}

// mayMatchRange reports whether any timestamp in [lo, hi] can satisfy the
// timestamp terms.
func (q *Query) mayMatchRange(lo, hi int64) bool {
	for _, t := range q.terms {
		if t.field != fieldTimestamp {
			continue
		}
		flo, fhi := float64(lo), float64(hi)
		switch t.op {
		case opEq:
			if t.num < flo || t.num > fhi {
				return false
			}
		case opLt:
			if flo >= t.num {
				return false
			}
		case opLe:
			if flo > t.num {
				return false
			}
		case opGt:
			if fhi <= t.num {
				return false
			}
		case opGe:
			if fhi < t.num {
				return false
			}
		}
	}
	return true
}
