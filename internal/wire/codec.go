// Package wire implements the dispatcher<->agent message codec from
// spec.md section 4.F: semicolon-delimited tokens, the first of which is
// the command name, each subsequent token of the form key=value=dtype.
//
// This legacy format is kept, not replaced with a structured encoding,
// because it is what the desktop GUI already emits and consumes
// (spec.md 4.F rationale) and a receiver can ignore unknown keys.
package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// DType is the wire type tag attached to every value.
type DType string

const (
	DTypeInt   DType = "int"
	DTypeFloat DType = "float"
	DTypeStr   DType = "str"
	DTypeBool  DType = "bool"
)

// Value is a tagged union over the four wire types. Exactly one of the
// typed fields is meaningful, selected by Type.
type Value struct {
	Type DType
	I    int64
	F    float64
	S    string
	B    bool
}

func Int(v int64) Value      { return Value{Type: DTypeInt, I: v} }
func Float(v float64) Value  { return Value{Type: DTypeFloat, F: v} }
func Str(v string) Value     { return Value{Type: DTypeStr, S: v} }
func Bool(v bool) Value      { return Value{Type: DTypeBool, B: v} }

// Format renders the value's wire-format token suffix ("value=dtype").
func (v Value) Format() string {
	switch v.Type {
	case DTypeInt:
		return fmt.Sprintf("%d=int", v.I)
	case DTypeFloat:
		return fmt.Sprintf("%s=float", strconv.FormatFloat(v.F, 'g', -1, 64))
	case DTypeStr:
		return v.S + "=str"
	case DTypeBool:
		if v.B {
			return "True=bool"
		}
		return "False=bool"
	default:
		return ""
	}
}

// Param is one key/value pair of a Message, order-preserving so that
// Encode(Decode(raw)) round-trips byte-for-byte modulo float formatting.
type Param struct {
	Key   string
	Value Value
}

// Message is a parsed wire message: a command name plus ordered params.
type Message struct {
	Command string
	Params  []Param
}

// Get returns the value for key, if present.
func (m Message) Get(key string) (Value, bool) {
	for _, p := range m.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return Value{}, false
}

// GetInt, GetFloat, GetStr, GetBool are convenience accessors returning
// the zero value and false if the key is absent or of the wrong type.
func (m Message) GetInt(key string) (int64, bool) {
	v, ok := m.Get(key)
	if !ok || v.Type != DTypeInt {
		return 0, false
	}
	return v.I, true
}

func (m Message) GetFloat(key string) (float64, bool) {
	v, ok := m.Get(key)
	if !ok || v.Type != DTypeFloat {
		return 0, false
	}
	return v.F, true
}

func (m Message) GetStr(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok || v.Type != DTypeStr {
		return "", false
	}
	return v.S, true
}

func (m Message) GetBool(key string) (bool, bool) {
	v, ok := m.Get(key)
	if !ok || v.Type != DTypeBool {
		return false, false
	}
	return v.B, true
}

// With returns a copy of m with (key, value) appended, for building
// messages fluently: wire.New("set_trial_parameters").With("trial_number", wire.Int(3))
func (m Message) With(key string, v Value) Message {
	m.Params = append(append([]Param{}, m.Params...), Param{Key: key, Value: v})
	return m
}

// New starts a Message with no params.
func New(command string) Message {
	return Message{Command: command}
}

// Encode renders m in the wire format: "cmd;key=value=dtype;key=value=dtype;"
func Encode(m Message) string {
	var b strings.Builder
	b.WriteString(m.Command)
	b.WriteByte(';')
	for _, p := range m.Params {
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value.Format())
		b.WriteByte(';')
	}
	return b.String()
}

// Decode parses raw into a Message. Parsing is strict: every
// non-empty token after the command must match key=value=dtype exactly,
// dtype must be one of int/float/str/bool, and bool values must be
// exactly "True" or "False". A trailing semicolon (or any number of
// them) is tolerated since it produces only empty suffix tokens, which
// are skipped. Any other malformed token rejects the whole message.
func Decode(raw string) (Message, error) {
	tokens := strings.Split(raw, ";")
	if len(tokens) == 0 || tokens[0] == "" {
		return Message{}, fmt.Errorf("wire: empty message")
	}

	msg := Message{Command: tokens[0]}
	for _, tok := range tokens[1:] {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		parts := strings.Split(tok, "=")
		if len(parts) != 3 {
			return Message{}, fmt.Errorf("wire: unparseable token %q", tok)
		}
		key, val, dtyp := parts[0], parts[1], DType(parts[2])

		var v Value
		switch dtyp {
		case DTypeInt:
			iv, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return Message{}, fmt.Errorf("wire: bad int in token %q: %w", tok, err)
			}
			v = Int(iv)
		case DTypeFloat:
			fv, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return Message{}, fmt.Errorf("wire: bad float in token %q: %w", tok, err)
			}
			v = Float(fv)
		case DTypeStr:
			v = Str(val)
		case DTypeBool:
			switch val {
			case "True":
				v = Bool(true)
			case "False":
				v = Bool(false)
			default:
				return Message{}, fmt.Errorf("wire: bad bool in token %q", tok)
			}
		default:
			return Message{}, fmt.Errorf("wire: unrecognized dtype in token %q", tok)
		}

		msg.Params = append(msg.Params, Param{Key: key, Value: v})
	}

	return msg, nil
}
