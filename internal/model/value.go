package model

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/rotisserie/eris"
)

// ValueKind tags the variant held by a FieldValue.
type ValueKind string

const (
	ValueString ValueKind = "string"
	ValueNumber ValueKind = "number"
	ValueBool   ValueKind = "bool"
	ValueFile   ValueKind = "file"
)

// FieldValue is a tagged union of the value shapes a form field can take.
// On the wire strings, numbers and booleans are plain JSON scalars and a
// file reference is {"file": "<path>"}.
type FieldValue struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	File string
}

// String returns a string-valued field.
func String(s string) FieldValue { return FieldValue{Kind: ValueString, Str: s} }

// Number returns a numeric field.
func Number(n float64) FieldValue { return FieldValue{Kind: ValueNumber, Num: n} }

// Bool returns a boolean field.
func Bool(b bool) FieldValue { return FieldValue{Kind: ValueBool, Bool: b} }

// File returns a file-reference field.
func File(path string) FieldValue { return FieldValue{Kind: ValueFile, File: path} }

// IsZero reports whether the value was never set.
func (v FieldValue) IsZero() bool { return v.Kind == "" }

// Text renders the value the way it would be typed into a form input.
func (v FieldValue) Text() string {
	switch v.Kind {
	case ValueString:
		return v.Str
	case ValueNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	case ValueFile:
		return v.File
	default:
		return ""
	}
}

// Validate rejects unset values and file references without a path.
func (v FieldValue) Validate() error {
	switch v.Kind {
	case ValueString, ValueNumber, ValueBool:
		return nil
	case ValueFile:
		if v.File == "" {
			return eris.New("file reference has empty path")
		}
		return nil
	case "":
		return eris.New("value is not set")
	default:
		return eris.Errorf("unknown value kind %q", v.Kind)
	}
}

type fileRef struct {
	File string `json:"file"`
}

// MarshalJSON implements json.Marshaler.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueString:
		return json.Marshal(v.Str)
	case ValueNumber:
		return json.Marshal(v.Num)
	case ValueBool:
		return json.Marshal(v.Bool)
	case ValueFile:
		return json.Marshal(fileRef{File: v.File})
	default:
		return nil, eris.Errorf("model: cannot marshal field value of kind %q", v.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler. Only the four wire shapes are
// accepted; null, arrays and arbitrary objects are errors.
func (v *FieldValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return eris.New("model: empty field value")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return eris.Wrap(err, "model: decode string value")
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return eris.Wrap(err, "model: decode bool value")
		}
		*v = Bool(b)
	case '{':
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		var ref fileRef
		if err := dec.Decode(&ref); err != nil {
			return eris.Wrap(err, "model: decode file reference")
		}
		if ref.File == "" {
			return eris.New("model: file reference has empty path")
		}
		*v = File(ref.File)
	case 'n':
		return eris.New("model: null is not a valid field value")
	case '[':
		return eris.New("model: arrays are not valid field values")
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return eris.Wrap(err, "model: decode number value")
		}
		*v = Number(n)
	}
	return nil
}
