package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/big"
	"strconv"
	"strings"
)

var errInvalidID = errors.New("task id must be a number or a string")

// ID identifies a task. The API may send it as a JSON number or a string;
// the wire form is recorded on decode so it is written back unchanged.
type ID struct {
	text string
	num  bool
}

// NewID returns a textual identifier, as carried by a path segment or a
// JSON string.
func NewID(s string) ID { return ID{text: s} }

// NumberID returns an identifier that serialises as a JSON number.
func NumberID(n int64) ID { return ID{text: strconv.FormatInt(n, 10), num: true} }

// String returns the textual form of the identifier.
func (id ID) String() string { return id.text }

// IsZero reports whether the identifier is empty.
func (id ID) IsZero() bool { return strings.TrimSpace(id.text) == "" }

// IsNumber reports whether the identifier arrived as a JSON number.
func (id ID) IsNumber() bool { return id.num }

// Equal compares identifiers by exact numeric value when both sides are
// decimal numbers and by trimmed text otherwise, so "7", 7 and "07" all
// match while distinct integers never do.
func (id ID) Equal(other ID) bool {
	a := strings.TrimSpace(id.text)
	b := strings.TrimSpace(other.text)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	ia, okA := integer(a)
	ib, okB := integer(b)
	if okA && okB {
		return ia.Cmp(ib) == 0
	}
	fa, okA := decimal(a)
	fb, okB := decimal(b)
	return okA && okB && fa == fb
}

// integer parses an optionally signed run of decimal digits exactly.
func integer(s string) (*big.Int, bool) {
	digits := strings.TrimLeft(s, "+-")
	if len(s)-len(digits) > 1 || digits == "" || strings.Trim(digits, "0123456789") != "" {
		return nil, false
	}
	return new(big.Int).SetString(s, 10)
}

// decimal parses plain decimal notation. Hex, NaN and Inf stay textual.
func decimal(s string) (float64, bool) {
	if strings.Trim(s, "0123456789+-.eE") != "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

// MarshalJSON writes the identifier in the form it was decoded with.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.num {
		return []byte(id.text), nil
	}
	return json.Marshal(id.text)
}

// UnmarshalJSON accepts a JSON number or string.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ID{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID{text: s}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errInvalidID
	}
	*id = ID{text: n.String(), num: true}
	return nil
}

// ParseID decodes an identifier carried by a deletion event. Both a bare
// value (7 or "7") and an object ({"id": 7}) are accepted.
func ParseID(data []byte) (ID, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			ID ID `json:"id"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return ID{}, err
		}
		if wrapped.ID.IsZero() {
			return ID{}, errInvalidID
		}
		return wrapped.ID, nil
	}
	var id ID
	if err := id.UnmarshalJSON(data); err != nil {
		return ID{}, err
	}
	if id.IsZero() {
		return ID{}, errInvalidID
	}
	return id, nil
}
