package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidWireInt is returned for counts and durations that are not
// finite, negative or out of range.
var ErrInvalidWireInt = errors.New("invalid non-negative integer")

// WireID decodes an id the backend may send as a JSON string or number.
type WireID string

func (id *WireID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = WireID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = WireID(n.String())
	return nil
}

// WireInt decodes a non-negative integer sent as a number, a numeric
// string or null. Fractions are truncated.
type WireInt int

func (v *WireInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*v = 0
		return nil
	}
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s = strings.TrimSpace(s); s == "" {
			*v = 0
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	if math.IsNaN(f) || f < 0 || f > math.MaxInt32 {
		return fmt.Errorf("%w: %s", ErrInvalidWireInt, s)
	}
	*v = WireInt(f)
	return nil
}
