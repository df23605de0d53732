package pveinventory

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// The API is inconsistent about scalar types: flags come as 0/1, "0"/"1" or
// booleans, numbers sometimes as strings ("mhz": "2400.000").

// flag is true only for 1, "1" and true.
type flag bool

func (f *flag) UnmarshalJSON(b []byte) error {
	switch strings.Trim(string(bytes.TrimSpace(b)), `"`) {
	case "1", "true":
		*f = true
	default:
		*f = false
	}
	return nil
}

// number accepts JSON numbers and numeric strings, anything else is 0.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*n = 0
		return nil
	}
	*n = number(v)
	return nil
}

func (n number) Int() int {
	return int(n)
}

func (n number) Int64() int64 {
	return int64(n)
}

// text accepts strings and numbers, the number keeps its JSON spelling.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = text(s)
		return nil
	}
	*t = text(b)
	return nil
}

func (t text) String() string {
	return string(t)
}

const (
	mebibyte = 1024 * 1024
	gibibyte = 1024 * 1024 * 1024
)

func toMiB(b int64) float64 {
	return float64(b) / mebibyte
}

func toGiB(b int64) float64 {
	return float64(b) / gibibyte
}
