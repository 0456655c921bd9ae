package functions

import (
	"bytes"
	"encoding/json"
)

// falsy reports whether a JSON value counts as missing: null, false, "",
// and any number equal to zero
func falsy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	switch string(raw) {
	case "", "null", "false", `""`:
		return true
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n == 0
	}
	return false
}

// looseText renders a JSON value the way it reads in a log line: a string
// yields its contents, any other value its JSON spelling. Missing values
// yield "".
func looseText(raw json.RawMessage) string {
	if falsy(raw) {
		return ""
	}
	raw = bytes.TrimSpace(raw)
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
