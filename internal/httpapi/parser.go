package httpapi

import (
	"encoding/hex"
	"strconv"

	"github.com/JeanOUINA/vite-work-server/internal/workpow"
)

// hexFieldError is the parser error taxonomy: Empty, InvalidHex, TooShort,
// TooLong. Each maps to an action-specific hint string chosen by the
// caller. The zero value means the field parsed successfully.
type hexFieldError int

const (
	errEmpty hexFieldError = iota + 1
	errInvalidHex
	errTooShort
	errTooLong
)

// parseHexField decodes a hex string into a zero-padded, right-aligned
// byte slice of exactly width bytes. allowShort permits fewer than width
// bytes (used only for the 8-byte nonce field on work_validate); any
// other field must match the exact byte width.
func parseHexField(s string, width int, allowShort bool) ([]byte, hexFieldError) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errInvalidHex
	}
	if len(raw) == 0 {
		return nil, errEmpty
	}
	if !allowShort && len(raw) < width {
		return nil, errTooShort
	}
	if len(raw) > width {
		return nil, errTooLong
	}
	out := make([]byte, width)
	copy(out[width-len(raw):], raw)
	return out, 0
}

// parseRoot decodes a 32-byte hex hash field (used for "hash").
func parseRoot(s string) (workpow.Root, hexFieldError) {
	b, ferr := parseHexField(s, workpow.RootSize, false)
	var root workpow.Root
	if ferr != 0 {
		return root, ferr
	}
	copy(root[:], b)
	return root, 0
}

// parseThreshold decodes a 32-byte hex threshold field.
func parseThreshold(s string) (workpow.Threshold, hexFieldError) {
	b, ferr := parseHexField(s, workpow.ThresholdSize, false)
	var threshold workpow.Threshold
	if ferr != 0 {
		return threshold, ferr
	}
	copy(threshold[:], b)
	return threshold, 0
}

// parseWork decodes the "work" field: up to 8 bytes, right-aligned, and
// reverses the wire byte order into the internal hash-input order.
func parseWork(s string) (workpow.Nonce, hexFieldError) {
	b, ferr := parseHexField(s, workpow.NonceSize, true)
	var nonce workpow.Nonce
	if ferr != 0 {
		return nonce, ferr
	}
	copy(nonce[:], b)
	return nonce.Reversed(), 0
}

// parseCount parses the benchmark "count" field: a positive integer,
// accepted as a JSON number or a decimal string.
func parseCount(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case float64:
		if x <= 0 || x != float64(uint64(x)) {
			return 0, false
		}
		return uint64(x), true
	case string:
		n, err := strconv.ParseUint(x, 10, 64)
		if err != nil || n == 0 {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
