package chatdb

import (
	"bytes"
	"encoding/binary"
	"strings"
	"time"
	"unicode/utf8"
)

// appleEpoch is the Core Data reference date used by chat.db timestamps.
var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// stringMarkers are the class names that precede the plain-text payload of a
// serialized NSAttributedString. Order matters: the first match wins.
var stringMarkers = [][]byte{[]byte("NSString"), []byte("NSMutableString")}

// typedStreamString is the typedstream prefix for an inline C string
// (object tag, version, '+') that precedes the length-prefixed payload.
var typedStreamString = []byte{0x84, 0x01, '+'}

const (
	// printableScanWindow bounds how far past the marker the heuristic scan
	// looks for the first printable byte.
	printableScanWindow = 120
	// typedStreamWindow bounds how far past the marker the length-prefixed
	// payload header may start.
	typedStreamWindow = 32
)

// AppleTime converts a chat.db date column to UTC. Modern stores use
// nanoseconds since 2001-01-01; very old ones used seconds.
func AppleTime(v int64) time.Time {
	if v != 0 && v < 100_000_000_000 && v > -100_000_000_000 {
		return appleEpoch.Add(time.Duration(v) * time.Second)
	}
	return appleEpoch.Add(time.Duration(v))
}

// DecodeAttributedBody extracts the plain text from an attributedBody blob.
// It reports false when no text could be recovered; it never panics on
// malformed input.
func DecodeAttributedBody(blob []byte) (text string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			text, ok = "", false
		}
	}()
	if len(blob) == 0 {
		return "", false
	}

	idx := -1
	var marker []byte
	for _, m := range stringMarkers {
		if i := bytes.Index(blob, m); i != -1 {
			idx, marker = i, m
			break
		}
	}
	if idx == -1 {
		return "", false
	}
	start := idx + len(marker)

	if s, ok := decodeLengthPrefixed(blob, start); ok {
		return s, true
	}
	return scanPrintableRun(blob, start)
}

// decodeLengthPrefixed reads the typedstream-encoded string that follows the
// class marker: 0x84 0x01 '+' then a length (one byte, or 0x81 + uint16 LE,
// or 0x82 + uint32 LE) then the UTF-8 bytes.
func decodeLengthPrefixed(blob []byte, start int) (string, bool) {
	end := start + typedStreamWindow
	if end > len(blob) {
		end = len(blob)
	}
	if start >= end {
		return "", false
	}
	rel := bytes.Index(blob[start:end], typedStreamString)
	if rel == -1 {
		return "", false
	}
	p := start + rel + len(typedStreamString)
	if p >= len(blob) {
		return "", false
	}

	var n int
	switch lead := blob[p]; {
	case lead < 0x80:
		n = int(lead)
		p++
	case lead == 0x81 && p+3 <= len(blob):
		n = int(binary.LittleEndian.Uint16(blob[p+1 : p+3]))
		p += 3
	case lead == 0x82 && p+5 <= len(blob):
		n = int(binary.LittleEndian.Uint32(blob[p+1 : p+5]))
		p += 5
	default:
		return "", false
	}
	if n < 1 || p+n > len(blob) {
		return "", false
	}
	s := strings.TrimSpace(toValidUTF8(blob[p : p+n]))
	if s == "" {
		return "", false
	}
	return s, true
}

// scanPrintableRun is the fallback decoder: starting after the marker it looks
// for the first printable ASCII byte and collects bytes until a NUL or a
// control byte other than tab, newline and carriage return. Bytes >= 0x80
// are kept so multi-byte UTF-8 survives. Runs of one byte are skipped, and
// trailing invalid bytes are trimmed.
func scanPrintableRun(blob []byte, start int) (string, bool) {
	limit := start + printableScanWindow
	if limit > len(blob) {
		limit = len(blob)
	}
	for i := start; i < limit; i++ {
		if b := blob[i]; b < 0x20 || b >= 0x7f {
			continue
		}
		j := i
		for j < len(blob) {
			v := blob[j]
			if v == 0x00 {
				break
			}
			if v < 0x20 && v != '\n' && v != '\r' && v != '\t' {
				break
			}
			j++
		}
		if j-i > 1 {
			// A run can swallow the typedstream bytes that follow the text;
			// they decode as replacement characters.
			s := strings.TrimSpace(strings.TrimRight(toValidUTF8(blob[i:j]), string(utf8.RuneError)))
			if s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}
