// Package fixwire frames the FIX wire format: BeginString, then a
// length-prefix tag (9=<bodyLength>), then a SOH-delimited tag=value tail
// terminated by the checksum tag (10=nnn). This package only finds message
// boundaries and pulls a handful of header fields out of the body — it does
// not decode or validate FIX semantics (spec.md §1 Non-goals: "does not
// parse FIX bodies; it frames and dispatches").
package fixwire

import (
	"bytes"
	"fmt"
	"strconv"
)

// SOH is the FIX field separator, ASCII 0x01.
const SOH = 0x01

var (
	bodyLengthPrefix = []byte("9=")
	checksumPrefix   = []byte("10=")
)

// Scanner incrementally reassembles complete FIX messages from a byte
// stream that may arrive split across arbitrarily many Receiver Endpoint
// reads. Feed arrives bytes with Feed; call Next until it reports no more
// complete messages.
type Scanner struct {
	buf []byte
}

// Feed appends newly read bytes to the scanner's internal buffer.
func (s *Scanner) Feed(b []byte) {
	s.buf = append(s.buf, b...)
}

// Next returns the next complete message in the buffer, if any, and removes
// it (and anything preceding it) from the buffer. ok is false when the
// buffer holds no complete message yet — the caller should poll the socket
// again on a later tick rather than looping (spec.md §4.1: "bounded work,
// no unbounded inner loops on a single tick" governs the caller, not this
// scanner, which itself does no I/O).
func (s *Scanner) Next() (msg []byte, ok bool) {
	// A well-formed message starts "8=FIX.x.y\x019=<len>\x01...". Messages
	// always begin at offset 0 of the buffer (anything before the first
	// BeginString field is garbage from a desynchronized peer); resync past
	// it if "8=" isn't at the front.
	const beginStringPrefix = "8="
	if !bytes.HasPrefix(s.buf, []byte(beginStringPrefix)) {
		nextBegin := bytes.Index(s.buf, []byte(beginStringPrefix))
		if nextBegin < 0 {
			s.buf = nil
			return nil, false
		}
		s.buf = s.buf[nextBegin:]
	}

	bodyLenIdx := bytes.Index(s.buf, bodyLengthPrefix)
	if bodyLenIdx < 0 {
		return nil, false
	}
	sohAfterLen := bytes.IndexByte(s.buf[bodyLenIdx:], SOH)
	if sohAfterLen < 0 {
		return nil, false
	}
	lenFieldEnd := bodyLenIdx + sohAfterLen
	lenStr := string(s.buf[bodyLenIdx+len(bodyLengthPrefix) : lenFieldEnd])
	bodyLen, err := strconv.Atoi(lenStr)
	if err != nil || bodyLen < 0 {
		// Malformed length field: drop this message's BeginString and
		// resynchronize on whatever "8=" follows.
		s.buf = s.buf[lenFieldEnd+1:]
		return s.Next()
	}

	bodyStart := lenFieldEnd + 1
	checksumStart := bodyStart + bodyLen
	// Need room for the checksum field itself: "10=nnn\x01" (minimum 7 bytes).
	minChecksumField := len(checksumPrefix) + 4
	if len(s.buf) < checksumStart+minChecksumField {
		return nil, false
	}
	if !bytes.HasPrefix(s.buf[checksumStart:], checksumPrefix) {
		// Body length disagreed with the actual checksum tag position;
		// resynchronize past this header rather than hanging forever.
		s.buf = s.buf[lenFieldEnd+1:]
		return s.Next()
	}
	checksumSOH := bytes.IndexByte(s.buf[checksumStart:], SOH)
	if checksumSOH < 0 {
		return nil, false
	}
	msgEnd := checksumStart + checksumSOH + 1

	full := make([]byte, msgEnd)
	copy(full, s.buf[:msgEnd])
	s.buf = s.buf[msgEnd:]
	return full, true
}

// Pending returns the number of unconsumed bytes buffered, for back-pressure
// diagnostics (e.g. guarding against a library that never completes a
// frame).
func (s *Scanner) Pending() int { return len(s.buf) }

// Field extracts the value of the given numeric FIX tag from a single
// framed message, e.g. Field(msg, "49") for SenderCompID.
func Field(msg []byte, tag string) (string, bool) {
	needle := []byte(tag + "=")
	idx := 0
	for idx < len(msg) {
		rest := msg[idx:]
		if bytes.HasPrefix(rest, needle) && (idx == 0 || msg[idx-1] == SOH) {
			valStart := idx + len(needle)
			sohIdx := bytes.IndexByte(msg[valStart:], SOH)
			if sohIdx < 0 {
				return "", false
			}
			return string(msg[valStart : valStart+sohIdx]), true
		}
		next := bytes.IndexByte(rest, SOH)
		if next < 0 {
			break
		}
		idx += next + 1
	}
	return "", false
}

// Tag numbers this package cares about for session bookkeeping (everything
// else is the decoder's job, out of scope per spec.md §1).
const (
	TagMsgType      = "35"
	TagSenderCompID = "49"
	TagTargetCompID = "56"
	TagSenderSubID  = "50"
	TagLocationID   = "142"
	TagHeartBtInt   = "108"
	TagUsername     = "553"
	TagPassword     = "554"
	TagMsgSeqNum    = "34"
)

// MsgTypeLogon is the FIX MsgType value for a Logon message (35=A).
const MsgTypeLogon = "A"

// BuildTestMessage assembles a syntactically valid minimal FIX message for
// tests, computing the body length and a correct modulo-256 checksum so
// Scanner/Field round-trip it the way a real counterparty would.
func BuildTestMessage(msgType string, fields map[string]string) []byte {
	body := []byte(fmt.Sprintf("35=%s\x01", msgType))
	for tag, val := range fields {
		body = append(body, []byte(fmt.Sprintf("%s=%s\x01", tag, val))...)
	}
	header := []byte(fmt.Sprintf("8=FIX.4.2\x019=%d\x01", len(body)))
	withoutChecksum := append(header, body...)
	sum := 0
	for _, b := range withoutChecksum {
		sum += int(b)
	}
	checksum := sum % 256
	return append(withoutChecksum, []byte(fmt.Sprintf("10=%03d\x01", checksum))...)
}
