// Package vlessid implements the 16-byte wire identifier VLESS requests
// authenticate with. It is adapted from the teacher's common/uuid package:
// the wire format needs only raw byte comparison and a canonical string
// form, not the RFC 4122 generation machinery that a general-purpose UUID
// library provides (config-boundary parsing uses github.com/google/uuid
// instead, see internal/config).
package vlessid

import (
	"bytes"
	"encoding/hex"
	"strings"

	"github.com/xtls-vision/vlessd/internal/errors"
)

var byteGroups = [5]int{8, 4, 4, 4, 12}

// ID is a 16-byte VLESS user identifier.
type ID [16]byte

// String returns the canonical 8-4-4-4-12 hex form.
func (id ID) String() string {
	b := id[:]
	var out strings.Builder
	out.Grow(36)
	out.WriteString(hex.EncodeToString(b[0:4]))
	out.WriteByte('-')
	out.WriteString(hex.EncodeToString(b[4:6]))
	out.WriteByte('-')
	out.WriteString(hex.EncodeToString(b[6:8]))
	out.WriteByte('-')
	out.WriteString(hex.EncodeToString(b[8:10]))
	out.WriteByte('-')
	out.WriteString(hex.EncodeToString(b[10:16]))
	return out.String()
}

// Bytes returns the raw 16 bytes.
func (id ID) Bytes() []byte {
	return id[:]
}

// Equals reports value equality.
func (id ID) Equals(other ID) bool {
	return bytes.Equal(id[:], other[:])
}

// FromBytes converts a 16-byte slice to an ID.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != 16 {
		return id, errors.New("invalid vless id length: ", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Parse converts a canonical (with or without dashes) hex string to an ID.
func Parse(s string) (ID, error) {
	var id ID
	text := []byte(s)
	b := id[:]
	for _, group := range byteGroups {
		if len(text) > 0 && text[0] == '-' {
			text = text[1:]
		}
		if len(text) < group {
			return id, errors.New("invalid vless id: ", s)
		}
		n, err := hex.Decode(b[:group/2], text[:group])
		if err != nil || n != group/2 {
			return id, errors.New("invalid vless id: ", s).Base(err)
		}
		text = text[group:]
		b = b[group/2:]
	}
	if len(text) != 0 {
		return id, errors.New("invalid vless id: ", s)
	}
	return id, nil
}
