package protocol

import (
	"fmt"
)

// Peek is the part of a message readable from its first two bytes.
type Peek struct {
	Version  Version
	Opcode   Opcode
	Response bool
}

// PeekHeader reads version and opcode without decoding the rest, so a
// reply can be built for a message the full decoder rejects.
func PeekHeader(data []byte) (Peek, error) {
	if len(data) < minMessageLength {
		return Peek{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(data))
	}
	return Peek{
		Version:  Version(data[0]),
		Opcode:   Opcode(data[1] &^ responseBit),
		Response: data[1]&responseBit != 0,
	}, nil
}

// Supported reports whether v is a version this server speaks.
func (v Version) Supported() bool {
	return v == SupportedVersion
}
