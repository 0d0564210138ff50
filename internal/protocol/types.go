package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
)

type Version uint8
type Opcode uint8
type ResultCode uint8

// Nonce is the 96 bit mapping nonce chosen by the client.
type Nonce [12]byte

const (
	// SupportedVersion is the only PCP version this server speaks.
	SupportedVersion Version = 2

	// ServerPort is the well known PCP server port.
	ServerPort = 5351

	// Opcodes
	OpAnnounce Opcode = 0
	OpMap      Opcode = 1
	OpPeer     Opcode = 2

	// responseBit is the R bit of the opcode byte.
	responseBit uint8 = 1 << 7

	// Result codes
	Success               ResultCode = 0
	UnsuppVersion         ResultCode = 1
	NotAuthorized         ResultCode = 2
	MalformedRequest      ResultCode = 3
	UnsuppOpcode          ResultCode = 4
	UnsuppOption          ResultCode = 5
	MalformedOption       ResultCode = 6
	NetworkFailure        ResultCode = 7
	NoResources           ResultCode = 8
	UnsuppProtocol        ResultCode = 9
	UserExQuota           ResultCode = 10
	CannotProvideExternal ResultCode = 11
	AddressMismatch       ResultCode = 12
	ExcessiveRemotePeers  ResultCode = 13

	// lengths
	minMessageLength = 2
	HeaderLength     = 24
	MapBodyLength    = 36
	PeerBodyLength   = 56
	MaxMessageLength = 1100
)

var (
	ErrTooShort          = errors.New("message too short")
	ErrUnsupportedOpcode = errors.New("unsupported opcode")
	ErrNotRequest        = errors.New("R bit set on request")
	ErrNotResponse       = errors.New("R bit clear on response")
)

var opcodeNames = map[Opcode]string{
	OpAnnounce: "ANNOUNCE",
	OpMap:      "MAP",
	OpPeer:     "PEER",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE(%d)", uint8(o))
}

// Request returns the opcode byte with the R bit cleared.
func (o Opcode) Request() uint8 {
	return uint8(o) &^ responseBit
}

// Response returns the opcode byte with the R bit set.
func (o Opcode) Response() uint8 {
	return uint8(o) | responseBit
}

// bodyLength is the fixed opcode specific length following the header.
func (o Opcode) bodyLength() (int, bool) {
	switch o {
	case OpMap:
		return MapBodyLength, true
	case OpPeer:
		return PeerBodyLength, true
	}
	return 0, false
}

var resultNames = [...]string{
	Success:               "SUCCESS",
	UnsuppVersion:         "UNSUPP_VERSION",
	NotAuthorized:         "NOT_AUTHORIZED",
	MalformedRequest:      "MALFORMED_REQUEST",
	UnsuppOpcode:          "UNSUPP_OPCODE",
	UnsuppOption:          "UNSUPP_OPTION",
	MalformedOption:       "MALFORMED_OPTION",
	NetworkFailure:        "NETWORK_FAILURE",
	NoResources:           "NO_RESOURCES",
	UnsuppProtocol:        "UNSUPP_PROTOCOL",
	UserExQuota:           "USER_EX_QUOTA",
	CannotProvideExternal: "CANNOT_PROVIDE_EXTERNAL",
	AddressMismatch:       "ADDRESS_MISMATCH",
	ExcessiveRemotePeers:  "EXCESSIVE_REMOTE_PEERS",
}

func (r ResultCode) String() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("RESULT(%d)", uint8(r))
}

func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

// ParseNonce parses the hex form produced by Nonce.String.
func ParseNonce(s string) (Nonce, error) {
	var n Nonce
	b, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("invalid nonce %q: %w", s, err)
	}
	if len(b) != len(n) {
		return n, fmt.Errorf("invalid nonce length %d", len(b))
	}
	copy(n[:], b)
	return n, nil
}
