package clienttest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

const (
	OpMap  = 1
	OpPeer = 2

	ResultSuccess          = 0
	ResultUnsuppVersion    = 1
	ResultNotAuthorized    = 2
	ResultMalformedRequest = 3
	ResultUnsuppOpcode     = 4

	responseBit = 0x80
)

func writeIP(buf *bytes.Buffer, ip net.IP) {
	buf.Write(ip.To16())
}

func writeHeader(buf *bytes.Buffer, version, opcode int, lifetime uint32, client net.IP) {
	binary.Write(buf, binary.BigEndian, uint8(version))
	binary.Write(buf, binary.BigEndian, uint8(opcode))
	binary.Write(buf, binary.BigEndian, uint16(0)) // reserved
	binary.Write(buf, binary.BigEndian, lifetime)
	writeIP(buf, client)
}

func writeMapBody(buf *bytes.Buffer, nonce [12]byte, protocol uint8, internalPort, externalPort uint16) {
	buf.Write(nonce[:])
	binary.Write(buf, binary.BigEndian, protocol)
	buf.Write([]byte{0, 0, 0}) // reserved
	binary.Write(buf, binary.BigEndian, internalPort)
	binary.Write(buf, binary.BigEndian, externalPort)
	writeIP(buf, net.IPv6zero)
}

func BuildMapRequest(version int, lifetime uint32, client net.IP, nonce [12]byte, protocol uint8, port uint16) []byte {
	buf := new(bytes.Buffer)
	writeHeader(buf, version, OpMap, lifetime, client)
	writeMapBody(buf, nonce, protocol, port, 0)
	return buf.Bytes()
}

func BuildPeerRequest(lifetime uint32, client net.IP, nonce [12]byte, protocol uint8, port uint16, remote net.IP, remotePort uint16) []byte {
	buf := new(bytes.Buffer)
	writeHeader(buf, 2, OpPeer, lifetime, client)
	writeMapBody(buf, nonce, protocol, port, 0)
	binary.Write(buf, binary.BigEndian, remotePort)
	binary.Write(buf, binary.BigEndian, uint16(0)) // reserved
	writeIP(buf, remote)
	return buf.Bytes()
}

func BuildMalformedPDU() []byte {
	// Valid version and opcode but the MAP body is cut short
	buf := new(bytes.Buffer)
	writeHeader(buf, 2, OpMap, 120, net.IPv4(127, 0, 0, 1))
	buf.Write(make([]byte, 10))
	return buf.Bytes()
}

// Response is the subset of a reply the tests look at.
type Response struct {
	Version      uint8
	Opcode       uint8
	Result       uint8
	Lifetime     uint32
	Epoch        uint32
	Nonce        [12]byte
	InternalPort uint16
	ExternalPort uint16
	ExternalIP   net.IP
	RemotePort   uint16
	RemoteIP     net.IP
}

func ParseResponse(b []byte) (*Response, error) {
	if len(b) < 24 {
		return nil, fmt.Errorf("response too short: %d bytes", len(b))
	}
	r := &Response{
		Version:  b[0],
		Opcode:   b[1],
		Result:   b[3],
		Lifetime: binary.BigEndian.Uint32(b[4:8]),
		Epoch:    binary.BigEndian.Uint32(b[8:12]),
	}
	if r.Opcode&responseBit == 0 {
		return nil, fmt.Errorf("R bit not set in opcode %#x", r.Opcode)
	}
	if len(b) >= 24+36 {
		body := b[24:]
		copy(r.Nonce[:], body[0:12])
		r.InternalPort = binary.BigEndian.Uint16(body[16:18])
		r.ExternalPort = binary.BigEndian.Uint16(body[18:20])
		r.ExternalIP = net.IP(append([]byte(nil), body[20:36]...))
	}
	if len(b) >= 24+56 {
		body := b[24:]
		r.RemotePort = binary.BigEndian.Uint16(body[36:38])
		r.RemoteIP = net.IP(append([]byte(nil), body[40:56]...))
	}
	return r, nil
}
