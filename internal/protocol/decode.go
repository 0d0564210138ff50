package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
)

// ReadResponse reads a single datagram from r and decodes it as a response.
func ReadResponse(r io.Reader) (*Response, error) {
	buf := make([]byte, MaxMessageLength)
	n, err := r.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return DecodeResponse(buf[:n])
}

// DecodeRequest decodes a PCP request. The version field is not validated
// here; that is left to the caller so it can answer UNSUPP_VERSION.
// Trailing option bytes are ignored.
func DecodeRequest(data []byte) (*Request, error) {
	if len(data) < HeaderLength {
		return nil, fmt.Errorf("request header: %w: %d bytes", ErrTooShort, len(data))
	}
	if data[1]&responseBit != 0 {
		return nil, ErrNotRequest
	}

	req := &Request{
		Header: RequestHeader{
			Version:  Version(data[0]),
			Opcode:   Opcode(data[1] &^ responseBit),
			Lifetime: binary.BigEndian.Uint32(data[4:8]),
			ClientIP: getAddr(data[8:24]),
		},
	}

	body, err := opcodeBody(req.Header.Opcode, data)
	if err != nil {
		return nil, err
	}
	switch req.Header.Opcode {
	case OpMap:
		m := decodeMapBody(body)
		req.Map = &m
	case OpPeer:
		p := decodePeerBody(body)
		req.Peer = &p
	}
	return req, nil
}

// DecodeResponse decodes a PCP response.
func DecodeResponse(data []byte) (*Response, error) {
	if len(data) < HeaderLength {
		return nil, fmt.Errorf("response header: %w: %d bytes", ErrTooShort, len(data))
	}
	if data[1]&responseBit == 0 {
		return nil, ErrNotResponse
	}

	resp := &Response{
		Header: ResponseHeader{
			Version:  Version(data[0]),
			Opcode:   Opcode(data[1] &^ responseBit),
			Result:   ResultCode(data[3]),
			Lifetime: binary.BigEndian.Uint32(data[4:8]),
			Epoch:    binary.BigEndian.Uint32(data[8:12]),
		},
	}

	// Error responses to undecodable requests carry no body.
	if len(data) == HeaderLength {
		return resp, nil
	}

	body, err := opcodeBody(resp.Header.Opcode, data)
	if err != nil {
		return nil, err
	}
	switch resp.Header.Opcode {
	case OpMap:
		m := decodeMapBody(body)
		resp.Map = &m
	case OpPeer:
		p := decodePeerBody(body)
		resp.Peer = &p
	}
	return resp, nil
}

// opcodeBody returns the fixed length body that follows the header.
func opcodeBody(op Opcode, data []byte) ([]byte, error) {
	n, ok := op.bodyLength()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOpcode, op)
	}
	if len(data) < HeaderLength+n {
		return nil, fmt.Errorf("%s body: %w: %d bytes, want %d", op, ErrTooShort, len(data), HeaderLength+n)
	}
	return data[HeaderLength : HeaderLength+n], nil
}

func decodeMapBody(b []byte) MapBody {
	var m MapBody
	copy(m.Nonce[:], b[0:12])
	m.Protocol = b[12]
	// b[13:16] reserved
	m.InternalPort = binary.BigEndian.Uint16(b[16:18])
	m.ExternalPort = binary.BigEndian.Uint16(b[18:20])
	m.ExternalIP = getAddr(b[20:36])
	return m
}

func decodePeerBody(b []byte) PeerBody {
	return PeerBody{
		MapBody:        decodeMapBody(b[:MapBodyLength]),
		RemotePeerPort: binary.BigEndian.Uint16(b[36:38]),
		// b[38:40] reserved
		RemotePeerIP: getAddr(b[40:56]),
	}
}

func getAddr(b []byte) netip.Addr {
	var a [16]byte
	copy(a[:], b)
	return netip.AddrFrom16(a)
}
