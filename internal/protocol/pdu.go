package protocol

import (
	"io"
	"net/netip"
)

// Packet is anything the codec can put on the wire.
type Packet interface {
	Marshal() []byte
	Write(w io.Writer) error
}

type RequestHeader struct {
	/*
		0                   1                   2                   3
		0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|  Version = 2  |R|   Opcode    |         Reserved              |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|                 Requested Lifetime (32 bits)                  |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|                                                               |
		|            PCP Client's IP Address (128 bits)                 |
		|                                                               |
		|                                                               |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	*/
	Version  Version
	Opcode   Opcode
	Lifetime uint32
	ClientIP netip.Addr
}

type ResponseHeader struct {
	/*
		0                   1                   2                   3
		0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|  Version = 2  |R|   Opcode    |   Reserved    |  Result Code  |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|                      Lifetime (32 bits)                       |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|                     Epoch Time (32 bits)                      |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|                                                               |
		|                      Reserved (96 bits)                       |
		|                                                               |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	*/
	Version  Version
	Opcode   Opcode
	Result   ResultCode
	Lifetime uint32
	Epoch    uint32
}

type MapBody struct {
	/*
		0                   1                   2                   3
		0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|                                                               |
		|                 Mapping Nonce (96 bits)                       |
		|                                                               |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|   Protocol    |          Reserved (24 bits)                   |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|        Internal Port          |    External Port              |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|                                                               |
		|           External IP Address (128 bits)                      |
		|                                                               |
		|                                                               |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		External fields are the suggested values in a request and the
		assigned values in a response.
	*/
	Nonce        Nonce
	Protocol     uint8
	InternalPort uint16
	ExternalPort uint16
	ExternalIP   netip.Addr
}

type PeerBody struct {
	/*
		0                   1                   2                   3
		0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		~                        MAP body (36 bytes)                    ~
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|       Remote Peer Port        |     Reserved (16 bits)        |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
		|                                                               |
		|               Remote Peer IP Address (128 bits)               |
		|                                                               |
		|                                                               |
		+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	*/
	MapBody
	RemotePeerPort uint16
	RemotePeerIP   netip.Addr
}

// Request is a decoded PCP request. Exactly one of Map or Peer is set,
// matching Header.Opcode.
type Request struct {
	Header RequestHeader
	Map    *MapBody
	Peer   *PeerBody
}

// Response is a PCP response. Header only responses carry neither body.
type Response struct {
	Header ResponseHeader
	Map    *MapBody
	Peer   *PeerBody
}

// NewMapRequest builds a MAP request for the given client address.
func NewMapRequest(lifetime uint32, client netip.Addr, body MapBody) *Request {
	return &Request{
		Header: RequestHeader{
			Version:  SupportedVersion,
			Opcode:   OpMap,
			Lifetime: lifetime,
			ClientIP: client,
		},
		Map: &body,
	}
}

// NewPeerRequest builds a PEER request for the given client address.
func NewPeerRequest(lifetime uint32, client netip.Addr, body PeerBody) *Request {
	return &Request{
		Header: RequestHeader{
			Version:  SupportedVersion,
			Opcode:   OpPeer,
			Lifetime: lifetime,
			ClientIP: client,
		},
		Peer: &body,
	}
}

// Body returns the MAP shaped part of the request, which PEER shares.
func (r *Request) Body() *MapBody {
	if r.Peer != nil {
		return &r.Peer.MapBody
	}
	return r.Map
}

// NewResponse starts a response to req. The opcode specific body is copied
// from the request so nonce, protocol, ports and remote peer are echoed.
func NewResponse(req *Request, result ResultCode, lifetime, epoch uint32) *Response {
	resp := &Response{
		Header: ResponseHeader{
			Version:  SupportedVersion,
			Opcode:   req.Header.Opcode,
			Result:   result,
			Lifetime: lifetime,
			Epoch:    epoch,
		},
	}
	if req.Map != nil {
		m := *req.Map
		resp.Map = &m
	}
	if req.Peer != nil {
		p := *req.Peer
		resp.Peer = &p
	}
	return resp
}

// NewErrorResponse builds a header only response, used when the request
// could not be decoded far enough to echo its body.
func NewErrorResponse(op Opcode, result ResultCode, epoch uint32) *Response {
	return &Response{
		Header: ResponseHeader{
			Version: SupportedVersion,
			Opcode:  op,
			Result:  result,
			Epoch:   epoch,
		},
	}
}

// Body returns the MAP shaped part of the response, or nil.
func (r *Response) Body() *MapBody {
	if r.Peer != nil {
		return &r.Peer.MapBody
	}
	return r.Map
}
