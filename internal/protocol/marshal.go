package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
)

func writeFull(w io.Writer, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		if err != nil {
			return fmt.Errorf("write error after %d bytes (wanted %d): %w", total, len(buf), err)
		}
		if n == 0 {
			return fmt.Errorf("short write: wrote 0 bytes after %d", total)
		}
		total += n
	}
	return nil
}

// Marshal encodes the request. Reserved fields are written as zero.
func (r *Request) Marshal() []byte {
	buf := make([]byte, HeaderLength+r.bodyLength())

	buf[0] = byte(r.Header.Version)
	buf[1] = r.Header.Opcode.Request()
	// buf[2:4] reserved
	binary.BigEndian.PutUint32(buf[4:], r.Header.Lifetime)
	putAddr(buf[8:24], r.Header.ClientIP)

	putBody(buf[HeaderLength:], r.Map, r.Peer)
	return buf
}

func (r *Request) Write(w io.Writer) error {
	if err := writeFull(w, r.Marshal()); err != nil {
		return fmt.Errorf("failed to write %s request: %w", r.Header.Opcode, err)
	}
	return nil
}

func (r *Request) bodyLength() int {
	switch {
	case r.Peer != nil:
		return PeerBodyLength
	case r.Map != nil:
		return MapBodyLength
	}
	return 0
}

// Marshal encodes the response. Reserved fields are written as zero.
func (r *Response) Marshal() []byte {
	buf := make([]byte, HeaderLength+r.bodyLength())

	buf[0] = byte(r.Header.Version)
	buf[1] = r.Header.Opcode.Response()
	// buf[2] reserved
	buf[3] = byte(r.Header.Result)
	binary.BigEndian.PutUint32(buf[4:], r.Header.Lifetime)
	binary.BigEndian.PutUint32(buf[8:], r.Header.Epoch)
	// buf[12:24] reserved, 3 words

	putBody(buf[HeaderLength:], r.Map, r.Peer)
	return buf
}

func (r *Response) Write(w io.Writer) error {
	if err := writeFull(w, r.Marshal()); err != nil {
		return fmt.Errorf("failed to write %s response: %w", r.Header.Opcode, err)
	}
	return nil
}

func (r *Response) bodyLength() int {
	switch {
	case r.Peer != nil:
		return PeerBodyLength
	case r.Map != nil:
		return MapBodyLength
	}
	return 0
}

func putBody(buf []byte, m *MapBody, p *PeerBody) {
	switch {
	case p != nil:
		putMapBody(buf[:MapBodyLength], &p.MapBody)
		binary.BigEndian.PutUint16(buf[36:], p.RemotePeerPort)
		// buf[38:40] reserved
		putAddr(buf[40:56], p.RemotePeerIP)
	case m != nil:
		putMapBody(buf[:MapBodyLength], m)
	}
}

func putMapBody(buf []byte, m *MapBody) {
	copy(buf[0:12], m.Nonce[:])
	buf[12] = m.Protocol
	// buf[13:16] reserved
	binary.BigEndian.PutUint16(buf[16:], m.InternalPort)
	binary.BigEndian.PutUint16(buf[18:], m.ExternalPort)
	putAddr(buf[20:36], m.ExternalIP)
}

// putAddr writes addr in its 16 byte form. IPv4 addresses become
// IPv4-mapped IPv6; the zero Addr is written as all zeros.
func putAddr(buf []byte, addr netip.Addr) {
	a := addr.As16()
	copy(buf, a[:])
}
