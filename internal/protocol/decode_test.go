package protocol

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testClient = netip.MustParseAddr("::ffff:192.0.2.10")
	testExtIP  = netip.MustParseAddr("2001:db8::1")
	testPeerIP = netip.MustParseAddr("::ffff:198.51.100.7")
	testNonce  = Nonce{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
)

func sampleMapRequest() *Request {
	return NewMapRequest(3600, testClient, MapBody{
		Nonce:        testNonce,
		Protocol:     17,
		InternalPort: 4000,
		ExternalPort: 5000,
		ExternalIP:   testExtIP,
	})
}

func samplePeerRequest() *Request {
	return NewPeerRequest(600, testClient, PeerBody{
		MapBody: MapBody{
			Nonce:        testNonce,
			Protocol:     6,
			InternalPort: 8080,
			ExternalPort: 0,
			ExternalIP:   netip.IPv6Unspecified(),
		},
		RemotePeerPort: 443,
		RemotePeerIP:   testPeerIP,
	})
}

func FuzzDecodeRequest(f *testing.F) {
	f.Add(sampleMapRequest().Marshal())
	f.Add(samplePeerRequest().Marshal())
	// Invalid or short messages
	f.Add([]byte{2})
	f.Add([]byte{2, 1, 0, 0})

	f.Fuzz(func(t *testing.T, data []byte) {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("DecodeRequest panicked: %v", r)
			}
		}()

		_, _ = DecodeRequest(data)
		_, _ = DecodeResponse(data)
	})
}

func TestMapRequestRoundTrip(t *testing.T) {
	orig := sampleMapRequest()

	got, err := DecodeRequest(orig.Marshal())
	require.NoError(t, err)
	require.Equal(t, orig, got)
}

func TestPeerRequestRoundTrip(t *testing.T) {
	orig := samplePeerRequest()

	var buf bytes.Buffer
	require.NoError(t, orig.Write(&buf))
	require.Equal(t, HeaderLength+PeerBodyLength, buf.Len())

	got, err := DecodeRequest(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, orig, got)
}

func TestResponseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
	}{
		{"map", NewResponse(sampleMapRequest(), Success, 3600, 42)},
		{"peer", NewResponse(samplePeerRequest(), NoResources, 30, 7)},
		{"header only", NewErrorResponse(OpMap, MalformedRequest, 9)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeResponse(tt.resp.Marshal())
			require.NoError(t, err)
			require.Equal(t, tt.resp, got)
		})
	}
}

func TestDecodeRequestTooShort(t *testing.T) {
	full := sampleMapRequest().Marshal()
	for _, n := range []int{0, 1, HeaderLength - 1, HeaderLength, len(full) - 1} {
		_, err := DecodeRequest(full[:n])
		require.ErrorIs(t, err, ErrTooShort, "length %d", n)
	}

	peer := samplePeerRequest().Marshal()
	_, err := DecodeRequest(peer[:HeaderLength+MapBodyLength])
	require.ErrorIs(t, err, ErrTooShort)
}

func TestDecodeRequestDoesNotReadPastBuffer(t *testing.T) {
	full := sampleMapRequest().Marshal()
	// Capacity beyond length must never be observed.
	short := full[:HeaderLength+10:HeaderLength+10]
	_, err := DecodeRequest(short)
	require.ErrorIs(t, err, ErrTooShort)
}

func TestDecodeRequestIgnoresTrailingOptions(t *testing.T) {
	orig := sampleMapRequest()
	data := append(orig.Marshal(), 0x80, 0, 0, 4, 1, 2, 3, 4)

	got, err := DecodeRequest(data)
	require.NoError(t, err)
	require.Equal(t, orig, got)
}

func TestDecodeRequestKeepsVersion(t *testing.T) {
	req := sampleMapRequest()
	req.Header.Version = 1

	got, err := DecodeRequest(req.Marshal())
	require.NoError(t, err)
	require.Equal(t, Version(1), got.Header.Version)
	require.NotNil(t, got.Map)
}

func TestDecodeRequestRejectsResponse(t *testing.T) {
	resp := NewResponse(sampleMapRequest(), Success, 10, 10).Marshal()
	_, err := DecodeRequest(resp)
	require.ErrorIs(t, err, ErrNotRequest)

	_, err = DecodeResponse(sampleMapRequest().Marshal())
	require.ErrorIs(t, err, ErrNotResponse)
}

func TestDecodeRequestUnsupportedOpcode(t *testing.T) {
	data := sampleMapRequest().Marshal()
	data[1] = byte(OpAnnounce)
	_, err := DecodeRequest(data)
	require.ErrorIs(t, err, ErrUnsupportedOpcode)

	data[1] = 0x7f
	_, err = DecodeRequest(data)
	require.ErrorIs(t, err, ErrUnsupportedOpcode)
}

func TestMarshalLayout(t *testing.T) {
	data := sampleMapRequest().Marshal()
	require.Len(t, data, HeaderLength+MapBodyLength)

	require.Equal(t, byte(2), data[0])
	require.Equal(t, byte(1), data[1])
	require.Equal(t, []byte{0, 0}, data[2:4])
	require.Equal(t, uint32(3600), binary.BigEndian.Uint32(data[4:8]))
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 192, 0, 2, 10}, data[8:24])
	require.Equal(t, testNonce[:], data[24:36])
	require.Equal(t, byte(17), data[36])
	require.Equal(t, []byte{0, 0, 0}, data[37:40])
	require.Equal(t, uint16(4000), binary.BigEndian.Uint16(data[40:42]))
	require.Equal(t, uint16(5000), binary.BigEndian.Uint16(data[42:44]))
	ext := testExtIP.As16()
	require.Equal(t, ext[:], data[44:60])

	resp := NewResponse(sampleMapRequest(), UserExQuota, 120, 0x01020304).Marshal()
	require.Equal(t, byte(0x81), resp[1])
	require.Equal(t, byte(0), resp[2])
	require.Equal(t, byte(UserExQuota), resp[3])
	require.Equal(t, []byte{1, 2, 3, 4}, resp[8:12])
	require.Equal(t, make([]byte, 12), resp[12:24])
}

func TestDecodeIgnoresReservedBits(t *testing.T) {
	data := sampleMapRequest().Marshal()
	data[2], data[3] = 0xff, 0xff
	data[37], data[38], data[39] = 0xaa, 0xbb, 0xcc

	got, err := DecodeRequest(data)
	require.NoError(t, err)
	require.Equal(t, sampleMapRequest(), got)
}

func TestReadResponse(t *testing.T) {
	resp := NewResponse(samplePeerRequest(), Success, 600, 1)
	got, err := ReadResponse(bytes.NewReader(resp.Marshal()))
	require.NoError(t, err)
	require.Equal(t, resp, got)
}

func TestResultCodeString(t *testing.T) {
	require.Equal(t, "SUCCESS", Success.String())
	require.Equal(t, "EXCESSIVE_REMOTE_PEERS", ExcessiveRemotePeers.String())
	require.Equal(t, "RESULT(99)", ResultCode(99).String())
	require.Equal(t, "PEER", OpPeer.String())
}

func TestParseNonce(t *testing.T) {
	n, err := ParseNonce(testNonce.String())
	require.NoError(t, err)
	require.Equal(t, testNonce, n)

	_, err = ParseNonce("abcd")
	require.Error(t, err)
	_, err = ParseNonce("zz")
	require.Error(t, err)
}
