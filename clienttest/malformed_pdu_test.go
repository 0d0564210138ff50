package clienttest

import (
	"testing"

	"github.com/mellowdrifter/pcpd/internal/config"
)

func TestMalformedPDU(t *testing.T) {
	_, addr := startServer(t, config.Default())
	client := dial(t, addr)

	resp := roundTrip(t, client, BuildMalformedPDU())
	if resp.Result != ResultMalformedRequest {
		t.Errorf("Expected result %d (malformed request), got: %d", ResultMalformedRequest, resp.Result)
	}
}

func TestOversizedPDU(t *testing.T) {
	_, addr := startServer(t, config.Default())
	client := dial(t, addr)

	var nonce [12]byte
	req := BuildMapRequest(supportedVersion, 120, client.LocalIP(), nonce, 17, 5000)
	req = append(req, make([]byte, 1100)...)
	resp := roundTrip(t, client, req)
	if resp.Result != ResultMalformedRequest {
		t.Errorf("Expected result %d (malformed request), got: %d", ResultMalformedRequest, resp.Result)
	}
}

func TestResponsesAreDropped(t *testing.T) {
	_, addr := startServer(t, config.Default())
	client := dial(t, addr)

	var nonce [12]byte
	req := BuildMapRequest(supportedVersion, 120, client.LocalIP(), nonce, 17, 5000)
	req[1] |= responseBit
	if err := client.Send(req); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := client.Receive(1100); err == nil {
		t.Errorf("Expected no reply to a response, but read succeeded")
	}

	// Too short to carry an opcode.
	if err := client.Send([]byte{supportedVersion}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := client.Receive(1100); err == nil {
		t.Errorf("Expected no reply to a one byte datagram, but read succeeded")
	}
}
