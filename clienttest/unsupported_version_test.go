package clienttest

import (
	"fmt"
	"net"
	"testing"

	"github.com/mellowdrifter/pcpd/internal/config"
)

const supportedVersion = 2

func TestUnsupportedVersions(t *testing.T) {
	_, addr := startServer(t, config.Default())
	client := dial(t, addr)
	var nonce [12]byte

	for i := 0; i < 256; i++ {
		if i == supportedVersion {
			continue
		}
		t.Run(fmt.Sprintf("Testing version %d", i), func(t *testing.T) {
			resp := roundTrip(t, client, BuildMapRequest(i, 120, client.LocalIP(), nonce, 17, 5000))
			if resp.Result != ResultUnsuppVersion {
				t.Errorf("Expected result %d (unsupported version), got: %d", ResultUnsuppVersion, resp.Result)
			}
			if resp.Version != supportedVersion {
				t.Errorf("Expected reply in version %d, got: %d", supportedVersion, resp.Version)
			}
			if resp.Opcode != OpMap|responseBit {
				t.Errorf("Expected opcode %#x, got: %#x", OpMap|responseBit, resp.Opcode)
			}
		})
	}
}

func TestUnsupportedOpcode(t *testing.T) {
	_, addr := startServer(t, config.Default())
	client := dial(t, addr)

	// ANNOUNCE is header only and not served.
	req := BuildMapRequest(supportedVersion, 0, net.IPv4(127, 0, 0, 1), [12]byte{}, 0, 0)[:24]
	req[1] = 0
	resp := roundTrip(t, client, req)
	if resp.Result != ResultUnsuppOpcode {
		t.Errorf("Expected result %d (unsupported opcode), got: %d", ResultUnsuppOpcode, resp.Result)
	}
}
