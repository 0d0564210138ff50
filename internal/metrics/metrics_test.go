package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/mellowdrifter/pcpd/internal/mapping"
	"github.com/mellowdrifter/pcpd/internal/notify"
	"github.com/mellowdrifter/pcpd/internal/protocol"
)

func TestObserveRequest(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRequest(protocol.OpMap, protocol.Success)
	m.ObserveRequest(protocol.OpMap, protocol.Success)
	m.ObserveRequest(protocol.OpPeer, protocol.UnsuppVersion)
	m.ObserveDrop()

	require.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("MAP", "SUCCESS")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("PEER", "UNSUPP_VERSION")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.droppedTotal))
}

func TestNotifyTracksMappings(t *testing.T) {
	m := New(prometheus.NewRegistry())

	var h notify.Handle
	h.Register(m)

	mapEvent := notify.Event{Kind: notify.MappingCreated, Mapping: mapping.Mapping{Index: 10, Opcode: protocol.OpMap}}
	h.Notify(mapEvent)
	h.Notify(notify.Event{Kind: notify.MappingCreated, Mapping: mapping.Mapping{Index: 20, Opcode: protocol.OpMap}})
	mapEvent.Kind = notify.MappingDeleted
	h.Notify(mapEvent)
	h.Notify(notify.Event{Kind: notify.PolicyChanged, Key: "peer_support", Value: "0"})

	require.Equal(t, 1.0, testutil.ToFloat64(m.mappingsActive.WithLabelValues("MAP")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.mappingsCreated))
	require.Equal(t, 1.0, testutil.ToFloat64(m.mappingsDeleted))
	require.Equal(t, 1.0, testutil.ToFloat64(m.policyChanges.WithLabelValues("peer_support")))

	m.ResetMappings()
	require.Equal(t, 0, testutil.CollectAndCount(m.mappingsActive))
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveRequest(protocol.OpMap, protocol.NoResources)

	srv := httptest.NewServer(NewServer("", m).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `pcpd_requests_total{opcode="MAP",result="NO_RESOURCES"} 1`)
}
