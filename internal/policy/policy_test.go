package policy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mellowdrifter/pcpd/internal/kv"
	"github.com/mellowdrifter/pcpd/internal/notify"
)

func newTestProvider(t *testing.T) (*Provider, *kv.SQLite, *[]notify.Event) {
	t.Helper()
	store, err := kv.OpenSQLite(filepath.Join(t.TempDir(), "pcpd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var events []notify.Event
	obs := notify.ObserverFunc(func(e notify.Event) { events = append(events, e) })
	return NewProvider(store, obs, zap.NewNop().Sugar()), store, &events
}

func TestLoadSeedsDefaults(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestProvider(t)

	require.NoError(t, p.Load(ctx))
	require.Equal(t, Default(), p.Current())

	v, err := store.GetString(ctx, "/pcp/config/pcp_initialized")
	require.NoError(t, err)
	require.Equal(t, "1", v)
	n, err := store.GetInt(ctx, "/pcp/config/max_mapping_lifetime")
	require.NoError(t, err)
	require.Equal(t, int64(86400), n)
	v, err = store.GetString(ctx, "/pcp/config/third_party_support")
	require.NoError(t, err)
	require.Equal(t, "0", v)
}

func TestLoadKeepsExistingRows(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestProvider(t)

	require.NoError(t, store.SetAll(ctx, map[string]string{
		"/pcp/config/pcp_initialized":      "1",
		"/pcp/config/peer_support":         "0",
		"/pcp/config/min_mapping_lifetime": "60",
	}))
	require.NoError(t, p.Load(ctx))

	got := p.Current()
	require.False(t, got.PeerSupport)
	require.True(t, got.MapSupport)
	require.Equal(t, uint32(60), got.MinLifetime)
	require.Equal(t, uint32(86400), got.MaxLifetime)

	// Nothing was reseeded.
	_, err := store.GetString(ctx, "/pcp/config/map_support")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestLoadRejectsBadRows(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestProvider(t)

	require.NoError(t, store.SetAll(ctx, map[string]string{
		"/pcp/config/pcp_initialized":      "1",
		"/pcp/config/peer_support":         "maybe",
		"/pcp/config/max_mapping_lifetime": "-1",
	}))
	err := p.Load(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "peer_support")
	require.Contains(t, err.Error(), "max_mapping_lifetime")
}

func TestApplyThroughWatch(t *testing.T) {
	ctx := context.Background()
	p, store, events := newTestProvider(t)
	require.NoError(t, p.Load(ctx))

	sub := store.Watch(Path + "/")
	defer sub.Close()

	next := Default()
	next.PeerSupport = false
	next.MaxLifetime = 3600
	require.NoError(t, p.Apply(ctx, next))

	// Snapshot only moves once the changes are handled.
	require.True(t, p.Current().PeerSupport)
	for len(sub.C) > 0 {
		p.HandleChange(<-sub.C)
	}
	require.Equal(t, next, p.Current())
	require.Equal(t, []notify.Event{
		{Kind: notify.PolicyChanged, Key: KeyMaxLifetime, Value: "3600"},
		{Kind: notify.PolicyChanged, Key: KeyPeerSupport, Value: "0"},
	}, *events)

	// Applying the same policy writes nothing.
	require.NoError(t, p.Apply(ctx, next))
	require.Len(t, sub.C, 0)
}

func TestApplyValidates(t *testing.T) {
	p, _, _ := newTestProvider(t)
	bad := Default()
	bad.MinLifetime = 100000
	require.Error(t, p.Apply(context.Background(), bad))
}

func TestHandleChange(t *testing.T) {
	p, _, events := newTestProvider(t)

	p.HandleChange(kv.Change{Path: "/pcp/config/pcp_enabled", Value: "false"})
	require.False(t, p.Current().Enabled)

	p.HandleChange(kv.Change{Path: "/pcp/config/pcp_enabled", Deleted: true})
	require.True(t, p.Current().Enabled)

	p.HandleChange(kv.Change{Path: "/pcp/config/map_support", Value: "garbage"})
	require.True(t, p.Current().MapSupport)

	p.HandleChange(kv.Change{Path: "/pcp/config/startup_epoch_time", Value: "123"})
	require.Len(t, *events, 2)
}

func TestClampLifetime(t *testing.T) {
	p := Default()
	require.Equal(t, uint32(120), p.ClampLifetime(1))
	require.Equal(t, uint32(3600), p.ClampLifetime(3600))
	require.Equal(t, uint32(86400), p.ClampLifetime(1<<31))
}

func TestStartupAndEpoch(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestProvider(t)

	start := time.Unix(1_700_000_000, 0)
	require.Zero(t, p.Uptime(start))
	require.NoError(t, p.SetStartupTime(ctx, start))

	n, err := store.GetInt(ctx, "/pcp/config/startup_epoch_time")
	require.NoError(t, err)
	require.Equal(t, start.Unix(), n)

	now := start.Add(90*time.Minute + 500*time.Millisecond)
	require.Equal(t, 90*time.Minute+500*time.Millisecond, p.Uptime(now))
	require.Equal(t, uint32(5400), p.Epoch(now))
	require.Zero(t, p.Epoch(start.Add(-time.Second)))
}
