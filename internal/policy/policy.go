// Package policy holds the server's PCP configuration as persisted in the
// key-path store, and keeps an in-memory snapshot in step with it.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mellowdrifter/pcpd/internal/kv"
	"github.com/mellowdrifter/pcpd/internal/notify"
)

// Path is the kv subtree holding one row per setting.
const Path = "/pcp/config"

const (
	KeyInitialized     = "pcp_initialized"
	KeyEnabled         = "pcp_enabled"
	KeyMapSupport      = "map_support"
	KeyPeerSupport     = "peer_support"
	KeyThirdParty      = "third_party_support"
	KeyProxy           = "proxy_support"
	KeyUPnPIWF         = "upnp_igd_pcp_iwf_support"
	KeyMinLifetime     = "min_mapping_lifetime"
	KeyMaxLifetime     = "max_mapping_lifetime"
	KeyPreferFailure   = "prefer_failure_req_rate_limit"
	KeyStartupEpoch    = "startup_epoch_time"
	defaultMinLifetime = 120
	defaultMaxLifetime = 86400
	defaultRateLimit   = 256
)

// Policy is a snapshot of the settings the request path consults.
type Policy struct {
	Enabled           bool   `yaml:"pcp_enabled"`
	MapSupport        bool   `yaml:"map_support"`
	PeerSupport       bool   `yaml:"peer_support"`
	ThirdPartySupport bool   `yaml:"third_party_support"`
	ProxySupport      bool   `yaml:"proxy_support"`
	UPnPIWFSupport    bool   `yaml:"upnp_igd_pcp_iwf_support"`
	MinLifetime       uint32 `yaml:"min_mapping_lifetime"`
	MaxLifetime       uint32 `yaml:"max_mapping_lifetime"`
	PreferFailureRate uint32 `yaml:"prefer_failure_req_rate_limit"`
}

// Default is what a fresh store is seeded with.
func Default() Policy {
	return Policy{
		Enabled:           true,
		MapSupport:        true,
		PeerSupport:       true,
		MinLifetime:       defaultMinLifetime,
		MaxLifetime:       defaultMaxLifetime,
		PreferFailureRate: defaultRateLimit,
	}
}

// Validate checks the lifetime bounds make sense.
func (p Policy) Validate() error {
	if p.MinLifetime == 0 {
		return errors.New("min_mapping_lifetime must be positive")
	}
	if p.MinLifetime > p.MaxLifetime {
		return fmt.Errorf("min_mapping_lifetime %d exceeds max_mapping_lifetime %d", p.MinLifetime, p.MaxLifetime)
	}
	return nil
}

// ClampLifetime forces a requested non-zero lifetime into [min, max].
func (p Policy) ClampLifetime(l uint32) uint32 {
	if l < p.MinLifetime {
		return p.MinLifetime
	}
	if l > p.MaxLifetime {
		return p.MaxLifetime
	}
	return l
}

// rows renders p as kv rows.
func (p Policy) rows() map[string]string {
	return map[string]string{
		KeyEnabled:       boolString(p.Enabled),
		KeyMapSupport:    boolString(p.MapSupport),
		KeyPeerSupport:   boolString(p.PeerSupport),
		KeyThirdParty:    boolString(p.ThirdPartySupport),
		KeyProxy:         boolString(p.ProxySupport),
		KeyUPnPIWF:       boolString(p.UPnPIWFSupport),
		KeyMinLifetime:   strconv.FormatUint(uint64(p.MinLifetime), 10),
		KeyMaxLifetime:   strconv.FormatUint(uint64(p.MaxLifetime), 10),
		KeyPreferFailure: strconv.FormatUint(uint64(p.PreferFailureRate), 10),
	}
}

// set applies a single row to p. Unknown keys are ignored and reported
// as not applied.
func (p *Policy) set(key, value string) (bool, error) {
	var (
		b   *bool
		n   *uint32
		err error
	)
	switch key {
	case KeyEnabled:
		b = &p.Enabled
	case KeyMapSupport:
		b = &p.MapSupport
	case KeyPeerSupport:
		b = &p.PeerSupport
	case KeyThirdParty:
		b = &p.ThirdPartySupport
	case KeyProxy:
		b = &p.ProxySupport
	case KeyUPnPIWF:
		b = &p.UPnPIWFSupport
	case KeyMinLifetime:
		n = &p.MinLifetime
	case KeyMaxLifetime:
		n = &p.MaxLifetime
	case KeyPreferFailure:
		n = &p.PreferFailureRate
	default:
		return false, nil
	}

	if b != nil {
		*b, err = parseBool(value)
	} else {
		var v uint64
		v, err = strconv.ParseUint(value, 10, 32)
		*n = uint32(v)
	}
	if err != nil {
		return false, fmt.Errorf("%s=%q: %w", key, value, err)
	}
	return true, nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

// Provider owns the persisted config rows and the in-memory snapshot.
type Provider struct {
	kv       kv.Store
	notifier notify.Observer
	log      *zap.SugaredLogger

	mu      sync.RWMutex
	current Policy
	startup time.Time
}

func NewProvider(store kv.Store, notifier notify.Observer, logger *zap.SugaredLogger) *Provider {
	return &Provider{
		kv:       store,
		notifier: notifier,
		log:      logger.With("component", "policy"),
		current:  Default(),
	}
}

// Load reads the persisted policy. A store that has never been initialised
// is seeded with defaults first.
func (p *Provider) Load(ctx context.Context) error {
	_, err := p.kv.GetString(ctx, kv.Join(Path, KeyInitialized))
	switch {
	case errors.Is(err, kv.ErrNotFound):
		p.log.Info("Initialising PCP configuration with defaults")
		rows := prefixed(Default().rows())
		rows[kv.Join(Path, KeyInitialized)] = "1"
		if err := p.kv.SetAll(ctx, rows); err != nil {
			return fmt.Errorf("seed config: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read config: %w", err)
	}

	rows, err := p.kv.Tree(ctx, Path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	pol := Default()
	var errs error
	for path, value := range rows {
		if _, err := pol.set(kv.Base(path), value); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return errs
	}
	if err := pol.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	p.current = pol
	p.mu.Unlock()
	return nil
}

// Current returns the policy snapshot.
func (p *Provider) Current() Policy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Apply persists every setting of pol that differs from the current
// snapshot. The snapshot itself is updated when the writes come back
// through HandleChange.
func (p *Provider) Apply(ctx context.Context, pol Policy) error {
	if err := pol.Validate(); err != nil {
		return err
	}
	cur := p.Current().rows()
	changed := make(map[string]string)
	for key, value := range pol.rows() {
		if cur[key] != value {
			changed[kv.Join(Path, key)] = value
		}
	}
	if len(changed) == 0 {
		return nil
	}
	return p.kv.SetAll(ctx, changed)
}

// HandleChange folds a single watched change into the snapshot and tells
// the notifier about it. Rows of a batch arrive one at a time, so cross
// field checks are only warned about here.
func (p *Provider) HandleChange(c kv.Change) {
	key := kv.Base(c.Path)
	value := c.Value
	if c.Deleted {
		// A removed row reverts to its default.
		value = Default().rows()[key]
	}

	p.mu.Lock()
	next := p.current
	applied, err := next.set(key, value)
	if err == nil && applied {
		p.current = next
	}
	p.mu.Unlock()

	if err != nil {
		p.log.Warnf("Ignoring config change %s: %v", c.Path, err)
		return
	}
	if !applied {
		return
	}
	p.log.Infof("Config %s changed to %s", key, value)
	if err := next.Validate(); err != nil {
		p.log.Warnf("Config is inconsistent after %s change: %v", key, err)
	}
	if p.notifier != nil {
		p.notifier.Notify(notify.Event{Kind: notify.PolicyChanged, Key: key, Value: value})
	}
}

// SetStartupTime records when the server started answering and persists it.
func (p *Provider) SetStartupTime(ctx context.Context, t time.Time) error {
	p.mu.Lock()
	p.startup = t
	p.mu.Unlock()
	return p.kv.SetInt(ctx, kv.Join(Path, KeyStartupEpoch), t.Unix())
}

func (p *Provider) StartupTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.startup
}

// Uptime is the time elapsed since SetStartupTime as of now.
func (p *Provider) Uptime(now time.Time) time.Duration {
	start := p.StartupTime()
	if start.IsZero() || now.Before(start) {
		return 0
	}
	return now.Sub(start)
}

// Epoch is the PCP epoch time: whole seconds since startup.
func (p *Provider) Epoch(now time.Time) uint32 {
	return uint32(p.Uptime(now) / time.Second)
}

func prefixed(rows map[string]string) map[string]string {
	out := make(map[string]string, len(rows)+1)
	for k, v := range rows {
		out[kv.Join(Path, k)] = v
	}
	return out
}
