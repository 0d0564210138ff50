package mapping

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mellowdrifter/pcpd/internal/kv"
	"github.com/mellowdrifter/pcpd/internal/protocol"
)

// Path is the kv subtree holding one child per mapping.
const Path = "/pcp/mappings"

// refreshTolerance is how far a caller's end of life may drift from
// now+lifetime as seen by the store.
const refreshTolerance = 3

// row keys
const (
	indexKey        = "index"
	nonceKey        = "mapping_nonce"
	internalIPKey   = "internal_ip"
	internalPortKey = "internal_port"
	externalIPKey   = "external_ip"
	externalPortKey = "external_port"
	remoteIPKey     = "remote_peer_ip"
	remotePortKey   = "remote_peer_port"
	lifetimeKey     = "lifetime"
	startOfLifeKey  = "start_of_life"
	endOfLifeKey    = "end_of_life"
	opcodeKey       = "opcode"
	protocolKey     = "protocol"
)

// Store is the mapping table. Each method is one atomic kv operation or a
// read followed by one; there is no transaction spanning calls.
type Store struct {
	kv      kv.Store
	clock   clock.Clock
	ceiling int
}

type Option func(*Store)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithCeiling caps allocated indexes.
func WithCeiling(n int) Option {
	return func(s *Store) { s.ceiling = n }
}

func NewStore(backend kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:      backend,
		clock:   clock.New(),
		ceiling: MaxIndex,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now is the store's notion of the current time.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

func mappingPath(index int) string {
	return kv.Join(Path, strconv.Itoa(index))
}

func backend(err error) error {
	return fmt.Errorf("%w: %w", ErrBackend, err)
}

// Create stores a new mapping. With Params.Index set to AutoIndex the next
// index is allocated from the ones currently stored.
func (s *Store) Create(ctx context.Context, p Params) (Mapping, error) {
	index := p.Index
	if index == AutoIndex {
		ids, err := s.indexes(ctx)
		if err != nil {
			return Mapping{}, err
		}
		index, err = NextIndex(ids, s.ceiling)
		if err != nil {
			return Mapping{}, err
		}
	}
	if index < 0 {
		return Mapping{}, fmt.Errorf("invalid mapping index %d", index)
	}

	exists, err := s.exists(ctx, index)
	if err != nil {
		return Mapping{}, err
	}
	if exists {
		return Mapping{}, fmt.Errorf("index %d: %w", index, ErrConflict)
	}

	now := s.clock.Now().Unix()
	m := Mapping{
		Index:       index,
		Nonce:       p.Nonce,
		Internal:    p.Internal,
		External:    p.External,
		Remote:      p.Remote,
		Lifetime:    p.Lifetime,
		StartOfLife: now,
		EndOfLife:   now + int64(p.Lifetime),
		Opcode:      p.Opcode,
		Protocol:    p.Protocol,
	}
	if err := s.kv.SetAll(ctx, encode(m)); err != nil {
		return Mapping{}, backend(err)
	}
	return m, nil
}

// Find returns the mapping with the given index, expired or not.
func (s *Store) Find(ctx context.Context, index int) (Mapping, error) {
	p := mappingPath(index)
	rows, err := s.kv.Tree(ctx, p)
	if err != nil {
		return Mapping{}, backend(err)
	}
	if _, ok := rows[p]; !ok {
		return Mapping{}, fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	m, err := decode(index, p, rows)
	if err != nil {
		return Mapping{}, backend(err)
	}
	return m, nil
}

// Refresh renews a mapping's lease. endOfLife is computed by the caller and
// must be within three seconds of now+lifetime; start of life is kept.
func (s *Store) Refresh(ctx context.Context, index int, lifetime uint32, endOfLife int64) error {
	expected := s.clock.Now().Unix() + int64(lifetime)
	if drift := endOfLife - expected; drift < -refreshTolerance || drift > refreshTolerance {
		// A missing mapping is reported ahead of a bad end of life.
		exists, err := s.exists(ctx, index)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("index %d: %w", index, ErrNotFound)
		}
		return fmt.Errorf("index %d: %w: off by %ds", index, ErrInconsistent, drift)
	}

	p := mappingPath(index)
	ok, err := s.kv.SetAllIf(ctx, p, map[string]string{
		kv.Join(p, lifetimeKey):  strconv.FormatUint(uint64(lifetime), 10),
		kv.Join(p, endOfLifeKey): strconv.FormatInt(endOfLife, 10),
	})
	if err != nil {
		return backend(err)
	}
	if !ok {
		return fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	return nil
}

// Delete removes a mapping.
func (s *Store) Delete(ctx context.Context, index int) error {
	exists, err := s.exists(ctx, index)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	if err := s.kv.Prune(ctx, mappingPath(index)); err != nil {
		return backend(err)
	}
	return nil
}

// DeleteAll removes every mapping.
func (s *Store) DeleteAll(ctx context.Context) error {
	if err := s.kv.Prune(ctx, Path); err != nil {
		return backend(err)
	}
	return nil
}

// List returns a snapshot of all mappings sorted by index, read from the
// table in one query. Rows left without their index marker are skipped.
func (s *Store) List(ctx context.Context) ([]Mapping, error) {
	rows, err := s.kv.Tree(ctx, Path)
	if err != nil {
		return nil, backend(err)
	}

	groups := make(map[int]map[string]string)
	prefix := Path + "/"
	for p, v := range rows {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		child, _, _ := strings.Cut(p[len(prefix):], "/")
		id, err := strconv.Atoi(child)
		if err != nil || id < 0 {
			continue
		}
		g, ok := groups[id]
		if !ok {
			g = make(map[string]string)
			groups[id] = g
		}
		g[p] = v
	}

	ids := make([]int, 0, len(groups))
	for id, g := range groups {
		if _, ok := g[mappingPath(id)]; ok {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	out := make([]Mapping, 0, len(ids))
	for _, id := range ids {
		m, err := decode(id, mappingPath(id), groups[id])
		if err != nil {
			return nil, backend(err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Lookup finds the mapping for a client side key.
func (s *Store) Lookup(ctx context.Context, key Key) (Mapping, error) {
	all, err := s.List(ctx)
	if err != nil {
		return Mapping{}, err
	}
	for _, m := range all {
		if m.Key() == key {
			return m, nil
		}
	}
	return Mapping{}, ErrNotFound
}

// RemainingLifetime is the number of seconds left on the lease, never
// negative.
func (s *Store) RemainingLifetime(m Mapping) uint32 {
	now := s.clock.Now().Unix()
	if m.EndOfLife <= now {
		return 0
	}
	return uint32(m.EndOfLife - now)
}

func (s *Store) exists(ctx context.Context, index int) (bool, error) {
	_, err := s.kv.GetString(ctx, mappingPath(index))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, backend(err)
	}
	return true, nil
}

func (s *Store) indexes(ctx context.Context) ([]int, error) {
	paths, err := s.kv.Search(ctx, Path+"/")
	if err != nil {
		return nil, backend(err)
	}
	ids := make([]int, 0, len(paths))
	for _, p := range paths {
		id, err := strconv.Atoi(kv.Base(p))
		if err != nil || id < 0 {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func encode(m Mapping) map[string]string {
	p := mappingPath(m.Index)
	return map[string]string{
		p:                           "-",
		kv.Join(p, indexKey):        strconv.Itoa(m.Index),
		kv.Join(p, nonceKey):        m.Nonce.String(),
		kv.Join(p, internalIPKey):   addrString(m.Internal.Addr()),
		kv.Join(p, internalPortKey): strconv.Itoa(int(m.Internal.Port())),
		kv.Join(p, externalIPKey):   addrString(m.External.Addr()),
		kv.Join(p, externalPortKey): strconv.Itoa(int(m.External.Port())),
		kv.Join(p, remoteIPKey):     addrString(m.Remote.Addr()),
		kv.Join(p, remotePortKey):   strconv.Itoa(int(m.Remote.Port())),
		kv.Join(p, lifetimeKey):     strconv.FormatUint(uint64(m.Lifetime), 10),
		kv.Join(p, startOfLifeKey):  strconv.FormatInt(m.StartOfLife, 10),
		kv.Join(p, endOfLifeKey):    strconv.FormatInt(m.EndOfLife, 10),
		kv.Join(p, opcodeKey):       strconv.Itoa(int(m.Opcode)),
		kv.Join(p, protocolKey):     strconv.Itoa(int(m.Protocol)),
	}
}

// rowReader pulls typed values out of a mapping's rows, keeping the first
// error it sees.
type rowReader struct {
	path string
	rows map[string]string
	err  error
}

func (r *rowReader) str(key string) string {
	v, ok := r.rows[kv.Join(r.path, key)]
	if !ok && r.err == nil {
		r.err = fmt.Errorf("%s: missing %s", r.path, key)
	}
	return v
}

func (r *rowReader) int(key string, bits int) int64 {
	v := r.str(key)
	n, err := strconv.ParseInt(v, 10, bits)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: bad %s: %w", r.path, key, err)
	}
	return n
}

func (r *rowReader) uint(key string, bits int) uint64 {
	v := r.str(key)
	n, err := strconv.ParseUint(v, 10, bits)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: bad %s: %w", r.path, key, err)
	}
	return n
}

func (r *rowReader) addrPort(ipKey, portKey string) netip.AddrPort {
	var addr netip.Addr
	if v := r.str(ipKey); v != "" {
		a, err := netip.ParseAddr(v)
		if err != nil && r.err == nil {
			r.err = fmt.Errorf("%s: bad %s: %w", r.path, ipKey, err)
		}
		addr = a
	}
	port := uint16(r.uint(portKey, 16))
	if !addr.IsValid() {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr, port)
}

func (r *rowReader) nonce() protocol.Nonce {
	n, err := protocol.ParseNonce(r.str(nonceKey))
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: %w", r.path, err)
	}
	return n
}

func decode(index int, path string, rows map[string]string) (Mapping, error) {
	r := &rowReader{path: path, rows: rows}
	m := Mapping{
		Index:       index,
		Nonce:       r.nonce(),
		Internal:    r.addrPort(internalIPKey, internalPortKey),
		External:    r.addrPort(externalIPKey, externalPortKey),
		Remote:      r.addrPort(remoteIPKey, remotePortKey),
		Lifetime:    uint32(r.uint(lifetimeKey, 32)),
		StartOfLife: r.int(startOfLifeKey, 64),
		EndOfLife:   r.int(endOfLifeKey, 64),
		Opcode:      protocol.Opcode(r.uint(opcodeKey, 8)),
		Protocol:    uint8(r.uint(protocolKey, 8)),
	}
	return m, r.err
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}
