package server

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/mellowdrifter/pcpd/internal/mapping"
	"github.com/mellowdrifter/pcpd/internal/notify"
	"github.com/mellowdrifter/pcpd/internal/policy"
	"github.com/mellowdrifter/pcpd/internal/protocol"
)

// errorLifetime is how long clients should treat NO_RESOURCES and
// NETWORK_FAILURE as valid before retrying.
const errorLifetime = 30

// Recorder counts request outcomes.
type Recorder interface {
	ObserveRequest(op protocol.Opcode, result protocol.ResultCode)
	ObserveDrop()
}

type nopRecorder struct{}

func (nopRecorder) ObserveRequest(protocol.Opcode, protocol.ResultCode) {}
func (nopRecorder) ObserveDrop()                                        {}

// Processor turns one request into one response, mutating the mapping
// table on the way. It is not safe for concurrent use; the server calls it
// from a single goroutine.
type Processor struct {
	store    *mapping.Store
	policy   *policy.Provider
	assigner *Assigner
	notifier notify.Observer
	recorder Recorder
	logger   *zap.SugaredLogger
}

func NewProcessor(
	store *mapping.Store,
	pol *policy.Provider,
	assigner *Assigner,
	notifier notify.Observer,
	recorder Recorder,
	logger *zap.SugaredLogger,
) *Processor {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Processor{
		store:    store,
		policy:   pol,
		assigner: assigner,
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
	}
}

// outcome is the result of handling a request before it is put on the wire.
type outcome struct {
	result   protocol.ResultCode
	lifetime uint32
	mapping  *mapping.Mapping
}

func fail(result protocol.ResultCode) outcome {
	return outcome{result: result}
}

// Process handles a raw datagram from src. ok is false when the datagram
// is dropped without a reply: too short to carry an opcode, or a response.
func (p *Processor) Process(ctx context.Context, data []byte, src netip.AddrPort) (reply []byte, ok bool) {
	logger := p.logger.With("client", src.String())

	peek, err := protocol.PeekHeader(data)
	if err != nil || peek.Response {
		logger.Debugf("Dropping %d byte datagram", len(data))
		p.recorder.ObserveDrop()
		return nil, false
	}

	epoch := p.policy.Epoch(p.store.Now())
	errorReply := func(result protocol.ResultCode) ([]byte, bool) {
		p.recorder.ObserveRequest(peek.Opcode, result)
		return protocol.NewErrorResponse(peek.Opcode, result, epoch).Marshal(), true
	}

	if !peek.Version.Supported() {
		logger.Infof("Unsupported version %d", peek.Version)
		return errorReply(protocol.UnsuppVersion)
	}
	if len(data) > protocol.MaxMessageLength {
		logger.Infof("Request of %d bytes is over the maximum", len(data))
		return errorReply(protocol.MalformedRequest)
	}

	req, err := protocol.DecodeRequest(data)
	switch {
	case errors.Is(err, protocol.ErrUnsupportedOpcode):
		logger.Infof("Unsupported opcode %s", peek.Opcode)
		return errorReply(protocol.UnsuppOpcode)
	case err != nil:
		logger.Infof("Malformed request: %v", err)
		return errorReply(protocol.MalformedRequest)
	}

	return p.Handle(ctx, req, src).Marshal(), true
}

// Handle runs a decoded request through the state machine.
func (p *Processor) Handle(ctx context.Context, req *protocol.Request, src netip.AddrPort) *protocol.Response {
	logger := p.logger.With("client", src.String(), "opcode", req.Header.Opcode.String())
	now := p.store.Now()

	out := p.handle(ctx, req, src, now, logger)

	resp := protocol.NewResponse(req, out.result, out.lifetime, p.policy.Epoch(now))
	if out.mapping != nil {
		if body := resp.Body(); body != nil {
			body.ExternalPort = out.mapping.External.Port()
			body.ExternalIP = out.mapping.External.Addr()
		}
	}
	p.recorder.ObserveRequest(req.Header.Opcode, out.result)
	logger.Debugf("Answered %s lifetime %d", out.result, out.lifetime)
	return resp
}

func (p *Processor) handle(ctx context.Context, req *protocol.Request, src netip.AddrPort, now time.Time, logger *zap.SugaredLogger) outcome {
	if !req.Header.Version.Supported() {
		return fail(protocol.UnsuppVersion)
	}

	pol := p.policy.Current()
	if !pol.Enabled {
		return fail(protocol.NotAuthorized)
	}
	switch req.Header.Opcode {
	case protocol.OpMap:
		if !pol.MapSupport {
			return fail(protocol.UnsuppOpcode)
		}
	case protocol.OpPeer:
		if !pol.PeerSupport {
			return fail(protocol.UnsuppOpcode)
		}
	default:
		return fail(protocol.UnsuppOpcode)
	}

	client := src.Addr().Unmap()
	if req.Header.ClientIP.Unmap() != client {
		logger.Infof("Client address %s does not match source", req.Header.ClientIP.Unmap())
		return fail(protocol.AddressMismatch)
	}
	body := req.Body()
	if body == nil {
		return fail(protocol.MalformedRequest)
	}
	if result := p.validate(req, body); result != protocol.Success {
		return fail(result)
	}

	key := mapping.Key{
		Internal: netip.AddrPortFrom(client, body.InternalPort),
		Protocol: body.Protocol,
		Opcode:   req.Header.Opcode,
	}
	if req.Peer != nil {
		key.Remote = netip.AddrPortFrom(req.Peer.RemotePeerIP.Unmap(), req.Peer.RemotePeerPort)
	}

	all, err := p.store.List(ctx)
	if err != nil {
		return p.storeFailure(err, logger)
	}

	if req.Header.Lifetime == 0 {
		return p.remove(ctx, key, body.Nonce, all, logger)
	}
	lifetime := pol.ClampLifetime(req.Header.Lifetime)

	var existing *mapping.Mapping
	for i := range all {
		if all[i].Key() == key {
			existing = &all[i]
			break
		}
	}
	if existing != nil {
		switch {
		case existing.Nonce == body.Nonce:
			return p.refresh(ctx, *existing, lifetime, now, logger)
		case !existing.Expired(now.Unix()):
			logger.Warnf("Nonce mismatch for mapping %d", existing.Index)
			return fail(protocol.NotAuthorized)
		}
		// An expired mapping is up for grabs by a new nonce.
		if err := p.store.Delete(ctx, existing.Index); err != nil && !errors.Is(err, mapping.ErrNotFound) {
			return p.storeFailure(err, logger)
		}
		p.notify(notify.MappingDeleted, *existing)
	}

	live := make([]mapping.Mapping, 0, len(all))
	for _, m := range all {
		if !m.Expired(now.Unix()) {
			live = append(live, m)
		}
	}
	if p.assigner.OverQuota(client, live) {
		logger.Infof("Client is over its mapping quota")
		return fail(protocol.UserExQuota)
	}
	external, err := p.assigner.Assign(key.Internal, body.Protocol, body.ExternalPort, live)
	if err != nil {
		return p.storeFailure(err, logger)
	}

	m, err := p.store.Create(ctx, mapping.Params{
		Index:    mapping.AutoIndex,
		Nonce:    body.Nonce,
		Internal: key.Internal,
		External: external,
		Remote:   key.Remote,
		Lifetime: lifetime,
		Opcode:   req.Header.Opcode,
		Protocol: body.Protocol,
	})
	if err != nil {
		return p.storeFailure(err, logger)
	}
	p.notify(notify.MappingCreated, m)
	return outcome{result: protocol.Success, lifetime: lifetime, mapping: &m}
}

// validate checks the fields the codec cannot judge on its own.
func (p *Processor) validate(req *protocol.Request, body *protocol.MapBody) protocol.ResultCode {
	deleting := req.Header.Lifetime == 0
	switch {
	case body.Protocol == 0 && body.InternalPort != 0:
		return protocol.MalformedRequest
	case body.InternalPort == 0 && body.Protocol != 0 && !deleting:
		return protocol.MalformedRequest
	case body.InternalPort == 0 && req.Peer != nil:
		return protocol.MalformedRequest
	}
	if req.Peer != nil {
		if req.Peer.RemotePeerPort == 0 || req.Peer.RemotePeerIP.Unmap().IsUnspecified() {
			return protocol.MalformedRequest
		}
	}
	if !p.assigner.Supports(body.Protocol) {
		return protocol.UnsuppProtocol
	}
	return protocol.Success
}

func (p *Processor) refresh(ctx context.Context, m mapping.Mapping, lifetime uint32, now time.Time, logger *zap.SugaredLogger) outcome {
	end := now.Unix() + int64(lifetime)
	if err := p.store.Refresh(ctx, m.Index, lifetime, end); err != nil {
		return p.storeFailure(err, logger)
	}
	m.Lifetime = lifetime
	m.EndOfLife = end
	logger.Debugf("Refreshed mapping %d for %ds", m.Index, lifetime)
	return outcome{result: protocol.Success, lifetime: lifetime, mapping: &m}
}

// remove handles a lifetime zero request. An internal port of zero removes
// every mapping the client holds under the nonce, optionally limited to one
// protocol. Removing nothing still succeeds.
func (p *Processor) remove(ctx context.Context, key mapping.Key, nonce protocol.Nonce, all []mapping.Mapping, logger *zap.SugaredLogger) outcome {
	var targets []mapping.Mapping
	for _, m := range all {
		if key.Internal.Port() == 0 {
			if m.Internal.Addr() == key.Internal.Addr() && m.Opcode == key.Opcode && m.Nonce == nonce &&
				(key.Protocol == 0 || m.Protocol == key.Protocol) {
				targets = append(targets, m)
			}
			continue
		}
		if m.Key() != key {
			continue
		}
		if m.Nonce != nonce {
			logger.Warnf("Nonce mismatch deleting mapping %d", m.Index)
			return fail(protocol.NotAuthorized)
		}
		targets = append(targets, m)
	}

	for _, m := range targets {
		err := p.store.Delete(ctx, m.Index)
		if errors.Is(err, mapping.ErrNotFound) {
			continue
		}
		if err != nil {
			return p.storeFailure(err, logger)
		}
		p.notify(notify.MappingDeleted, m)
	}
	return outcome{result: protocol.Success}
}

func (p *Processor) storeFailure(err error, logger *zap.SugaredLogger) outcome {
	logger.Errorf("Mapping operation failed: %v", err)
	switch {
	case errors.Is(err, mapping.ErrExhausted), errors.Is(err, mapping.ErrConflict), errors.Is(err, ErrNoPorts):
		return outcome{result: protocol.NoResources, lifetime: errorLifetime}
	case errors.Is(err, mapping.ErrBackend):
		return outcome{result: protocol.NetworkFailure, lifetime: errorLifetime}
	}
	return fail(protocol.NetworkFailure)
}

func (p *Processor) notify(kind notify.EventKind, m mapping.Mapping) {
	if p.notifier != nil {
		p.notifier.Notify(notify.Event{Kind: kind, Mapping: m})
	}
}
