package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/flowpbx/signalrtc/internal/store"
)

// legKey identifies one dialog leg by the triple that uniquely names a SIP
// dialog from either endpoint's perspective.
type legKey struct {
	callID    string
	localTag  string
	remoteTag string
}

// LegInfo is what the B2BUA Core hands the Call Manager once a UAC/UAS pair
// is ready to be wired into a bridge's "bridge wiring invariant".
type LegInfo struct {
	CallID          string
	LocalTag        string
	RemoteTag       string
	CSeq            int
	RemoteTarget    string // Contact URI of the remote party, used to route in-dialog requests
	LocalUserField  string
	RemoteUserField string
	RouteSet        string
	Direction       string // "uac" | "uas"
	RemoteSocket    string
}

// CallManager tracks active bridges (bridgeId -> legA, legB) and routes
// in-dialog requests between the two legs. On the CDR side it records the
// bridgeId on the call's CDR when bridging and finalises the CDR (hangup
// time, duration) on BYE; the B2BUA Core creates the CDR and records its
// progress and answer.
type CallManager struct {
	client *sipgo.Client
	cdrs   store.CDRRepository
	calls  store.SIPCallRepository
	logger *slog.Logger

	mu      sync.Mutex
	legs    map[legKey]string // leg -> bridgeId
	bridges map[string][2]legKey
}

// NewCallManager creates a Call Manager. client is used to relay in-dialog
// requests (BYE, re-INVITE) to the peer leg.
func NewCallManager(client *sipgo.Client, cdrs store.CDRRepository, calls store.SIPCallRepository, logger *slog.Logger) *CallManager {
	return &CallManager{
		client:  client,
		cdrs:    cdrs,
		calls:   calls,
		logger:  logger.With("subsystem", "callmanager"),
		legs:    make(map[legKey]string),
		bridges: make(map[string][2]legKey),
	}
}

// Bridge persists both legs under a freshly generated bridgeId and makes
// them routable to one another's bridge operation. The shared
// bridgeId is returned for CDR correlation.
func (m *CallManager) Bridge(ctx context.Context, legA, legB LegInfo) (string, error) {
	bridgeID := uuid.NewString()

	keyA := legKey{callID: legA.CallID, localTag: legA.LocalTag, remoteTag: legA.RemoteTag}
	keyB := legKey{callID: legB.CallID, localTag: legB.LocalTag, remoteTag: legB.RemoteTag}

	for key, info := range map[legKey]LegInfo{keyA: legA, keyB: legB} {
		row := &store.SIPCall{
			LocalTag:        key.localTag,
			RemoteTag:       key.remoteTag,
			CallID:          key.callID,
			CSeq:            info.CSeq,
			BridgeID:        bridgeID,
			RemoteTarget:    info.RemoteTarget,
			LocalUserField:  info.LocalUserField,
			RemoteUserField: info.RemoteUserField,
			RouteSet:        info.RouteSet,
			Direction:       info.Direction,
			RemoteSocket:    info.RemoteSocket,
		}
		cdr, err := m.cdrs.GetByCallID(ctx, legA.CallID)
		if err != nil {
			return "", fmt.Errorf("loading cdr for bridge: %w", err)
		}
		if cdr != nil {
			row.CDRID = cdr.ID
			if cdr.BridgeID != bridgeID {
				cdr.BridgeID = bridgeID
				if err := m.cdrs.Update(ctx, cdr); err != nil {
					return "", fmt.Errorf("recording bridge on cdr: %w", err)
				}
			}
		}
		if err := m.calls.Create(ctx, row); err != nil {
			return "", fmt.Errorf("persisting bridged leg: %w", err)
		}
	}

	m.mu.Lock()
	m.legs[keyA] = bridgeID
	m.legs[keyB] = bridgeID
	m.bridges[bridgeID] = [2]legKey{keyA, keyB}
	m.mu.Unlock()

	m.logger.Info("legs bridged", "bridge_id", bridgeID, "call_id_a", legA.CallID, "call_id_b", legB.CallID)
	return bridgeID, nil
}

// ProcessInDialog routes an in-dialog request (BYE, re-INVITE) to the
// paired leg BYE additionally tears down the bridge and
// finalises the CDR. Returns false if req does not match any active leg,
// so the caller can fall back to a 481.
func (m *CallManager) ProcessInDialog(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) bool {
	key := legKeyOf(req)

	m.mu.Lock()
	bridgeID, ok := m.legs[key]
	m.mu.Unlock()
	if !ok {
		return false
	}

	peer, ok := m.peerOf(bridgeID, key)
	if !ok {
		return false
	}

	switch req.Method {
	case sip.BYE:
		m.handleBye(ctx, req, tx, bridgeID, peer)
	case sip.ACK:
		m.forward(ctx, req, bridgeID, peer)
	default:
		m.forward(ctx, req, bridgeID, peer)
		res := newResponse(req, 200, "OK", nil)
		if err := tx.Respond(res); err != nil {
			m.logger.Error("failed to ack in-dialog request", "error", err)
		}
	}
	return true
}

func (m *CallManager) handleBye(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, bridgeID string, peer legKey) {
	res := newResponse(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		m.logger.Error("failed to respond to bye", "error", err)
	}

	m.forward(ctx, req, bridgeID, peer)

	m.mu.Lock()
	legs := m.bridges[bridgeID]
	delete(m.bridges, bridgeID)
	delete(m.legs, legs[0])
	delete(m.legs, legs[1])
	m.mu.Unlock()

	if rows, err := m.calls.GetByBridgeID(ctx, bridgeID); err == nil {
		for _, row := range rows {
			m.calls.Delete(ctx, row.ID)
		}
	}

	cdr, err := m.cdrs.GetByCallID(ctx, legKeyOf(req).callID)
	if err != nil || cdr == nil {
		return
	}
	now := time.Now().UTC()
	cdr.HungupAt = &now
	cdr.HungupReason = "bye"
	if cdr.AnsweredAt != nil {
		cdr.Duration = now.Sub(*cdr.AnsweredAt)
	}
	if err := m.cdrs.Update(ctx, cdr); err != nil {
		m.logger.Error("failed to finalize cdr on bye", "error", err, "call_id", cdr.CallID)
	}
	m.logger.Info("bridge torn down", "bridge_id", bridgeID)
}

// forward relays req to peer's remote target, rewriting the Request-URI and
// CSeq the way a proxy would.
func (m *CallManager) forward(ctx context.Context, req *sip.Request, bridgeID string, peer legKey) {
	row := m.legRow(ctx, bridgeID, peer)
	if row == nil || row.RemoteTarget == "" {
		m.logger.Warn("no remote target for peer leg, dropping in-dialog request", "call_id", peer.callID)
		return
	}

	var recipient sip.Uri
	if err := sip.ParseUri(row.RemoteTarget, &recipient); err != nil {
		m.logger.Error("invalid stored remote target", "error", err, "target", row.RemoteTarget)
		return
	}

	out := sip.NewRequest(req.Method, recipient)
	out.SipVersion = req.SipVersion
	for _, name := range []string{"Call-ID", "Content-Type"} {
		if h := req.GetHeader(name); h != nil {
			out.AppendHeader(sip.HeaderClone(h))
		}
	}
	// The forwarded request speaks as the peer dialog, not the arriving one.
	if row.LocalUserField != "" {
		out.AppendHeader(sip.NewHeader("From", row.LocalUserField))
	}
	if row.RemoteUserField != "" {
		out.AppendHeader(sip.NewHeader("To", row.RemoteUserField))
	}
	next := row.CSeq + 1
	out.AppendHeader(&sip.CSeqHeader{SeqNo: uint32(next), MethodName: req.Method})
	if len(req.Body()) > 0 {
		out.SetBody(req.Body())
	}
	out.SetTransport(req.Transport())

	tx, err := m.client.TransactionRequest(ctx, out, sipgo.ClientRequestBuild)
	if err != nil {
		m.logger.Error("failed to forward in-dialog request", "error", err, "method", req.Method)
		return
	}
	tx.Terminate()

	if err := m.calls.UpdateCSeq(ctx, row.ID, next); err != nil {
		m.logger.Error("failed to advance leg cseq", "error", err, "call_id", peer.callID)
	}
}

// legRow loads the persisted row for one leg of a bridge. Both legs share a
// Call-ID, so the row is picked by its dialog tags rather than Call-ID
// alone.
func (m *CallManager) legRow(ctx context.Context, bridgeID string, key legKey) *store.SIPCall {
	rows, err := m.calls.GetByBridgeID(ctx, bridgeID)
	if err != nil {
		m.logger.Error("failed to load bridge legs", "error", err, "bridge_id", bridgeID)
		return nil
	}
	for i := range rows {
		if rows[i].LocalTag == key.localTag && rows[i].RemoteTag == key.remoteTag {
			return &rows[i]
		}
	}
	return nil
}

func (m *CallManager) peerOf(bridgeID string, key legKey) (legKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	legs, ok := m.bridges[bridgeID]
	if !ok {
		return legKey{}, false
	}
	if legs[0] == key {
		return legs[1], true
	}
	return legs[0], true
}

// BridgeCount reports the number of currently active bridges, for metrics.
func (m *CallManager) BridgeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bridges)
}

// legKeyOf derives the receiving leg's key from an in-dialog request. From
// the server's perspective the To-tag is its own (local) tag and the
// From-tag is the sender's (remote) tag, matching how Bridge stored the
// legs.
func legKeyOf(req *sip.Request) legKey {
	key := legKey{}
	if h := req.GetHeader("Call-ID"); h != nil {
		key.callID = h.Value()
	}
	if h, ok := req.GetHeader("To").(*sip.ToHeader); ok {
		if tag, ok := h.Params.Get("tag"); ok {
			key.localTag = tag
		}
	}
	if h, ok := req.GetHeader("From").(*sip.FromHeader); ok {
		if tag, ok := h.Params.Get("tag"); ok {
			key.remoteTag = tag
		}
	}
	return key
}
