// Package dispatcher is the canonical registry of live agent connections: it
// correlates outbound probe requests with inbound responses, and broadcasts
// agent-presence changes to dashboard observers (§4.2).
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sonde-hub/sonde/internal/obslog"
	"github.com/sonde-hub/sonde/pkg/envelope"
)

// Socket is the minimal send surface a transport connection must provide.
// Both the real gorilla/websocket connection wrapper and test fakes satisfy
// this interface.
type Socket interface {
	Send(e *envelope.Envelope) error
}

// Observer is a dashboard socket that receives agent-presence broadcasts.
type Observer interface {
	SendJSON(v interface{}) error
}

// AgentInfo is the presence record for one online agent.
type AgentInfo struct {
	ID     string
	Name   string
	Socket Socket
}

type pendingRequest struct {
	agentID string
	resultC chan envelope.Envelope
	timer   *time.Timer
}

// Dispatcher holds the live agent registry and in-flight request table.
type Dispatcher struct {
	mu sync.Mutex

	byAgentID map[string]*AgentInfo
	byName    map[string]string // name -> agentID
	bySocket  map[Socket]string // socket -> agentID

	pending map[string]*pendingRequest // requestID -> pending

	observers map[Observer]bool

	eventPublisher EventPublisher

	defaultTimeout time.Duration
	logger         *obslog.Logger
}

// EventPublisher fans out agent-presence changes beyond the in-process
// dashboard observers (e.g. over NATS, §4.2/§5). Optional: nil means
// presence is only ever delivered to directly-attached Observers.
type EventPublisher interface {
	Publish(subject string, v interface{}) error
}

// SetEventPublisher wires an optional external fan-out for agent-presence
// broadcasts. Pass nil to disable.
func (d *Dispatcher) SetEventPublisher(p EventPublisher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eventPublisher = p
}

// New creates an empty Dispatcher.
func New(defaultTimeout time.Duration, log *obslog.Logger) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Dispatcher{
		byAgentID:      make(map[string]*AgentInfo),
		byName:         make(map[string]string),
		bySocket:       make(map[Socket]string),
		pending:        make(map[string]*pendingRequest),
		observers:      make(map[Observer]bool),
		defaultTimeout: defaultTimeout,
		logger:         log,
	}
}

// Register installs (agentID, name, socket). If agentID was already bound to
// a different socket, that old socket is unlinked from bySocket without
// tearing the agent down, so its eventual close event is a no-op (§4.2
// stale-socket invariant).
func (d *Dispatcher) Register(agentID, name string, socket Socket) {
	d.mu.Lock()
	if existing, ok := d.byAgentID[agentID]; ok && existing.Socket != socket {
		delete(d.bySocket, existing.Socket)
	}
	d.byAgentID[agentID] = &AgentInfo{ID: agentID, Name: name, Socket: socket}
	d.byName[name] = agentID
	d.bySocket[socket] = agentID
	d.mu.Unlock()

	d.broadcastStatus()
}

// RemoveBySocket removes the agent bound to socket, but only if socket is
// still its current socket (stale-socket invariant).
func (d *Dispatcher) RemoveBySocket(socket Socket) {
	d.mu.Lock()
	agentID, ok := d.bySocket[socket]
	if !ok {
		d.mu.Unlock()
		return
	}
	info, ok := d.byAgentID[agentID]
	if !ok || info.Socket != socket {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.RemoveAgent(agentID)
}

// RemoveAgent deletes agentID from all maps, rejects every pending request
// for it, and broadcasts the updated online set.
func (d *Dispatcher) RemoveAgent(agentID string) {
	d.mu.Lock()
	info, ok := d.byAgentID[agentID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.byAgentID, agentID)
	delete(d.byName, info.Name)
	if d.bySocket[info.Socket] == agentID {
		delete(d.bySocket, info.Socket)
	}

	var toReject []*pendingRequest
	for reqID, p := range d.pending {
		if p.agentID == agentID {
			toReject = append(toReject, p)
			delete(d.pending, reqID)
		}
	}
	d.mu.Unlock()

	for _, p := range toReject {
		p.timer.Stop()
		errResp, _ := envelope.New(envelope.TypeProbeError, agentID, map[string]interface{}{
			"status": "error",
			"data":   map[string]interface{}{"error": fmt.Sprintf("Agent %s disconnected", info.Name)},
		})
		p.resultC <- *errResp
		close(p.resultC)
	}

	d.broadcastStatus()
}

// resolve looks up an agent by id or by name.
func (d *Dispatcher) resolve(nameOrID string) (*AgentInfo, bool) {
	if info, ok := d.byAgentID[nameOrID]; ok {
		return info, true
	}
	if id, ok := d.byName[nameOrID]; ok {
		info, ok := d.byAgentID[id]
		return info, ok
	}
	return nil, false
}

// SendProbe resolves nameOrID to an online agent, registers a pending
// request with a timeout timer, sends the probe.request envelope, and
// returns a channel that receives the correlated response. The envelope is
// sent unsigned: the Dispatcher holds no signing key.
func (d *Dispatcher) SendProbe(ctx context.Context, nameOrID, probe string, params interface{}, timeout time.Duration) (<-chan envelope.Envelope, error) {
	d.mu.Lock()
	info, ok := d.resolve(nameOrID)
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("Agent not found or offline")
	}

	requestID := uuid.NewString()
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	resultC := make(chan envelope.Envelope, 1)
	pr := &pendingRequest{agentID: info.ID}
	pr.resultC = resultC
	pr.timer = time.AfterFunc(timeout, func() {
		d.timeoutPending(requestID, probe, timeout)
	})
	d.pending[requestID] = pr
	socket := info.Socket
	d.mu.Unlock()

	payload := map[string]interface{}{
		"requestId": requestID,
		"probe":     probe,
		"params":    params,
	}
	env, err := envelope.New(envelope.TypeProbeRequest, info.ID, payload)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}
	env.ID = requestID

	if err := socket.Send(env); err != nil {
		d.mu.Lock()
		delete(d.pending, requestID)
		d.mu.Unlock()
		return nil, fmt.Errorf("send probe request: %w", err)
	}

	return resultC, nil
}

func (d *Dispatcher) timeoutPending(requestID, probe string, timeout time.Duration) {
	d.mu.Lock()
	pr, ok := d.pending[requestID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, requestID)
	d.mu.Unlock()

	errResp, _ := envelope.New(envelope.TypeProbeError, pr.agentID, map[string]interface{}{
		"status": "timeout",
		"data":   map[string]interface{}{"error": fmt.Sprintf("Probe '%s' timed out after %dms", probe, timeout.Milliseconds())},
	})
	pr.resultC <- *errResp
	close(pr.resultC)
}

// HandleResponse correlates an inbound probe.response/probe.error envelope
// with its pending request. It prefers the envelope's own ID (echoing the
// requestId) and falls back to the first pending request for agentID.
func (d *Dispatcher) HandleResponse(agentID string, resp envelope.Envelope) {
	d.mu.Lock()
	pr, ok := d.pending[resp.ID]
	reqID := resp.ID
	if !ok {
		for id, p := range d.pending {
			if p.agentID == agentID {
				pr = p
				reqID = id
				ok = true
				break
			}
		}
	}
	if ok {
		delete(d.pending, reqID)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Warn("no pending request for response", zap.String("agent_id", agentID), zap.String("envelope_id", resp.ID))
		return
	}
	pr.timer.Stop()
	pr.resultC <- resp
	close(pr.resultC)
}

// AddObserver registers a dashboard observer and immediately sends it the
// current online set.
func (d *Dispatcher) AddObserver(o Observer) {
	d.mu.Lock()
	d.observers[o] = true
	d.mu.Unlock()
	d.sendStatusTo(o)
}

// RemoveObserver unregisters a dashboard observer.
func (d *Dispatcher) RemoveObserver(o Observer) {
	d.mu.Lock()
	delete(d.observers, o)
	d.mu.Unlock()
}

type agentStatusMessage struct {
	Type           string            `json:"type"`
	OnlineAgentIDs []string          `json:"onlineAgentIds"`
	OnlineAgents   []onlineAgentItem `json:"onlineAgents"`
}

type onlineAgentItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (d *Dispatcher) statusMessage() agentStatusMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	msg := agentStatusMessage{Type: "agent.status"}
	for id, info := range d.byAgentID {
		msg.OnlineAgentIDs = append(msg.OnlineAgentIDs, id)
		msg.OnlineAgents = append(msg.OnlineAgents, onlineAgentItem{ID: id, Name: info.Name})
	}
	return msg
}

const agentStatusSubject = "sonde.agent.status"

func (d *Dispatcher) broadcastStatus() {
	msg := d.statusMessage()
	d.mu.Lock()
	observers := make([]Observer, 0, len(d.observers))
	for o := range d.observers {
		observers = append(observers, o)
	}
	publisher := d.eventPublisher
	d.mu.Unlock()

	for _, o := range observers {
		if err := o.SendJSON(msg); err != nil {
			d.logger.Debug("dropping slow dashboard observer", zap.Error(err))
			d.RemoveObserver(o)
		}
	}

	if publisher != nil {
		if err := publisher.Publish(agentStatusSubject, msg); err != nil {
			d.logger.Debug("failed to publish agent status event", zap.Error(err))
		}
	}
}

func (d *Dispatcher) sendStatusTo(o Observer) {
	_ = o.SendJSON(d.statusMessage())
}

// OnlineCount returns the number of agents currently registered.
func (d *Dispatcher) OnlineCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byAgentID)
}

// IsOnline reports whether nameOrID currently resolves to a registered agent.
func (d *Dispatcher) IsOnline(nameOrID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.resolve(nameOrID)
	return ok
}

// ListOnline returns the currently registered agents, by id.
func (d *Dispatcher) ListOnline() []AgentInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]AgentInfo, 0, len(d.byAgentID))
	for _, info := range d.byAgentID {
		out = append(out, *info)
	}
	return out
}
