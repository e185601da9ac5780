// Package connection implements the agent's side of the transport: dialing
// the hub, registering, heartbeating, and dispatching inbound probe
// requests to the Executor, reconnecting with backoff on any failure
// (§4.8).
package connection

import (
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sonde-hub/sonde/internal/agent/executor"
	"github.com/sonde-hub/sonde/internal/agent/localstate"
	"github.com/sonde-hub/sonde/internal/agent/packs"
	"github.com/sonde-hub/sonde/internal/obslog"
	"github.com/sonde-hub/sonde/pkg/envelope"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	heartbeatInterval = 30 * time.Second
	registerTimeout   = 15 * time.Second
	writeWait         = 10 * time.Second
)

// State is the agent connection's position in its state machine (§4.8).
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateRegistered   State = "registered"
	StateDisconnected State = "disconnected"
)

// Config holds everything Manager needs to dial and register with the hub.
type Config struct {
	HubURL       string
	AgentName    string
	OS           string
	AgentVersion string
	StateDir     string

	// AttestationFunc optionally computes an attestation payload (e.g. a
	// binary hash) sent with every registration (§4.3).
	AttestationFunc func() (json.RawMessage, error)
}

// Manager owns the single WebSocket connection to the hub and drives the
// register -> heartbeat -> probe-dispatch loop (§4.8).
type Manager struct {
	cfg      Config
	registry *packs.Registry
	executor *executor.Executor
	log      *obslog.Logger

	mu      sync.Mutex
	state   State
	agentID string
	privKey *ecdsa.PrivateKey

	writeMu sync.Mutex
}

// New constructs a Manager.
func New(cfg Config, reg *packs.Registry, exec *executor.Executor, log *obslog.Logger) *Manager {
	return &Manager{cfg: cfg, registry: reg, executor: exec, log: log, state: StateIdle}
}

// State reports the manager's current position in the connection state
// machine.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AgentID returns the hub-assigned agent id, once registered.
func (m *Manager) AgentID() string {
	return m.currentAgentID()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) currentAgentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agentID
}

// Run drives the reconnect loop until ctx is cancelled: connect, run until
// the connection fails, back off, retry (§4.8).
func (m *Manager) Run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		m.setState(StateConnecting)
		err := m.connect(ctx)
		if ctx.Err() != nil {
			return
		}

		m.setState(StateDisconnected)
		if err != nil {
			m.log.Warn("hub connection lost", zap.Error(err))
			attempt++
		} else {
			attempt = 0
		}

		select {
		case <-time.After(nextBackoff(attempt)):
		case <-ctx.Done():
			return
		}
	}
}

// nextBackoff implements the deterministic min(1s*2^attempts, 60s) schedule
// (§4.8); no jitter, since the hub does not fan out reconnect storms the
// way a large agent fleet reconnecting off one outage would.
func nextBackoff(attempt int) time.Duration {
	d := backoffInitial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	return d
}

func wsURL(hubURL string) string {
	u := strings.Replace(hubURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/ws/agent"
}

func (m *Manager) connect(ctx context.Context) error {
	st, err := localstate.Load(m.cfg.StateDir)
	if err != nil {
		return err
	}

	dialer, header, err := m.buildDialer(st)
	if err != nil {
		return err
	}

	conn, _, err := dialer.DialContext(ctx, wsURL(m.cfg.HubURL), header)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	defer conn.Close()

	if m.privKey == nil && st.KeyPath != "" {
		if key, kerr := loadECDSAKey(st.KeyPath); kerr == nil {
			m.privKey = key
		}
	}

	st, err = m.register(conn, st)
	if err != nil {
		return err
	}
	m.setState(StateRegistered)
	m.log.Info("registered with hub", zap.String("agent_id", st.AgentID))

	errC := make(chan error, 2)
	stopC := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(stopC) }) }

	go func() { errC <- m.heartbeatLoop(ctx, conn, stopC) }()
	go func() { errC <- m.readLoop(ctx, conn) }()

	// Return on the first failure; the deferred conn.Close() above unblocks
	// whichever loop is still running so it exits without leaking.
	err = <-errC
	stop()
	return err
}

func (m *Manager) buildDialer(st localstate.State) (*websocket.Dialer, map[string][]string, error) {
	header := map[string][]string{}
	if st.APIKey != "" {
		header["Authorization"] = []string{"Bearer " + st.APIKey}
	}

	if st.CertPath == "" || st.KeyPath == "" {
		return websocket.DefaultDialer, header, nil
	}

	cert, err := tls.LoadX509KeyPair(st.CertPath, st.KeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load client certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if st.CACertPath != "" {
		if caPEM, rerr := os.ReadFile(st.CACertPath); rerr == nil {
			pool.AppendCertsFromPEM(caPEM)
		}
	}

	return &websocket.Dialer{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
		},
	}, header, nil
}

type registerPackStatus struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

type registerPayload struct {
	Name            string               `json:"name"`
	OS              string               `json:"os"`
	Version         string               `json:"version"`
	Packs           []registerPackStatus `json:"packs"`
	EnrollmentToken string               `json:"enrollmentToken,omitempty"`
	Attestation     json.RawMessage      `json:"attestation,omitempty"`
}

type ackPayload struct {
	AgentID   string `json:"agentId"`
	Error     string `json:"error,omitempty"`
	CertPEM   string `json:"certPem,omitempty"`
	KeyPEM    string `json:"keyPem,omitempty"`
	CACertPEM string `json:"caCertPem,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
}

// register sends agent.register and waits for the correlated hub.ack,
// persisting whatever identity material the hub returns (§4.3, §4.8).
func (m *Manager) register(conn *websocket.Conn, st localstate.State) (localstate.State, error) {
	manifests := m.registry.Manifests()
	packsList := make([]registerPackStatus, 0, len(manifests))
	for _, man := range manifests {
		packsList = append(packsList, registerPackStatus{Name: man.Name, Version: man.Version, Status: "active"})
	}

	var attestation json.RawMessage
	if m.cfg.AttestationFunc != nil {
		if a, aerr := m.cfg.AttestationFunc(); aerr == nil {
			attestation = a
		}
	}

	// Until the first ack assigns an agent id, the stored credential is the
	// enrollment token; afterwards it is the minted API key, which is sent
	// only as the bearer credential.
	var enrollmentToken string
	if st.AgentID == "" {
		enrollmentToken = st.APIKey
	}

	payload := registerPayload{
		Name:            m.cfg.AgentName,
		OS:              m.cfg.OS,
		Version:         m.cfg.AgentVersion,
		Packs:           packsList,
		EnrollmentToken: enrollmentToken,
		Attestation:     attestation,
	}

	env, err := envelope.New(envelope.TypeAgentRegister, st.AgentID, payload)
	if err != nil {
		return st, fmt.Errorf("build register envelope: %w", err)
	}
	if err := m.writeEnvelope(conn, env); err != nil {
		return st, fmt.Errorf("send register: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(registerTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return st, fmt.Errorf("read ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	ackEnv, err := envelope.Decode(raw)
	if err != nil {
		return st, fmt.Errorf("decode ack: %w", err)
	}
	if ackEnv.Type != envelope.TypeHubAck {
		return st, fmt.Errorf("expected hub.ack, got %s", ackEnv.Type)
	}

	var ack ackPayload
	if err := ackEnv.ParsePayload(&ack); err != nil {
		return st, fmt.Errorf("parse ack: %w", err)
	}
	if ack.Error != "" {
		return st, fmt.Errorf("registration rejected: %s", ack.Error)
	}

	m.mu.Lock()
	m.agentID = ack.AgentID
	m.mu.Unlock()

	return m.persistAck(st, ack)
}

func (m *Manager) persistAck(st localstate.State, ack ackPayload) (localstate.State, error) {
	st.HubURL = m.cfg.HubURL
	st.AgentName = m.cfg.AgentName
	st.AgentID = ack.AgentID
	if ack.APIKey != "" {
		st.APIKey = ack.APIKey
	}

	if ack.CertPEM != "" {
		path := filepath.Join(m.cfg.StateDir, "agent.crt")
		if err := os.WriteFile(path, []byte(ack.CertPEM), 0o600); err != nil {
			return st, fmt.Errorf("persist cert: %w", err)
		}
		st.CertPath = path
	}
	if ack.KeyPEM != "" {
		path := filepath.Join(m.cfg.StateDir, "agent.key")
		if err := os.WriteFile(path, []byte(ack.KeyPEM), 0o600); err != nil {
			return st, fmt.Errorf("persist key: %w", err)
		}
		st.KeyPath = path
		if key, err := loadECDSAKey(path); err == nil {
			m.privKey = key
		}
	}
	if ack.CACertPEM != "" {
		path := filepath.Join(m.cfg.StateDir, "hub-ca.crt")
		if err := os.WriteFile(path, []byte(ack.CACertPEM), 0o600); err != nil {
			return st, fmt.Errorf("persist ca cert: %w", err)
		}
		st.CACertPath = path
	}

	if err := localstate.Save(m.cfg.StateDir, st); err != nil {
		return st, fmt.Errorf("save local state: %w", err)
	}
	return st, nil
}

func loadECDSAKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode pem: no block found")
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := keyAny.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not ECDSA")
	}
	return key, nil
}

func (m *Manager) writeEnvelope(conn *websocket.Conn, env *envelope.Envelope) error {
	if m.privKey != nil {
		if err := env.Sign(m.privKey); err != nil {
			return fmt.Errorf("sign envelope: %w", err)
		}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (m *Manager) heartbeatLoop(ctx context.Context, conn *websocket.Conn, stopC <-chan struct{}) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			env, err := envelope.New(envelope.TypeAgentHeartbeat, m.currentAgentID(), map[string]interface{}{})
			if err != nil {
				return err
			}
			if err := m.writeEnvelope(conn, env); err != nil {
				return err
			}
		case <-stopC:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

type probeRequestPayload struct {
	RequestID string          `json:"requestId"`
	Probe     string          `json:"probe"`
	Params    json.RawMessage `json:"params"`
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		env, err := envelope.Decode(raw)
		if err != nil {
			m.log.Warn("invalid envelope from hub", zap.Error(err))
			continue
		}

		switch env.Type {
		case envelope.TypeProbeRequest:
			go m.handleProbeRequest(ctx, conn, env)
		case envelope.TypeHubUpdateAvail:
			m.log.Info("hub reports a newer agent version is available")
		default:
			m.log.Debug("unhandled envelope type from hub", zap.String("type", string(env.Type)))
		}
	}
}

func (m *Manager) handleProbeRequest(ctx context.Context, conn *websocket.Conn, env *envelope.Envelope) {
	var req probeRequestPayload
	if err := env.ParsePayload(&req); err != nil {
		m.log.Warn("malformed probe request", zap.Error(err))
		return
	}

	start := time.Now()
	result, err := m.executor.Execute(ctx, req.Probe, req.Params)
	duration := time.Since(start).Milliseconds()

	var respEnv *envelope.Envelope
	if err != nil {
		respEnv, _ = envelope.New(envelope.TypeProbeError, m.currentAgentID(), map[string]interface{}{
			"probe":      req.Probe,
			"status":     "error",
			"data":       map[string]interface{}{"error": err.Error()},
			"durationMs": duration,
			"requestId":  req.RequestID,
		})
	} else {
		respEnv, _ = envelope.New(envelope.TypeProbeResponse, m.currentAgentID(), map[string]interface{}{
			"probe":      req.Probe,
			"status":     "success",
			"data":       result.Data,
			"durationMs": duration,
			"requestId":  req.RequestID,
			"metadata":   result.Metadata,
		})
	}
	respEnv.ID = req.RequestID

	if err := m.writeEnvelope(conn, respEnv); err != nil {
		m.log.Warn("failed to send probe response", zap.Error(err))
	}
}
