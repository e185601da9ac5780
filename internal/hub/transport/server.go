package transport

import (
	"context"
	"crypto/x509"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sonde-hub/sonde/internal/hub/dispatcher"
	"github.com/sonde-hub/sonde/internal/hub/identity"
	"github.com/sonde-hub/sonde/internal/obslog"
	"github.com/sonde-hub/sonde/pkg/envelope"
)

// DashboardSessionValidator checks a dashboard session cookie value. The
// real session manager lives outside the core (Non-goals: dashboards, SSO);
// this hook lets it be wired in without the core depending on it.
type DashboardSessionValidator func(cookieValue string) bool

// ProbeResponseHandler is invoked for every inbound probe.response/error
// envelope, after dispatch to the pending-request table.
type ProbeResponseHandler func(agentID string, env envelope.Envelope)

// RegisterHandler is invoked for every inbound agent.register envelope and
// must return the hub.ack payload to send back. bearer is the credential
// presented at upgrade time, passed through so it can serve as the
// enrollment token when the payload omits one (§4.3).
type RegisterHandler func(ctx context.Context, env *envelope.Envelope, bearer string, sock interface{ Send(*envelope.Envelope) error }) (*identity.AckPayload, error)

// Server hosts the agent and dashboard upgrade paths.
type Server struct {
	dispatcher  *dispatcher.Dispatcher
	identity    *identity.Service
	ca          *x509.CertPool
	sessionOK   DashboardSessionValidator
	onRegister  RegisterHandler
	onHeartbeat func(agentID string)
	onProbeResp func(agentID string, env envelope.Envelope)
	log         *obslog.Logger

	upgrader gorillaws.Upgrader
}

// NewServer constructs a Server. caPool may be nil if no CA is configured
// (client-certificate auth is then never accepted).
func NewServer(d *dispatcher.Dispatcher, ident *identity.Service, caPool *x509.CertPool, log *obslog.Logger) *Server {
	return &Server{
		dispatcher: d,
		identity:   ident,
		ca:         caPool,
		sessionOK:  func(string) bool { return false },
		log:        log,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetDashboardSessionValidator wires in the out-of-core session check.
func (s *Server) SetDashboardSessionValidator(v DashboardSessionValidator) { s.sessionOK = v }

// SetRegisterHandler wires in the identity registration flow.
func (s *Server) SetRegisterHandler(h RegisterHandler) { s.onRegister = h }

// SetHeartbeatHandler wires in the heartbeat bookkeeping callback.
func (s *Server) SetHeartbeatHandler(h func(agentID string)) { s.onHeartbeat = h }

// SetProbeResponseHandler wires in the probe.response/probe.error callback.
func (s *Server) SetProbeResponseHandler(h func(agentID string, env envelope.Envelope)) {
	s.onProbeResp = h
}

// RegisterRoutes mounts /ws/agent and /ws/dashboard on r.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws/agent", s.handleAgentUpgrade)
	r.GET("/ws/dashboard", s.handleDashboardUpgrade)
}

func (s *Server) handleDashboardUpgrade(c *gin.Context) {
	cookie, err := c.Request.Cookie("sonde_session")
	if err != nil || !s.sessionOK(cookie.Value) {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("dashboard upgrade failed", zap.Error(err))
		return
	}
	sock := newSocket(conn)
	s.dispatcher.AddObserver(sock)

	stopC := make(chan struct{})
	go sock.keepalive(stopC)
	defer close(stopC)
	defer s.dispatcher.RemoveObserver(sock)
	defer sock.close()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) authenticateAgent(c *gin.Context) bool {
	if s.ca != nil && c.Request.TLS != nil {
		for _, cert := range c.Request.TLS.PeerCertificates {
			if _, err := cert.Verify(x509.VerifyOptions{Roots: s.ca, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}}); err == nil {
				return true
			}
		}
	}

	bearer := bearerToken(c.Request)
	return s.identity.Authenticate(c.Request.Context(), bearer)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func (s *Server) handleAgentUpgrade(c *gin.Context) {
	if !s.authenticateAgent(c) {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("agent upgrade failed", zap.Error(err))
		return
	}
	sock := newSocket(conn)

	bearer := bearerToken(c.Request)

	var boundAgentID string
	stopC := make(chan struct{})
	go sock.keepalive(stopC)

	defer func() {
		close(stopC)
		if boundAgentID != "" {
			s.dispatcher.RemoveBySocket(sock)
		}
		sock.close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := envelope.Decode(raw)
		if err != nil {
			_ = sock.writeRaw([]byte(`{"error":"Invalid message format"}`))
			continue
		}

		if env.AgentID != "" && boundAgentID != "" && env.AgentID != boundAgentID {
			s.log.Warn("agent id mismatch on socket", zap.String("bound", boundAgentID), zap.String("claimed", env.AgentID))
			_ = sock.writeRaw([]byte(`{"error":"Agent ID mismatch"}`))
			continue
		}

		if env.AgentID != "" {
			ok, hasCert, err := s.identity.VerifySignature(c.Request.Context(), env.AgentID, env)
			if err != nil {
				s.log.Warn("signature verification error", zap.Error(err))
			}
			if hasCert && !ok {
				_ = sock.writeRaw([]byte(`{"error":"Invalid signature"}`))
				continue
			}
		}

		switch env.Type {
		case envelope.TypeAgentRegister:
			if s.onRegister == nil {
				continue
			}
			ack, err := s.onRegister(c.Request.Context(), env, bearer, sock)
			if err != nil {
				s.log.Error("registration failed", zap.Error(err))
				continue
			}
			if ack.AgentID != "" {
				boundAgentID = ack.AgentID
			}
			ackEnv, _ := envelope.New(envelope.TypeHubAck, boundAgentID, ack)
			_ = sock.Send(ackEnv)

		case envelope.TypeAgentHeartbeat:
			if boundAgentID != "" && s.onHeartbeat != nil {
				s.onHeartbeat(boundAgentID)
			}

		case envelope.TypeProbeResponse, envelope.TypeProbeError:
			if boundAgentID != "" && s.onProbeResp != nil {
				s.onProbeResp(boundAgentID, *env)
			}

		default:
			s.log.Debug("unhandled envelope type", zap.String("type", string(env.Type)))
		}
	}
}

// RegisterWithDispatcher is a helper exposed for cmd/sonde-hub's wiring code:
// once identity.Register resolves an agent id, the hub must bind the socket
// into the Dispatcher for probe routing.
func RegisterWithDispatcher(d *dispatcher.Dispatcher, agentID, name string, sock interface{ Send(*envelope.Envelope) error }) {
	d.Register(agentID, name, sock)
}
