package call

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ross-commits/talk-to-claude/pkg/carrier"
	"github.com/ross-commits/talk-to-claude/pkg/env"
	apperrors "github.com/ross-commits/talk-to-claude/pkg/errors"
	"github.com/ross-commits/talk-to-claude/pkg/metrics"
	"github.com/ross-commits/talk-to-claude/pkg/middleware"
	"github.com/ross-commits/talk-to-claude/pkg/otel"
	"github.com/ross-commits/talk-to-claude/pkg/tools"
)

// Manager owns every live session and the HTTP surface the carrier
// talks to. Driver commands address the current call; webhook and media
// socket traffic is routed to sessions by call ref and stream token.
type Manager struct {
	cfg        *env.Config
	carrier    carrier.Carrier
	registry   *tools.Registry
	httpClient *http.Client
	logger     *zap.Logger
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	current  *Session // the call driver commands address
}

func NewManager(cfg *env.Config, cr carrier.Carrier, registry *tools.Registry, httpClient *http.Client, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		carrier:    cr,
		registry:   registry,
		httpClient: httpClient,
		logger:     logger,
		sessions:   make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The carrier's media service connects server-to-server with
			// no browser origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Initiate places a new outbound call, speaks the initial message once
// media is ready, and returns the call id with the user's first reply.
// Only one call may be live at a time.
func (m *Manager) Initiate(ctx context.Context, initialMessage string) (callID, reply string, err error) {
	m.mu.Lock()
	if m.current != nil && !m.current.HungUp() {
		m.mu.Unlock()
		return "", "", fmt.Errorf("a call is already in progress (session %s)", m.current.ID)
	}

	s, err := newSession(m.cfg, m.carrier, m.registry, m.logger)
	if err != nil {
		m.mu.Unlock()
		return "", "", err
	}
	switch m.cfg.VoiceBackend {
	case env.BackendUnified:
		s.backend = newUnifiedBackend(s)
	default:
		s.backend = newSplitBackend(s, m.httpClient)
	}
	s.onRemove = m.remove
	m.sessions[s.ID] = s
	m.current = s
	m.mu.Unlock()

	m.logger.Info("initiating call", zap.String("call_id", s.ID))
	reply, err = s.Start(ctx, initialMessage)
	if err != nil {
		return "", "", err
	}
	return s.ID, reply, nil
}

// Continue speaks a message on the addressed call and waits for the
// user's reply.
func (m *Manager) Continue(ctx context.Context, callID, message string) (string, error) {
	s, err := m.session(callID)
	if err != nil {
		return "", err
	}
	return s.Inject(ctx, message)
}

// Speak says a message on the addressed call without waiting for a reply.
func (m *Manager) Speak(ctx context.Context, callID, message string) error {
	s, err := m.session(callID)
	if err != nil {
		return err
	}
	return s.Speak(ctx, message)
}

// End speaks an optional goodbye and hangs up the addressed call.
func (m *Manager) End(ctx context.Context, callID, message string) error {
	s, err := m.session(callID)
	if err != nil {
		return err
	}
	return s.End(ctx, message)
}

// session resolves a driver call id. An empty id addresses the current
// call so a driver tracking a single conversation can omit it.
func (m *Manager) session(callID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if callID == "" {
		if m.current == nil {
			return nil, apperrors.ErrSessionNotFound
		}
		return m.current, nil
	}
	s, ok := m.sessions[callID]
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}
	return s, nil
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	if m.current == s {
		m.current = nil
	}
	m.mu.Unlock()
}

// ActiveCalls reports the number of live sessions.
func (m *Manager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown ends every live session, bounded by the context.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range live {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.End(ctx, ""); err != nil {
				m.logger.Warn("shutdown end failed", zap.String("call_id", s.ID), zap.Error(err))
			}
		}(s)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown grace expired with sessions still closing")
	}
}

// Router builds the HTTP surface: carrier webhooks, the media socket
// upgrade, health and metrics.
func (m *Manager) Router() *gin.Engine {
	if m.cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceMiddleware())
	if m.cfg.OTELEnabled {
		router.Use(otel.GinMiddleware())
	}
	router.Use(cors.Default())

	router.POST("/twiml", m.handleWebhook)
	router.POST("/sms", m.handleSMS)
	router.GET("/media-stream", m.handleMediaStream)
	router.GET("/health", m.handleHealth)
	router.GET("/metrics", m.handleMetrics)

	return router
}

// handleWebhook authenticates, normalizes and routes a carrier status
// callback. An answered call gets the connect directive back so the
// carrier opens the media socket.
func (m *Manager) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		apperrors.BadRequest(c, "unreadable body")
		return
	}

	var form url.Values
	if strings.HasPrefix(c.ContentType(), "application/x-www-form-urlencoded") {
		form, err = url.ParseQuery(string(body))
		if err != nil {
			apperrors.BadRequest(c, "malformed form body")
			return
		}
	}

	if m.cfg.TrustWithoutSignature {
		// Tunneled deployments rewrite the public URL, which breaks
		// signature reconstruction. Every bypass is visible.
		m.logger.Warn("webhook signature check bypassed",
			zap.String("remote", c.ClientIP()),
		)
		metrics.AuthBypass()
	} else if err := m.carrier.VerifyWebhook(c.Request, body, form); err != nil {
		metrics.WebhookAuth(false)
		m.logger.Warn("webhook rejected", zap.Error(err))
		apperrors.Unauthorized(c, "signature verification failed")
		return
	} else {
		metrics.WebhookAuth(true)
	}

	ev, err := m.carrier.ParseWebhook(body, form)
	if err != nil {
		apperrors.BadRequest(c, "unparseable webhook")
		return
	}

	s := m.sessionForCallRef(ev.CallRef)
	if s == nil {
		m.logger.Debug("webhook for unknown call",
			zap.String("call_ref", ev.CallRef),
			zap.String("kind", ev.Kind),
		)
		c.Status(http.StatusOK)
		return
	}
	s.HandleCarrierEvent(ev)

	// Ringing and answered both get the connect directive: some carriers
	// fetch the call instructions while still ringing.
	if ev.Kind == carrier.EventRinging || ev.Kind == carrier.EventAnswered {
		wsURL := m.cfg.WSURL + "/media-stream?token=" + s.wsToken
		directive, contentType := m.carrier.ConnectDirective(wsURL)
		c.Data(http.StatusOK, contentType, directive)
		return
	}
	c.Status(http.StatusOK)
}

// sessionForCallRef finds the session owning a carrier call ref. An
// event racing ahead of the originate response falls back to the
// current session still waiting on its ref.
func (m *Manager) sessionForCallRef(callRef string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if ref := s.CarrierCallRef(); ref != "" && ref == callRef {
			return s
		}
	}
	if m.current != nil && m.current.CarrierCallRef() == "" {
		return m.current
	}
	return nil
}

// handleSMS acknowledges inbound SMS webhooks; messaging is not part of
// the call surface.
func (m *Manager) handleSMS(c *gin.Context) {
	c.Status(http.StatusOK)
}

// handleMediaStream upgrades the carrier's media connection. The
// single-use stream token pins the socket to its session; tokenless
// connects are honored only when signature trust is already off.
func (m *Manager) handleMediaStream(c *gin.Context) {
	token := c.Query("token")

	var target *Session
	if token != "" {
		target = m.sessionForToken(token)
	} else if m.cfg.TrustWithoutSignature {
		m.logger.Warn("tokenless media connect accepted", zap.String("remote", c.ClientIP()))
		metrics.AuthBypass()
		target = m.mostRecentUnbound()
	}
	if target == nil {
		apperrors.Unauthorized(c, "invalid stream token")
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Error("media socket upgrade failed", zap.Error(err))
		return
	}
	m.logger.Info("media socket connected", zap.String("call_id", target.ID))
	target.BindMediaSocket(conn)
}

func (m *Manager) sessionForToken(token string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.claimToken(token) {
			return s
		}
	}
	return nil
}

func (m *Manager) mostRecentUnbound() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Session
	for _, s := range m.sessions {
		if s.media.bound() {
			continue
		}
		if latest == nil || s.createdAt.After(latest.createdAt) {
			latest = s
		}
	}
	return latest
}

func (m *Manager) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"activeCalls": m.ActiveCalls(),
		"carrier":     m.carrier.Name(),
		"backend":     m.cfg.VoiceBackend,
		"time":        time.Now().UTC().Format(time.RFC3339),
	})
}

func (m *Manager) handleMetrics(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; version=0.0.4", []byte(metrics.GetPrometheusMetrics()))
}
