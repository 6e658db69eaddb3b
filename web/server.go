// Package web exposes the HTTP API: authentication, chat sessions, tool
// catalog, status, dashboard, and admin configuration.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kestrelsec/watchtower"
	"github.com/kestrelsec/watchtower/archive"
	"github.com/kestrelsec/watchtower/bridge"
	"github.com/kestrelsec/watchtower/internal/config"
)

// SessionStore is the slice of the session store the API uses. Both the
// sqlite and postgres stores satisfy it.
type SessionStore interface {
	CreateUser(ctx context.Context, username, email, password, displayName string) (watchtower.User, error)
	Authenticate(ctx context.Context, username, password string) (watchtower.User, error)
	CreateToken(ctx context.Context, userID string) (string, error)
	UserForToken(ctx context.Context, token string) (watchtower.User, error)
	DeleteToken(ctx context.Context, token string) error

	CreateSession(ctx context.Context, userID, title string) (watchtower.Session, error)
	GetSession(ctx context.Context, id string) (watchtower.Session, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]watchtower.Session, error)
	RenameSession(ctx context.Context, id, title string) error
	DeleteSession(ctx context.Context, id string) error
	Messages(ctx context.Context, sessionID string) ([]watchtower.StoredMessage, error)
}

// Chatter runs one user turn against a session.
type Chatter interface {
	Run(ctx context.Context, sessionID, userText string) (bridge.Reply, error)
}

// ToolLister reports the advertised tool catalog.
type ToolLister interface {
	ListTools(ctx context.Context) ([]watchtower.ToolDefinition, error)
}

// Archive is the read-only slice of the event archive the API reports on.
type Archive interface {
	TotalCount(ctx context.Context) (int64, error)
	Watermark(ctx context.Context) (watchtower.Watermark, error)
	RecentEvents(ctx context.Context, window time.Duration, minLevel, limit int) ([]watchtower.Event, error)
	AgentStats(ctx context.Context) ([]archive.AgentStat, error)
	RuleStats(ctx context.Context, limit int) ([]archive.RuleStat, error)
}

// IndexStatus reports semantic index readiness.
type IndexStatus interface {
	Ready() bool
}

// Subscribers reports the alert fan-out size.
type Subscribers interface {
	SubscriberCount() int
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets a structured logger for the API.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithIndexStatus attaches the semantic index readiness probe.
func WithIndexStatus(ix IndexStatus) ServerOption {
	return func(s *Server) { s.index = ix }
}

// WithSubscribers attaches the alert subscriber counter.
func WithSubscribers(sub Subscribers) ServerOption {
	return func(s *Server) { s.subs = sub }
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	store   SessionStore
	chat    Chatter
	tools   ToolLister
	archive Archive
	cfg     *config.Handle
	index   IndexStatus
	subs    Subscribers
	logger  *slog.Logger
	started time.Time
}

// NewServer wires the API over its dependencies. chat, tools, and archive
// may be nil in reduced deployments; the corresponding endpoints then report
// upstream_unavailable.
func NewServer(store SessionStore, chat Chatter, tools ToolLister, archive Archive, cfg *config.Handle, opts ...ServerOption) *Server {
	s := &Server{
		store:   store,
		chat:    chat,
		tools:   tools,
		archive: archive,
		cfg:     cfg,
		logger:  watchtower.NopLogger,
		started: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.register)
			auth.POST("/login", s.login)
			auth.POST("/logout", s.requireUser, s.logout)
		}

		sessions := api.Group("/sessions", s.requireUser)
		{
			sessions.GET("", s.listSessions)
			sessions.POST("", s.createSession)
			sessions.GET("/:id", s.getSession)
			sessions.PATCH("/:id", s.renameSession)
			sessions.DELETE("/:id", s.deleteSession)
			sessions.POST("/:id/chat", s.chatTurn)
		}

		api.GET("/tools", s.requireUser, s.listTools)
		api.GET("/status", s.requireUser, s.status)
		api.GET("/dashboard", s.requireUser, s.dashboard)

		admin := api.Group("/admin", s.requireUser, s.requireAdmin)
		{
			admin.GET("/config", s.getConfig)
			admin.PUT("/config", s.putConfig)
		}
	}
	return r
}

const userKey = "watchtower.user"
const tokenKey = "watchtower.token"

// requireUser resolves the bearer token into a user or aborts with 401.
func (s *Server) requireUser(c *gin.Context) {
	token := bearerToken(c.GetHeader("Authorization"))
	if token == "" {
		abortError(c, watchtower.E(watchtower.KindAuthFailed, "web.auth", "missing bearer token", nil))
		return
	}
	user, err := s.store.UserForToken(c.Request.Context(), token)
	if err != nil {
		abortError(c, err)
		return
	}
	c.Set(userKey, user)
	c.Set(tokenKey, token)
	c.Next()
}

func (s *Server) requireAdmin(c *gin.Context) {
	if !currentUser(c).Admin {
		abortError(c, watchtower.E(watchtower.KindAuthFailed, "web.auth", "admin access required", nil))
		return
	}
	c.Next()
}

func currentUser(c *gin.Context) watchtower.User {
	u, _ := c.Get(userKey)
	user, _ := u.(watchtower.User)
	return user
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// errorBody is the JSON error envelope. Internal detail never leaves the
// process; the message is the safe, user-facing part.
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func statusFor(kind watchtower.Kind) int {
	switch kind {
	case watchtower.KindBadInput:
		return http.StatusBadRequest
	case watchtower.KindAuthFailed:
		return http.StatusUnauthorized
	case watchtower.KindNotFound:
		return http.StatusNotFound
	case watchtower.KindConflict:
		return http.StatusConflict
	case watchtower.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortError(c *gin.Context, err error) {
	kind := watchtower.KindOf(err)
	var body errorBody
	body.Error.Kind = kind.String()
	if kind == watchtower.KindInternal || kind == watchtower.KindConfigMissing {
		body.Error.Message = "internal error"
	} else {
		body.Error.Message = err.Error()
	}
	c.AbortWithStatusJSON(statusFor(kind), body)
}
