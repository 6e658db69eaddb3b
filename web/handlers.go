package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kestrelsec/watchtower"
	"github.com/kestrelsec/watchtower/internal/config"
)

// --- auth ---

type registerRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, watchtower.E(watchtower.KindBadInput, "web.register", "invalid request body", err))
		return
	}
	user, err := s.store.CreateUser(c.Request.Context(), req.Username, req.Email, req.Password, req.DisplayName)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, watchtower.E(watchtower.KindBadInput, "web.login", "invalid request body", err))
		return
	}
	user, err := s.store.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		abortError(c, err)
		return
	}
	token, err := s.store.CreateToken(c.Request.Context(), user.ID)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

func (s *Server) logout(c *gin.Context) {
	token := c.GetString(tokenKey)
	if err := s.store.DeleteToken(c.Request.Context(), token); err != nil {
		abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- sessions ---

func (s *Server) listSessions(c *gin.Context) {
	user := currentUser(c)
	sessions, err := s.store.ListSessions(c.Request.Context(), user.ID, 0)
	if err != nil {
		abortError(c, err)
		return
	}
	if sessions == nil {
		sessions = []watchtower.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

type createSessionRequest struct {
	Title string `json:"title"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, watchtower.E(watchtower.KindBadInput, "web.sessions", "invalid request body", err))
		return
	}
	if req.Title == "" {
		req.Title = "New conversation"
	}
	sess, err := s.store.CreateSession(c.Request.Context(), currentUser(c).ID, req.Title)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// ownedSession loads the session and checks ownership. A session belonging
// to another user reports not_found rather than leaking its existence.
func (s *Server) ownedSession(c *gin.Context) (watchtower.Session, bool) {
	sess, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortError(c, err)
		return watchtower.Session{}, false
	}
	if sess.UserID != currentUser(c).ID {
		abortError(c, watchtower.E(watchtower.KindNotFound, "web.sessions", "session not found", nil))
		return watchtower.Session{}, false
	}
	return sess, true
}

func (s *Server) getSession(c *gin.Context) {
	sess, ok := s.ownedSession(c)
	if !ok {
		return
	}
	msgs, err := s.store.Messages(c.Request.Context(), sess.ID)
	if err != nil {
		abortError(c, err)
		return
	}
	if msgs == nil {
		msgs = []watchtower.StoredMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "messages": msgs})
}

type renameSessionRequest struct {
	Title string `json:"title"`
}

func (s *Server) renameSession(c *gin.Context) {
	sess, ok := s.ownedSession(c)
	if !ok {
		return
	}
	var req renameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Title == "" {
		abortError(c, watchtower.E(watchtower.KindBadInput, "web.sessions", "title is required", err))
		return
	}
	if err := s.store.RenameSession(c.Request.Context(), sess.ID, req.Title); err != nil {
		abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteSession(c *gin.Context) {
	sess, ok := s.ownedSession(c)
	if !ok {
		return
	}
	if err := s.store.DeleteSession(c.Request.Context(), sess.ID); err != nil {
		abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- chat ---

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) chatTurn(c *gin.Context) {
	sess, ok := s.ownedSession(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Message == "" {
		abortError(c, watchtower.E(watchtower.KindBadInput, "web.chat", "message is required", err))
		return
	}
	if s.chat == nil {
		abortError(c, watchtower.E(watchtower.KindUpstreamUnavailable, "web.chat", "chat is not available", nil))
		return
	}
	reply, err := s.chat.Run(c.Request.Context(), sess.ID, req.Message)
	if err != nil {
		s.logger.Warn("chat turn failed", "session", sess.ID, "error", err)
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply.Text, "thinking": reply.Thinking})
}

// --- tools / status / dashboard ---

func (s *Server) listTools(c *gin.Context) {
	if s.tools == nil {
		abortError(c, watchtower.E(watchtower.KindUpstreamUnavailable, "web.tools", "tool server is not available", nil))
		return
	}
	defs, err := s.tools.ListTools(c.Request.Context())
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tools": defs})
}

func (s *Server) status(c *gin.Context) {
	out := gin.H{"uptime_seconds": int64(time.Since(s.started).Seconds())}
	if s.archive != nil {
		if total, err := s.archive.TotalCount(c.Request.Context()); err == nil {
			out["total_events"] = total
		}
		if wm, err := s.archive.Watermark(c.Request.Context()); err == nil {
			out["watermark"] = wm
		}
	}
	if s.index != nil {
		out["semantic_index_ready"] = s.index.Ready()
	}
	if s.subs != nil {
		out["alert_subscribers"] = s.subs.SubscriberCount()
	}
	c.JSON(http.StatusOK, out)
}

const dashboardWindow = 24 * time.Hour
const dashboardSample = 1000

func (s *Server) dashboard(c *gin.Context) {
	if s.archive == nil {
		abortError(c, watchtower.E(watchtower.KindUpstreamUnavailable, "web.dashboard", "archive is not available", nil))
		return
	}
	ctx := c.Request.Context()
	cfg := s.cfg.Current()

	events, err := s.archive.RecentEvents(ctx, dashboardWindow, 0, dashboardSample)
	if err != nil {
		abortError(c, err)
		return
	}
	bands := map[string]int{"critical": 0, "high": 0, "medium": 0, "low": 0}
	for _, ev := range events {
		band := watchtower.SeverityBand(ev.RuleLevel,
			cfg.Thresholds.CriticalLevel, cfg.Thresholds.HighLevel, cfg.Thresholds.MediumLevel)
		bands[band]++
	}

	agents, err := s.archive.AgentStats(ctx)
	if err != nil {
		abortError(c, err)
		return
	}
	if len(agents) > 5 {
		agents = agents[:5]
	}
	rules, err := s.archive.RuleStats(ctx, 5)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"window_hours": int(dashboardWindow.Hours()),
		"events_24h":   len(events),
		"severity":     bands,
		"top_agents":   agents,
		"top_rules":    rules,
	})
}

// --- admin config ---

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Current())
}

func (s *Server) putConfig(c *gin.Context) {
	var next config.Config
	if err := c.ShouldBindJSON(&next); err != nil {
		abortError(c, watchtower.E(watchtower.KindBadInput, "web.admin", "invalid configuration document", err))
		return
	}
	if err := config.Validate(next); err != nil {
		abortError(c, watchtower.E(watchtower.KindBadInput, "web.admin", err.Error(), nil))
		return
	}
	if err := s.cfg.Update(func(cfg *config.Config) { *cfg = next }); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.cfg.Current())
}
