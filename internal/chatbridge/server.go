package chatbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sibyllinesoft/rave/internal/agentctl"
	"github.com/sibyllinesoft/rave/internal/auditlog"
	"github.com/sibyllinesoft/rave/internal/breaker"
	"github.com/sibyllinesoft/rave/internal/command"
	"github.com/sibyllinesoft/rave/internal/httpserver"
	"github.com/sibyllinesoft/rave/internal/identity"
	"github.com/sibyllinesoft/rave/internal/ratelimit"
	"github.com/sibyllinesoft/rave/internal/raveerr"
	"github.com/sibyllinesoft/rave/internal/telemetry"
	"github.com/sibyllinesoft/rave/pkg/slack"
)

// publicPaths never require the appservice bearer token.
var publicPaths = map[string]struct{}{
	"/health":       {},
	"/metrics":      {},
	"/slack/events": {},
}

const (
	identityBreakerName = "identity-provider"
	agentBreakerName    = "agent-controller"
)

// Config configures a Server.
type Config struct {
	AppserviceToken    string
	MaxRequestBytes    int64
	SlackSigningSecret string
}

// Server is the chat bridge's command-handling HTTP surface (C13).
type Server struct {
	cfg       Config
	parser    *command.Parser
	identity  *identity.Validator
	jwtAuth   *identity.TokenValidator
	agents    *agentctl.Controller
	breakers  *breaker.Manager
	limiter   *ratelimit.Limiter
	audit     *auditlog.Writer
	notifier  *slack.Notifier
	logger    *slog.Logger
}

// New wires the chat bridge's dependencies into a Server. jwtAuth is
// optional: when non-nil, it is tried as an alternate credential for
// non-public paths whenever the caller's bearer token doesn't match the
// configured appservice token, letting OIDC-backed automation callers
// authenticate without sharing the static appservice secret.
func New(
	cfg Config,
	parser *command.Parser,
	idValidator *identity.Validator,
	agents *agentctl.Controller,
	breakers *breaker.Manager,
	limiter *ratelimit.Limiter,
	audit *auditlog.Writer,
	notifier *slack.Notifier,
	logger *slog.Logger,
	jwtAuth *identity.TokenValidator,
) *Server {
	idCfg := breaker.DefaultConfig()
	// Only GitLab/IdP outages should trip this breaker. ValidateUser also
	// returns KindAuth/KindAuthz/KindValidation for ordinary bad user input
	// (unknown username, not in an allowed group), which every rejected
	// user would otherwise count as a dependency failure.
	idCfg.IsExpectedFailure = func(err error) bool {
		return raveerr.Of(err) == raveerr.KindTransient
	}
	breakers.GetOrCreate(identityBreakerName, idCfg)
	agentCfg := breaker.DefaultConfig()
	agentCfg.RecoveryTimeout = 60 * time.Second
	breakers.GetOrCreate(agentBreakerName, agentCfg)

	return &Server{
		cfg:      cfg,
		parser:   parser,
		identity: idValidator,
		jwtAuth:  jwtAuth,
		agents:   agents,
		breakers: breakers,
		limiter:  limiter,
		audit:    audit,
		notifier: notifier,
		logger:   logger,
	}
}

// Routes builds the chat bridge's chi router: the Matrix appservice
// transaction endpoint plus its companion user/room lookup stubs, guarded
// by the security middleware chain.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.securityMiddleware)

	r.Put("/_matrix/app/v1/transactions/{txnID}", s.handleTransaction)
	r.Get("/_matrix/app/v1/users/{userID}", s.handleUsers)
	r.Get("/_matrix/app/v1/rooms/{roomAlias}", s.handleRooms)
	r.Get("/health", s.handleHealth)

	r.Group(func(sub chi.Router) {
		sub.Use(slack.VerifyMiddleware(s.cfg.SlackSigningSecret))
		sub.Post("/slack/events", s.handleSlackEvent)
	})

	return r
}

// securityMiddleware implements the four-step pipeline from the chat
// bridge specification: request-size cap, rate limiting, bearer-token
// auth, and content-type enforcement. It records no metrics for requests
// that pass.
func (s *Server) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := clientIP(r)

		if r.ContentLength > s.cfg.MaxRequestBytes {
			httpserver.RespondError(w, http.StatusBadRequest, "request_too_large", "request body exceeds the configured limit")
			return
		}

		if s.limiter != nil && !s.limiter.Allow(r.Context(), clientIP, 1, ratelimit.RequestContext{}) {
			telemetry.AuthFailuresTotal.WithLabelValues("rate_limit").Inc()
			s.logEvent(auditlog.EventRateLimitExceeded, "", clientIP, r.UserAgent(), map[string]any{"endpoint": r.URL.Path})
			httpserver.RespondError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
			return
		}

		if _, public := publicPaths[r.URL.Path]; !public {
			token, ok := bearerToken(r)
			if !ok || (token != s.cfg.AppserviceToken && !s.validJWT(r.Context(), token)) {
				telemetry.AuthFailuresTotal.WithLabelValues("invalid_token").Inc()
				s.logEvent(auditlog.EventInvalidAuth, "", clientIP, r.UserAgent(), map[string]any{"endpoint": r.URL.Path})
				httpserver.RespondError(w, http.StatusUnauthorized, "invalid_auth", "invalid appservice token")
				return
			}
		}

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			contentType := r.Header.Get("Content-Type")
			if !strings.HasPrefix(contentType, "application/json") &&
				!strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
				httpserver.RespondError(w, http.StatusBadRequest, "invalid_content_type", "expected application/json")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// validJWT reports whether token verifies as a bearer JWT from the
// configured OIDC provider, the "optional path" alternative to the static
// appservice token. It is always false when no token validator is wired.
func (s *Server) validJWT(ctx context.Context, token string) bool {
	if s.jwtAuth == nil || token == "" {
		return false
	}
	_, err := s.jwtAuth.ValidateJWT(ctx, token)
	return err == nil
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	return token, ok
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	var txn Transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_json", "malformed transaction body")
		return
	}

	txnID := chi.URLParam(r, "txnID")
	s.logger.Info("processing transaction", "txn_id", txnID, "event_count", len(txn.Events))

	for _, event := range txn.Events {
		s.processEvent(r.Context(), event)
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "user not found"})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "room not found"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.breakers.AllHealthStatus()
	components := make(map[string]string, len(health))
	degraded := false
	for name, h := range health {
		components[name] = h.State
		if h.State == "open" {
			degraded = true
		}
	}

	status := "healthy"
	code := http.StatusOK
	if degraded {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	httpserver.Respond(w, code, HealthStatus{
		Status:     status,
		Components: components,
		Timestamp:  time.Now().Unix(),
	})
}

func (s *Server) processEvent(ctx context.Context, event Event) {
	if event.Type != "m.room.message" || event.Content.MsgType != "m.text" {
		return
	}
	body := strings.TrimSpace(event.Content.Body)
	if !strings.HasPrefix(body, "!") {
		return
	}

	sender, roomID := event.Sender, event.RoomID
	s.logger.Info("processing command", "sender", sender, "room_id", roomID)

	idBreaker, _ := s.breakers.Get(identityBreakerName)
	result, err := idBreaker.Call(ctx, func(ctx context.Context) (any, error) {
		return s.identity.ValidateUser(ctx, sender)
	})
	if err != nil {
		s.handleAuthFailure(ctx, sender, roomID, body, err)
		return
	}
	user := result.(identity.UserInfo)

	parsed, err := s.parser.Parse(body)
	if err != nil {
		telemetry.CommandsTotal.WithLabelValues(firstWord(body), "validation_failed", sender).Inc()
		s.logEvent(auditlog.EventCommandFailed, sender, "", "", map[string]any{"error": err.Error(), "room_id": roomID})
		s.reply(ctx, roomID, formatError("invalid command: "+err.Error()))
		return
	}

	if parsed.Command == "help" {
		s.reply(ctx, roomID, s.formatHelp(parsed.Args))
		return
	}

	if !user.HasPermission(permissionFor(parsed.Command)) {
		telemetry.AuthFailuresTotal.WithLabelValues("permission_denied").Inc()
		s.logEvent(auditlog.EventPermissionDenied, sender, "", "", map[string]any{"command": parsed.Command, "room_id": roomID})
		s.reply(ctx, roomID, formatError("you do not have permission to run this command"))
		return
	}

	s.logEvent(auditlog.EventCommandAttempt, sender, "", "", map[string]any{
		"command": parsed.Command, "args": parsed.Args, "room_id": roomID, "user_groups": user.Groups,
	})

	agentBreaker, _ := s.breakers.Get(agentBreakerName)
	opResult, err := agentBreaker.Call(ctx, func(ctx context.Context) (any, error) {
		return s.dispatch(ctx, parsed)
	})
	if err != nil {
		if raveerr.Is(err, raveerr.KindCircuitOpen) {
			s.reply(ctx, roomID, formatError("service temporarily unavailable"))
			return
		}
		telemetry.CommandsTotal.WithLabelValues(parsed.Command, "failed", sender).Inc()
		s.logEvent(auditlog.EventCommandFailed, sender, "", "", map[string]any{"error": err.Error(), "command": parsed.Command, "room_id": roomID})
		s.reply(ctx, roomID, formatError(err.Error()))
		return
	}

	op := opResult.(agentctl.OperationResult)
	s.reply(ctx, roomID, formatResult(op))

	status := "success"
	if !op.Success {
		status = "failed"
	}
	telemetry.CommandsTotal.WithLabelValues(parsed.Command, status, sender).Inc()
	s.logEvent(auditlog.EventCommandSuccess, sender, "", "", map[string]any{"command": parsed.Command, "success": op.Success, "room_id": roomID})
}

func (s *Server) handleAuthFailure(ctx context.Context, sender, roomID, body string, err error) {
	telemetry.AuthFailuresTotal.WithLabelValues("auth_failed").Inc()
	s.logEvent(auditlog.EventCommandAuthFailed, sender, "", "", map[string]any{"error": err.Error(), "room_id": roomID, "command": truncate(body, 100)})
	msg := "authentication failed"
	if raveerr.Is(err, raveerr.KindCircuitOpen) {
		msg = "service temporarily unavailable"
	}
	s.reply(ctx, roomID, formatError(msg))
}

func (s *Server) dispatch(ctx context.Context, parsed command.ParsedCommand) (agentctl.OperationResult, error) {
	switch parsed.Command {
	case "start-agent":
		return s.agents.StartAgent(ctx, parsed.Args[0]), nil
	case "stop-agent":
		return s.agents.StopAgent(ctx, parsed.Args[0]), nil
	case "status-agent":
		return s.agents.GetStatus(ctx, parsed.Args[0]), nil
	case "list-agents":
		filter := ""
		if len(parsed.Args) > 0 {
			filter = parsed.Args[0]
		}
		return s.agents.ListAgents(ctx, filter), nil
	default:
		return agentctl.OperationResult{}, raveerr.New(raveerr.KindValidation, "unknown command: "+parsed.Command)
	}
}

func permissionFor(cmd string) identity.Permission {
	switch cmd {
	case "start-agent":
		return identity.PermAgentStart
	case "stop-agent":
		return identity.PermAgentStop
	default:
		return identity.PermAgentStatus
	}
}

func (s *Server) reply(ctx context.Context, roomID, text string) {
	if _, err := s.notifier.PostMessage(ctx, roomID, text); err != nil {
		s.logger.Warn("failed to post chat reply", "room_id", roomID, "error", err)
	}
}

func (s *Server) logEvent(eventType auditlog.EventType, userID, clientIP, userAgent string, details map[string]any) {
	s.audit.Log(auditlog.Event{
		EventType: eventType,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		UserID:    userID,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		RoomID:    stringField(details, "room_id"),
		Details:   details,
	})
}

func stringField(details map[string]any, key string) string {
	if v, ok := details[key].(string); ok {
		return v
	}
	return ""
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "unknown"
	}
	return fields[0]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
