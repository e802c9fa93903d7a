package pipeline

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/getsentry/sentry-go"

	"realprep/internal/observability"
	"realprep/internal/security"
)

// AccountSource re-fetches current account state for privilege checks. The
// admin stage never trusts the token's admin flag alone.
type AccountSource interface {
	AccountFlags(ctx context.Context, userID string) (isActive, isAdmin bool, err error)
}

// Ctx carries per-request state between stages and into the handler.
type Ctx struct {
	Claims    *security.Claims
	Remaining int

	rateLimited bool
}

// UserID returns the authenticated subject, or "" before the auth stage ran.
func (c *Ctx) UserID() string {
	if c.Claims == nil {
		return ""
	}
	return c.Claims.Subject
}

// HandlerFunc is the business handler invoked after all stages pass.
type HandlerFunc func(r *http.Request, c *Ctx) (any, error)

// Endpoint declares the cross-cutting policy for one route.
type Endpoint struct {
	RateLimit    *security.Policy
	RequireAuth  bool
	RequireAdmin bool
	Handle       HandlerFunc
}

// Pipeline compiles endpoint declarations into handlers with uniform
// rate-limit, auth, admin, and error behavior.
type Pipeline struct {
	limiter  *security.Limiter
	tokens   *security.TokenService
	accounts AccountSource
	logger   *observability.Logger
	env      string
}

func New(limiter *security.Limiter, tokens *security.TokenService, accounts AccountSource, logger *observability.Logger, env string) *Pipeline {
	return &Pipeline{
		limiter:  limiter,
		tokens:   tokens,
		accounts: accounts,
		logger:   logger,
		env:      env,
	}
}

// stage inspects the request and either lets the chain continue or writes the
// response and stops it.
type stage func(w http.ResponseWriter, r *http.Request, c *Ctx) bool

// Endpoint builds the http.Handler for one declared route. Stages run in
// fixed order: rate limit, auth, admin, handler.
func (p *Pipeline) Endpoint(ep Endpoint) http.Handler {
	stages := make([]stage, 0, 3)
	if ep.RateLimit != nil {
		stages = append(stages, p.rateLimitStage(*ep.RateLimit))
	}
	if ep.RequireAuth || ep.RequireAdmin {
		stages = append(stages, p.authStage())
	}
	if ep.RequireAdmin {
		stages = append(stages, p.adminStage())
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := &Ctx{}
		defer p.recoverPanic(w, r)

		for _, run := range stages {
			if !run(w, r, c) {
				return
			}
		}

		p.runHandler(w, r, c, ep.Handle)
	})
}

func (p *Pipeline) rateLimitStage(policy security.Policy) stage {
	return func(w http.ResponseWriter, r *http.Request, c *Ctx) bool {
		identifier := security.RequestIdentifier(r)
		if token := security.FromRequest(r); token != "" {
			if claims := p.tokens.VerifyAccess(token); claims != nil {
				identifier = security.UserIdentifier(claims.Subject)
			}
		}

		decision, err := p.limiter.Check(r.Context(), identifier, policy)
		if err != nil {
			// Fail open: an unreachable counter backend must not take the
			// API down, but it is always reported.
			sentry.CaptureException(err)
			p.logger.Error("rate_limit_check_failed", map[string]any{"error": err.Error()})
			return true
		}

		c.rateLimited = true
		c.Remaining = decision.Remaining
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many requests, please try again later")
			return false
		}

		return true
	}
}

func (p *Pipeline) authStage() stage {
	return func(w http.ResponseWriter, r *http.Request, c *Ctx) bool {
		token := security.FromRequest(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return false
		}

		claims := p.tokens.VerifyAccess(token)
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return false
		}

		c.Claims = claims
		return true
	}
}

func (p *Pipeline) adminStage() stage {
	return func(w http.ResponseWriter, r *http.Request, c *Ctx) bool {
		isActive, isAdmin, err := p.accounts.AccountFlags(r.Context(), c.Claims.Subject)
		if err != nil {
			p.reportUnexpected(w, r, err)
			return false
		}
		if !isActive || !isAdmin {
			writeError(w, http.StatusForbidden, "admin access required")
			return false
		}

		return true
	}
}

func (p *Pipeline) runHandler(w http.ResponseWriter, r *http.Request, c *Ctx, handle HandlerFunc) {
	result, err := handle(r, c)
	if err != nil {
		var reqErr *Error
		if errors.As(err, &reqErr) {
			writeError(w, reqErr.Status, reqErr.Message)
			return
		}

		p.reportUnexpected(w, r, err)
		return
	}

	switch v := result.(type) {
	case *Response:
		writeJSON(w, v.Status, v.Body)
	case nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusOK, v)
	}
}

func (p *Pipeline) reportUnexpected(w http.ResponseWriter, r *http.Request, err error) {
	sentry.CaptureException(err)
	p.logger.Error("request_failed", map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"error":  err.Error(),
	})

	message := "internal server error"
	if p.env != "production" {
		message = err.Error()
	}
	writeError(w, http.StatusInternalServerError, message)
}

func (p *Pipeline) recoverPanic(w http.ResponseWriter, r *http.Request) {
	rec := recover()
	if rec == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetExtra("panic", rec)
		scope.SetExtra("stack", string(debug.Stack()))
		sentry.CaptureMessage("panic in request handler")
	})

	p.logger.Error("panic_recovered", map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"panic":  rec,
	})

	writeError(w, http.StatusInternalServerError, "internal server error")
}
