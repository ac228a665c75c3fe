// Package auth validates server credentials and maintains bearer sessions.
//
// Gateway.TestConnection is a one-shot probe that never persists anything.
// SessionManager builds on it to hand out cached tokens to the catalog client,
// reading credentials from a credential store when none are supplied.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ZebulonRouseFrantzich/rombox/internal/credential"
	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
	"github.com/ZebulonRouseFrantzich/rombox/internal/logging"
)

const (
	// DefaultProbeTimeout bounds a connection probe when the caller passes none.
	DefaultProbeTimeout = 15 * time.Second

	tokenPath  = "/api/token"
	tokenScope = "me.read roms.read platforms.read assets.read"
)

// Status is the outcome of a connection probe.
type Status int

const (
	StatusAuthenticated Status = iota
	StatusInvalidCredentials
	StatusUnreachable
	StatusTimeout
	StatusCancelled
)

// String returns the human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusAuthenticated:
		return "Authenticated"
	case StatusInvalidCredentials:
		return "InvalidCredentials"
	case StatusUnreachable:
		return "Unreachable"
	case StatusTimeout:
		return "Timeout"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Kind maps a failed status onto the error taxonomy.
func (s Status) Kind() fault.Kind {
	switch s {
	case StatusInvalidCredentials:
		return fault.InvalidCredentials
	case StatusUnreachable:
		return fault.Unreachable
	case StatusTimeout:
		return fault.Timeout
	case StatusCancelled:
		return fault.Cancelled
	default:
		return fault.KindUnknown
	}
}

// Session is an authenticated bearer session for one server.
type Session struct {
	ServerURL string // normalized
	Token     string
	TokenType string
	ExpiresAt time.Time // zero when the server did not report an expiry
}

// Expired reports whether the session should be refreshed at now.
func (s *Session) Expired(now time.Time) bool {
	if s == nil || s.Token == "" {
		return true
	}
	// Refresh slightly early so in-flight requests do not race the expiry.
	return !s.ExpiresAt.IsZero() && now.Add(30*time.Second).After(s.ExpiresAt)
}

// ConnectRequest carries the inputs of a connection probe.
type ConnectRequest struct {
	ServerURL string
	Username  string
	Secret    string
	Timeout   time.Duration
	Verbose   bool
}

// ConnectionResult is the outcome of TestConnection.
type ConnectionResult struct {
	Status     Status
	Session    *Session // set when Status is StatusAuthenticated
	StatusCode int      // HTTP status, 0 when no response arrived
	Message    string
	Latency    time.Duration
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	HTTPClient *http.Client
	UserAgent  string
	Logger     logging.Logger
	Now        func() time.Time
}

// Gateway probes servers with a username and secret.
type Gateway struct {
	client    *http.Client
	userAgent string
	log       logging.Logger
	now       func() time.Time
}

// NewGateway creates a gateway. Zero-valued config fields get defaults.
func NewGateway(cfg GatewayConfig) *Gateway {
	g := &Gateway{
		client:    cfg.HTTPClient,
		userAgent: cfg.UserAgent,
		log:       logging.OrNop(cfg.Logger),
		now:       cfg.Now,
	}
	if g.client == nil {
		g.client = &http.Client{}
	}
	if g.userAgent == "" {
		g.userAgent = "rombox"
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// TestConnection validates serverURL synchronously, then probes the token
// endpoint within req.Timeout. The returned error is non-nil only for
// invalid input; every network outcome is reported through the result.
func (g *Gateway) TestConnection(ctx context.Context, req ConnectRequest) (*ConnectionResult, error) {
	base, err := credential.BaseURL(req.ServerURL)
	if err != nil {
		return nil, err
	}
	serverKey, _ := credential.NormalizeServerURL(req.ServerURL)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", req.Username)
	form.Set("password", req.Secret)
	form.Set("scope", tokenScope)

	httpReq, err := http.NewRequestWithContext(probeCtx, http.MethodPost, base+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fault.New(fault.InvalidArgument, "auth.TestConnection", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", g.userAgent)

	start := g.now()
	result := g.probe(ctx, probeCtx, httpReq, serverKey)
	result.Latency = g.now().Sub(start)

	logFn := g.log.Debug
	if req.Verbose {
		logFn = g.log.Info
	}
	logFn("connection probe finished",
		"server", serverKey,
		"username", req.Username,
		"status", result.Status.String(),
		"http_status", result.StatusCode,
		"latency", result.Latency,
		"message", result.Message,
	)

	return result, nil
}

func (g *Gateway) probe(parent, probeCtx context.Context, req *http.Request, serverKey string) *ConnectionResult {
	resp, err := g.client.Do(req)
	if err != nil {
		return transportResult(parent, probeCtx, err)
	}
	defer resp.Body.Close()

	result := &ConnectionResult{StatusCode: resp.StatusCode}

	switch {
	case resp.StatusCode == http.StatusOK:
		var tok tokenResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tok); err != nil {
			if r := contextResult(parent, probeCtx); r != nil {
				return r
			}
			result.Status = StatusUnreachable
			result.Message = fmt.Sprintf("decode token response: %v", err)
			return result
		}
		if tok.AccessToken == "" {
			result.Status = StatusUnreachable
			result.Message = "token response has no access_token"
			return result
		}
		session := &Session{ServerURL: serverKey, Token: tok.AccessToken, TokenType: tok.TokenType}
		if session.TokenType == "" {
			session.TokenType = "bearer"
		}
		if tok.ExpiresIn > 0 {
			session.ExpiresAt = g.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
		}
		result.Status = StatusAuthenticated
		result.Session = session
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		result.Status = StatusInvalidCredentials
		result.Message = fmt.Sprintf("server rejected credentials (HTTP %d)", resp.StatusCode)
	default:
		result.Status = StatusUnreachable
		result.Message = fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode)
	}
	return result
}

// transportResult classifies a failed round trip. Parent cancellation wins
// over the probe deadline so callers can tell the two apart.
func transportResult(parent, probeCtx context.Context, err error) *ConnectionResult {
	if r := contextResult(parent, probeCtx); r != nil {
		r.Message = err.Error()
		return r
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return &ConnectionResult{Status: StatusTimeout, Message: err.Error()}
	}
	return &ConnectionResult{Status: StatusUnreachable, Message: err.Error()}
}

func contextResult(parent, probeCtx context.Context) *ConnectionResult {
	if parent.Err() != nil {
		if errors.Is(parent.Err(), context.DeadlineExceeded) {
			return &ConnectionResult{Status: StatusTimeout}
		}
		return &ConnectionResult{Status: StatusCancelled}
	}
	if probeCtx.Err() != nil {
		return &ConnectionResult{Status: StatusTimeout}
	}
	return nil
}
