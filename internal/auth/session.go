package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ZebulonRouseFrantzich/rombox/internal/credential"
	"github.com/ZebulonRouseFrantzich/rombox/internal/fault"
	"github.com/ZebulonRouseFrantzich/rombox/internal/logging"
)

// CredentialSource loads stored credentials by server URL.
type CredentialSource interface {
	Load(serverURL string) (credential.Credentials, bool, error)
}

// Prober performs a connection probe. *Gateway implements it.
type Prober interface {
	TestConnection(ctx context.Context, req ConnectRequest) (*ConnectionResult, error)
}

// SessionConfig configures a SessionManager.
type SessionConfig struct {
	Prober      Prober
	Credentials CredentialSource
	Timeout     time.Duration
	Logger      logging.Logger
	Now         func() time.Time
}

// SessionManager caches one bearer session per normalized server URL.
// Concurrent refreshes for the same server share a single probe.
type SessionManager struct {
	prober  Prober
	creds   CredentialSource
	timeout time.Duration
	log     logging.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	supplied map[string]credential.Credentials
	flight   singleflight.Group
}

// NewSessionManager creates a session manager.
func NewSessionManager(cfg SessionConfig) *SessionManager {
	m := &SessionManager{
		prober:   cfg.Prober,
		creds:    cfg.Credentials,
		timeout:  cfg.Timeout,
		log:      logging.OrNop(cfg.Logger),
		now:      cfg.Now,
		sessions: make(map[string]*Session),
		supplied: make(map[string]credential.Credentials),
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Authenticate probes serverURL with explicitly supplied credentials and
// caches the session. The credentials are kept in memory for later
// re-authentication; persisting them is the caller's decision.
func (m *SessionManager) Authenticate(ctx context.Context, serverURL string, creds credential.Credentials) (*Session, error) {
	key, err := credential.NormalizeServerURL(serverURL)
	if err != nil {
		return nil, err
	}

	session, err := m.probe(ctx, serverURL, key, creds)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.supplied[key] = creds
	m.sessions[key] = session
	m.mu.Unlock()
	return session, nil
}

// Session returns a valid session for serverURL, authenticating with
// supplied or stored credentials when no fresh session is cached.
func (m *SessionManager) Session(ctx context.Context, serverURL string, refresh bool) (*Session, error) {
	key, err := credential.NormalizeServerURL(serverURL)
	if err != nil {
		return nil, err
	}

	if !refresh {
		m.mu.Lock()
		s := m.sessions[key]
		m.mu.Unlock()
		if !s.Expired(m.now()) {
			return s, nil
		}
	}

	ch := m.flight.DoChan(key, func() (interface{}, error) {
		creds, err := m.lookup(key)
		if err != nil {
			return nil, err
		}
		// Detached from the first caller so its cancellation does not fail
		// everyone sharing the probe; the probe has its own timeout.
		s, err := m.probe(context.WithoutCancel(ctx), serverURL, key, creds)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.sessions[key] = s
		m.mu.Unlock()
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, fault.FromContext(ctx, "auth.Session", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Session), nil
	}
}

// Token implements the catalog client's authenticator.
func (m *SessionManager) Token(ctx context.Context, serverURL string, refresh bool) (string, error) {
	s, err := m.Session(ctx, serverURL, refresh)
	if err != nil {
		return "", err
	}
	return s.Token, nil
}

// Invalidate drops the cached session for serverURL.
func (m *SessionManager) Invalidate(serverURL string) {
	key, err := credential.NormalizeServerURL(serverURL)
	if err != nil {
		return
	}
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
}

func (m *SessionManager) lookup(key string) (credential.Credentials, error) {
	m.mu.Lock()
	creds, ok := m.supplied[key]
	m.mu.Unlock()
	if ok {
		return creds, nil
	}

	if m.creds != nil {
		stored, found, err := m.creds.Load(key)
		if err != nil {
			return credential.Credentials{}, err
		}
		if found {
			return stored, nil
		}
	}
	return credential.Credentials{}, (&fault.Error{
		Kind:    fault.AuthenticationRequired,
		Op:      "auth.Session",
		Message: "no stored credentials for server",
	}).WithItem(key, "")
}

func (m *SessionManager) probe(ctx context.Context, serverURL, key string, creds credential.Credentials) (*Session, error) {
	result, err := m.prober.TestConnection(ctx, ConnectRequest{
		ServerURL: serverURL,
		Username:  creds.Username,
		Secret:    creds.Secret,
		Timeout:   m.timeout,
	})
	if err != nil {
		return nil, err
	}
	if result.Status != StatusAuthenticated {
		return nil, (&fault.Error{
			Kind:    result.Status.Kind(),
			Op:      "auth.Session",
			Message: result.Message,
		}).WithItem(key, "")
	}
	m.log.Debug("session established", "server", key)
	return result.Session, nil
}
