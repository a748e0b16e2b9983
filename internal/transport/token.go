package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL   = 30 * time.Minute
	tokenRefreshSlack = 30 * time.Second
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingAgentID       = errors.New("agent identifier must be provided")
)

// TokenSource supplies the bearer token attached to every remote call.
type TokenSource interface {
	Token() (string, error)
}

// ServiceTokenConfig configures the agent's self-issued JWT credential.
type ServiceTokenConfig struct {
	SigningSecret []byte
	AgentID       string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// ServiceTokenSource signs short-lived HS256 JWTs identifying this agent and
// caches each token until shortly before expiry.
type ServiceTokenSource struct {
	config ServiceTokenConfig
	clock  func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewServiceTokenSource constructs a ServiceTokenSource with sane defaults.
func NewServiceTokenSource(cfg ServiceTokenConfig) (*ServiceTokenSource, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if cfg.AgentID == "" {
		return nil, errMissingAgentID
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "driftsync-agent"
	}
	if cfg.Audience == "" {
		cfg.Audience = "driftsync-api"
	}
	cfg.TokenTTL = ttl
	cfg.Clock = clock

	return &ServiceTokenSource{config: cfg, clock: clock}, nil
}

// Token returns a signed JWT, reusing the cached one while it remains valid.
func (s *ServiceTokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	if s.token != "" && now.Before(s.expiresAt.Add(-tokenRefreshSlack)) {
		return s.token, nil
	}

	expiresAt := now.Add(s.config.TokenTTL)
	registered := jwt.RegisteredClaims{
		Subject:   s.config.AgentID,
		Issuer:    s.config.Issuer,
		Audience:  []string{s.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(s.config.SigningSecret)
	if err != nil {
		return "", err
	}

	s.token = signed
	s.expiresAt = expiresAt
	return signed, nil
}
