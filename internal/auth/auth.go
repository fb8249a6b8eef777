// Package auth establishes the caller's principal: bearer-token
// verification, anonymous session issuance, and session-to-user migration.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/berea-app/berea/internal/apperr"
	"github.com/berea-app/berea/internal/domain"
	"github.com/berea-app/berea/internal/fingerprint"
	"github.com/berea-app/berea/internal/persistence"
)

// Claims is the JWT payload for both user and anonymous-session tokens.
type Claims struct {
	jwt.RegisteredClaims
	Anonymous bool   `json:"anon,omitempty"`
	SessionID string `json:"sid,omitempty"`
}

// CodeExchanger swaps an OAuth authorization code for the identity it
// represents. The identity provider is an external boundary.
type CodeExchanger interface {
	Exchange(ctx context.Context, code string) (userID string, err error)
}

// Service issues and verifies tokens and manages anonymous sessions.
type Service struct {
	sessions   persistence.SessionRepo
	owners     persistence.OwnershipRepo
	exchanger  CodeExchanger
	secret     []byte
	anonSecret []byte
	now        func() time.Time
	log        zerolog.Logger
}

// NewService wires the auth service. anonSecret may equal secret.
func NewService(sessions persistence.SessionRepo, owners persistence.OwnershipRepo,
	exchanger CodeExchanger, secret, anonSecret string, log zerolog.Logger) *Service {
	return &Service{
		sessions:   sessions,
		owners:     owners,
		exchanger:  exchanger,
		secret:     []byte(secret),
		anonSecret: []byte(anonSecret),
		now:        func() time.Time { return time.Now().UTC() },
		log:        log.With().Str("component", "auth").Logger(),
	}
}

// VerifyToken resolves a bearer token to a principal. Anonymous tokens are
// checked against their stored session: expired sessions return
// SessionExpired, migrated sessions keep resolving to the anonymous
// principal (their emptied listings tell the rest of the story).
func (s *Service) VerifyToken(ctx context.Context, token string) (domain.Principal, error) {
	claims, err := s.parse(token, s.secret)
	if err != nil && len(s.anonSecret) > 0 && string(s.anonSecret) != string(s.secret) {
		claims, err = s.parse(token, s.anonSecret)
	}
	if err != nil {
		return domain.Principal{}, apperr.Unauthorized("invalid bearer token").WithCause(err)
	}

	if !claims.Anonymous {
		if claims.Subject == "" {
			return domain.Principal{}, apperr.Unauthorized("token has no subject")
		}
		return domain.UserPrincipal(claims.Subject), nil
	}

	return s.VerifySession(ctx, claims.SessionID)
}

// VerifySession resolves a raw anonymous session id (from a token or a
// session header) to its principal, enforcing the 24h TTL.
func (s *Service) VerifySession(ctx context.Context, sessionID string) (domain.Principal, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.Principal{}, err
	}
	if sess == nil {
		return domain.Principal{}, apperr.Unauthorized("unknown anonymous session")
	}
	if sess.Expired(s.now()) {
		return domain.Principal{}, apperr.SessionExpired("anonymous session has expired")
	}
	return domain.AnonymousPrincipal(sess.ID), nil
}

func (s *Service) parse(token string, key []byte) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// AnonymousSession is a freshly created session plus its bearer token.
type AnonymousSession struct {
	Session persistence.AnonymousSession `json:"session"`
	Token   string                       `json:"token"`
}

// CreateAnonymous creates a 24h anonymous session and signs its token. The
// device fingerprint, when provided, is stored hashed.
func (s *Service) CreateAnonymous(ctx context.Context, deviceFp string) (*AnonymousSession, error) {
	var hash *string
	if deviceFp != "" {
		h := fingerprint.HashDevice(deviceFp)
		hash = &h
	}

	sess, err := s.sessions.Create(ctx, hash)
	if err != nil {
		return nil, err
	}

	token, err := s.signAnonymous(sess)
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("session_id", sess.ID).Msg("anonymous session created")
	return &AnonymousSession{Session: *sess, Token: token}, nil
}

func (s *Service) signAnonymous(sess *persistence.AnonymousSession) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.ID,
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
		Anonymous: true,
		SessionID: sess.ID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.anonSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign anonymous token: %w", err)
	}
	return token, nil
}

// MigrationResult reports an anonymous-to-user migration.
type MigrationResult struct {
	Migrated int `json:"migrated_guides"`
}

// MigrateAnonymous transfers a session's artifacts to the user and freezes
// the session.
func (s *Service) MigrateAnonymous(ctx context.Context, sessionID, userID string) (*MigrationResult, error) {
	moved, err := s.owners.Migrate(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("session_id", sessionID).Str("user_id", userID).
		Int("moved", moved).Msg("anonymous session migrated")
	return &MigrationResult{Migrated: moved}, nil
}

// CallbackResult is the outcome of an OAuth code exchange.
type CallbackResult struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// HandleCallback completes the OAuth flow: the provider code is exchanged
// for an identity and a signed user token is issued.
func (s *Service) HandleCallback(ctx context.Context, code, oauthErr, oauthErrDesc string) (*CallbackResult, error) {
	if oauthErr != "" {
		return nil, apperr.Unauthorized(fmt.Sprintf("authorization failed: %s", oauthErrDesc))
	}
	if code == "" {
		return nil, apperr.Validation("code is required")
	}

	userID, err := s.exchanger.Exchange(ctx, code)
	if err != nil {
		return nil, apperr.Unauthorized("code exchange failed").WithCause(err)
	}

	now := s.now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(30 * 24 * time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign user token: %w", err)
	}
	return &CallbackResult{UserID: userID, Token: token}, nil
}
