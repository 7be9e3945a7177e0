// Package delegation issues and validates the signed, short-lived tokens a
// bot presents when acting on behalf of a professional.
package delegation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"clinrelay.org/internal/scopes"
)

// ErrInvalidToken is the uniform unauthenticated outcome. The specific
// causes below wrap it so internal logging can tell them apart while
// external callers see one shape.
var (
	ErrInvalidToken     = errors.New("delegation: invalid token")
	ErrTokenExpired     = fmt.Errorf("%w: expired", ErrInvalidToken)
	ErrTokenMalformed   = fmt.Errorf("%w: malformed", ErrInvalidToken)
	ErrBadSignature     = fmt.Errorf("%w: signature invalid", ErrInvalidToken)
	ErrMissingSecret    = errors.New("delegation: signing secret is not configured")
	ErrInvalidTTL       = errors.New("delegation: ttl must be greater than zero")
	ErrEmptyScopeSet    = errors.New("delegation: scope set must not be empty")
	ErrMissingPrincipal = errors.New("delegation: subject and authorized party are required")
)

// Claims are the verified contents of a delegation token. Subject is the
// delegating professional; AuthorizedParty is the acting bot client.
type Claims struct {
	Scopes          []string `json:"scopes"`
	AuthorizedParty string   `json:"azp"`
	jwt.RegisteredClaims
}

// ExtractScopes returns the granted scope set, normalized.
func (c *Claims) ExtractScopes() []string {
	return scopes.Normalize(c.Scopes)
}

// ExtractSubject returns the delegating professional's id.
func (c *Claims) ExtractSubject() string {
	return strings.TrimSpace(c.Subject)
}

// Signer signs and verifies delegation tokens with HS256. Tokens are never
// persisted server-side; revocation happens through the kill switch and
// the TTL ceiling, not a blacklist.
type Signer struct {
	secret     []byte
	issuer     string
	audience   string
	ttlCeiling time.Duration
	now        func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithIssuer overrides the issuer claim.
func WithIssuer(issuer string) SignerOption {
	return func(s *Signer) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithAudience overrides the audience claim.
func WithAudience(aud string) SignerOption {
	return func(s *Signer) {
		if aud = strings.TrimSpace(aud); aud != "" {
			s.audience = aud
		}
	}
}

// WithTTLCeiling sets the system-wide maximum token lifetime. Requested
// TTLs above it are clamped, never honored.
func WithTTLCeiling(ttl time.Duration) SignerOption {
	return func(s *Signer) {
		if ttl > 0 {
			s.ttlCeiling = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) SignerOption {
	return func(s *Signer) {
		if fn != nil {
			s.now = fn
		}
	}
}

const (
	defaultIssuer     = "clinrelay"
	defaultAudience   = "clinrelay-api"
	defaultTTLCeiling = 15 * time.Minute
)

// NewSigner constructs a Signer for the given HS256 secret.
func NewSigner(secret []byte, opts ...SignerOption) (*Signer, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	s := &Signer{
		secret:     secret,
		issuer:     defaultIssuer,
		audience:   defaultAudience,
		ttlCeiling: defaultTTLCeiling,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTLCeiling reports the configured maximum token lifetime.
func (s *Signer) TTLCeiling() time.Duration { return s.ttlCeiling }

// Issue signs a token for the professional/bot pair. The scope list is
// normalized and deduplicated; ttl<=0 means "use the ceiling".
func (s *Signer) Issue(professionalID, botID string, scopeSet []string, ttl time.Duration) (string, *Claims, error) {
	professionalID = strings.TrimSpace(professionalID)
	botID = strings.TrimSpace(botID)
	if professionalID == "" || botID == "" {
		return "", nil, ErrMissingPrincipal
	}
	granted := scopes.Normalize(scopeSet)
	if len(granted) == 0 {
		return "", nil, ErrEmptyScopeSet
	}
	if ttl <= 0 || ttl > s.ttlCeiling {
		ttl = s.ttlCeiling
	}

	now := s.now().UTC()
	claims := &Claims{
		Scopes:          granted,
		AuthorizedParty: botID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   professionalID,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Validate verifies signature and claims. The returned error wraps
// ErrInvalidToken; use errors.Is against the specific sentinels when
// logging the internal cause.
func (s *Signer) Validate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenMalformed
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrBadSignature
		}
		return s.secret, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrTokenMalformed
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadSignature
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ExtractSubject() == "" || strings.TrimSpace(claims.AuthorizedParty) == "" {
		return nil, ErrTokenMalformed
	}
	claims.Scopes = scopes.Normalize(claims.Scopes)
	return claims, nil
}
