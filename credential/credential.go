// Package credential implements the gateway's two admission modes:
// bearer-key verification against the ApiKey table, and shared-secret
// delegation verification for trusted backend callers acting on
// behalf of a User/App pair. Bearer lookups are cached in Redis with
// separate positive/negative TTLs to keep the hot path off Postgres;
// the delegation path is not cached.
package credential

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/railgate/gateway/apierr"
	"github.com/railgate/gateway/domain"
)

// UserAPIKeyStore is the subset of store.Store credential verification needs.
type UserAPIKeyStore interface {
	// GetAPIKeyByHash looks up a row by the unsalted lookup digest of
	// the presented secret (sha256(secret)). The row's true credential
	// digest, SecretHash, is salted (sha256(salt || secret)) and must
	// still be verified by the caller against the row's Salt before
	// the key is trusted — the lookup digest only narrows the query to
	// one candidate row.
	GetAPIKeyByHash(ctx context.Context, lookupHash string) (domain.ApiKey, error)
	GetUserByOID(ctx context.Context, oid string) (domain.User, error)
	GetAppByID(ctx context.Context, appID string) (domain.App, error)
}

// Verifier resolves an inbound request's authentication material into
// a domain.Principal.
type Verifier struct {
	store        UserAPIKeyStore
	redis        *redis.Client
	logger       zerolog.Logger
	sharedSecret string
	bearerPrefix string
	positiveTTL  time.Duration
	negativeTTL  time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithCacheTTLs overrides the default positive/negative cache durations.
func WithCacheTTLs(positive, negative time.Duration) Option {
	return func(v *Verifier) {
		v.positiveTTL = positive
		v.negativeTTL = negative
	}
}

// NewVerifier constructs a credential Verifier.
func NewVerifier(store UserAPIKeyStore, rc *redis.Client, logger zerolog.Logger, sharedSecret, bearerPrefix string, opts ...Option) *Verifier {
	v := &Verifier{
		store:        store,
		redis:        rc,
		logger:       logger.With().Str("component", "credential").Logger(),
		sharedSecret: sharedSecret,
		bearerPrefix: bearerPrefix,
		positiveTTL:  5 * time.Minute,
		negativeTTL:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyBearer authenticates a bearer-mode request given the raw
// Authorization header value. Returns the owning user's OID and the
// matched ApiKey's ID.
func (v *Verifier) VerifyBearer(ctx context.Context, authHeader string) (domain.Principal, error) {
	secret := strings.TrimSpace(authHeader)
	if strings.HasPrefix(strings.ToLower(secret), "bearer ") {
		secret = secret[len("bearer "):]
	}
	if secret == "" {
		return domain.Principal{}, apierr.New(apierr.KindInvalidCredential, "missing bearer credential")
	}
	if v.bearerPrefix != "" && !strings.HasPrefix(secret, v.bearerPrefix) {
		return domain.Principal{}, apierr.New(apierr.KindInvalidCredential, "malformed bearer credential")
	}

	lookupHash := lookupDigest(secret)
	cacheKey := "cred:bearer:" + lookupHash

	if cached, err := v.readCache(ctx, cacheKey); err == nil && cached != nil {
		if cached.negative {
			return domain.Principal{}, apierr.New(apierr.KindInvalidCredential, "invalid api key")
		}
		return cached.principal, nil
	}

	key, err := v.store.GetAPIKeyByHash(ctx, lookupHash)
	if err != nil {
		v.writeCache(ctx, cacheKey, nil, v.negativeTTL)
		return domain.Principal{}, apierr.New(apierr.KindInvalidCredential, "invalid api key")
	}
	if !key.Usable(time.Now()) {
		v.writeCache(ctx, cacheKey, nil, v.negativeTTL)
		return domain.Principal{}, apierr.New(apierr.KindInvalidCredential, "api key inactive or expired")
	}
	if subtle.ConstantTimeCompare([]byte(saltedDigest(key.Salt, secret)), []byte(key.SecretHash)) != 1 {
		v.writeCache(ctx, cacheKey, nil, v.negativeTTL)
		return domain.Principal{}, apierr.New(apierr.KindInvalidCredential, "invalid api key")
	}

	p := domain.Principal{UserOID: key.OwnerOID, APIKeyID: key.ID}
	v.writeCache(ctx, cacheKey, &p, v.positiveTTL)
	return p, nil
}

// VerifyDelegation authenticates a delegation-mode request: the shared
// secret proves the caller is our trusted backend, and userOID/appID
// identify who the request is made on behalf of. The App, if
// supplied, must belong to userOID.
func (v *Verifier) VerifyDelegation(ctx context.Context, presentedSecret, userOID, appID string) (domain.Principal, error) {
	if v.sharedSecret == "" || subtle.ConstantTimeCompare([]byte(presentedSecret), []byte(v.sharedSecret)) != 1 {
		return domain.Principal{}, apierr.New(apierr.KindUnauthorizedChannel, "invalid delegation secret")
	}
	if userOID == "" {
		return domain.Principal{}, apierr.New(apierr.KindUnauthorizedChannel, "delegation requires a user identifier")
	}

	user, err := v.store.GetUserByOID(ctx, userOID)
	if err != nil {
		return domain.Principal{}, apierr.New(apierr.KindUnauthorizedChannel, "unknown delegated user")
	}
	if !user.IsActive(time.Now()) {
		return domain.Principal{}, apierr.New(apierr.KindUnauthorizedChannel, "delegated user is not active")
	}

	p := domain.Principal{UserOID: user.OID}
	if appID != "" {
		app, err := v.store.GetAppByID(ctx, appID)
		if err != nil || !app.IsActive || app.OwnerOID != user.OID {
			return domain.Principal{}, apierr.New(apierr.KindUnauthorizedChannel, "app does not belong to delegated user")
		}
		p.AppID = app.AppID
	}
	return p, nil
}

type cachedPrincipal struct {
	principal domain.Principal
	negative  bool
}

type cacheEnvelope struct {
	UserOID  string `json:"u,omitempty"`
	APIKeyID string `json:"k,omitempty"`
	AppID    string `json:"a,omitempty"`
	Negative bool   `json:"n,omitempty"`
}

func (v *Verifier) readCache(ctx context.Context, key string) (*cachedPrincipal, error) {
	if v.redis == nil {
		return nil, redis.Nil
	}
	raw, err := v.redis.Get(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	var env cacheEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, err
	}
	if env.Negative {
		return &cachedPrincipal{negative: true}, nil
	}
	return &cachedPrincipal{principal: domain.Principal{UserOID: env.UserOID, APIKeyID: env.APIKeyID, AppID: env.AppID}}, nil
}

func (v *Verifier) writeCache(ctx context.Context, key string, p *domain.Principal, ttl time.Duration) {
	if v.redis == nil {
		return
	}
	var env cacheEnvelope
	if p == nil {
		env = cacheEnvelope{Negative: true}
	} else {
		env = cacheEnvelope{UserOID: p.UserOID, APIKeyID: p.APIKeyID, AppID: p.AppID}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := v.redis.Set(ctx, key, raw, ttl).Err(); err != nil {
		v.logger.Debug().Err(err).Msg("credential cache write failed")
	}
}

// lookupDigest hashes the bare secret and is used only to index the
// api_keys table by an unsalted value the server can compute before it
// knows which row — and therefore which salt — the caller means.
func lookupDigest(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// saltedDigest is the credential digest actually compared against the
// stored row, per §3/§4.1: sha256(salt || secret).
func saltedDigest(salt, secret string) string {
	h := sha256.Sum256([]byte(salt + secret))
	return hex.EncodeToString(h[:])
}

// DisplayPrefix extracts the first n characters of a secret for
// display/log purposes without exposing the whole credential.
func DisplayPrefix(secret string, n int) string {
	if len(secret) <= n {
		return secret
	}
	return fmt.Sprintf("%s...", secret[:n])
}
