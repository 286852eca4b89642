package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/railgate/gateway/apierr"
	"github.com/railgate/gateway/credential"
	"github.com/railgate/gateway/domain"
	"github.com/railgate/gateway/principal"
)

type contextKey string

const (
	// PrincipalContextKey stores the resolved principal.Params in request context.
	PrincipalContextKey contextKey = "principal"
	// RewrittenBodyContextKey stores the request body with any embedded
	// delegation marker stripped, ready to forward upstream.
	RewrittenBodyContextKey contextKey = "rewritten_body"
)

// AuthMiddleware verifies the caller's bearer credential (or shared-secret
// delegation) and resolves the effective principal for the request before
// handing off to rate limiting and dispatch.
type AuthMiddleware struct {
	verifier *credential.Verifier
	logger   zerolog.Logger
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(verifier *credential.Verifier, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, logger: logger.With().Str("component", "auth").Logger()}
}

// Handler returns the middleware handler function. A request
// authenticates via a bearer key, via delegation (shared secret + a
// resolved user/app pair), or both — a bearer-authenticated request
// may still carry delegation parameters purely for billing
// attribution. The request is rejected when neither credential is
// presented, or when a presented bearer key or delegation fails
// verification. It reads the body once to resolve any delegation channel
// and stores both the principal and the (possibly rewritten) body on
// the request context for downstream handlers.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var cred domain.Principal
		var haveBearer bool
		if authHeader := strings.TrimSpace(r.Header.Get("Authorization")); authHeader != "" {
			c, err := am.verifier.VerifyBearer(ctx, authHeader)
			if err != nil {
				apierr.WriteJSON(w, err)
				return
			}
			cred, haveBearer = c, true
		}

		rawBody, err := readAndRestoreBody(r)
		if err != nil {
			apierr.WriteJSON(w, apierr.Wrap(apierr.KindInvalidRequest, "failed to read request body", err))
			return
		}

		params, rewritten, err := principal.Resolve(r, rawBody)
		if err != nil {
			apierr.WriteJSON(w, err)
			return
		}

		switch {
		case params.Channel != principal.ChannelNone:
			delegated, verr := am.verifier.VerifyDelegation(ctx, params.Secret, params.UserOID, params.AppID)
			if verr != nil {
				apierr.WriteJSON(w, verr)
				return
			}
			params.UserOID = delegated.UserOID
			params.AppID = delegated.AppID
		case haveBearer:
			params.UserOID = cred.UserOID
			params.APIKeyID = cred.APIKeyID
		default:
			apierr.WriteJSON(w, apierr.New(apierr.KindInvalidCredential, "missing bearer credential or delegation parameters"))
			return
		}

		ctx = context.WithValue(ctx, PrincipalContextKey, params)
		ctx = context.WithValue(ctx, RewrittenBodyContextKey, rewritten)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetPrincipal extracts the resolved principal from the request context.
func GetPrincipal(ctx context.Context) (principal.Params, bool) {
	v, ok := ctx.Value(PrincipalContextKey).(principal.Params)
	return v, ok
}

// GetRewrittenBody extracts the delegation-stripped request body from context.
func GetRewrittenBody(ctx context.Context) []byte {
	if v, ok := ctx.Value(RewrittenBodyContextKey).([]byte); ok {
		return v
	}
	return nil
}

// readAndRestoreBody drains r.Body and replaces it with a fresh reader
// over the same bytes so later middleware and the handler can each
// read the body exactly once from their own point of view.
func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 16*1024*1024))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}
