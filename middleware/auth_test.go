package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/railgate/gateway/credential"
	"github.com/railgate/gateway/domain"
)

type stubKeyStore struct {
	keysByLookupHash map[string]domain.ApiKey
	usersByOID       map[string]domain.User
	appsByID         map[string]domain.App
}

func newStubKeyStore() *stubKeyStore {
	return &stubKeyStore{
		keysByLookupHash: map[string]domain.ApiKey{},
		usersByOID:       map[string]domain.User{},
		appsByID:         map[string]domain.App{},
	}
}

func (s *stubKeyStore) GetAPIKeyByHash(_ context.Context, lookupHash string) (domain.ApiKey, error) {
	k, ok := s.keysByLookupHash[lookupHash]
	if !ok {
		return domain.ApiKey{}, errNotFound{}
	}
	return k, nil
}

func (s *stubKeyStore) GetUserByOID(_ context.Context, oid string) (domain.User, error) {
	u, ok := s.usersByOID[oid]
	if !ok {
		return domain.User{}, errNotFound{}
	}
	return u, nil
}

func (s *stubKeyStore) GetAppByID(_ context.Context, id string) (domain.App, error) {
	a, ok := s.appsByID[id]
	if !ok {
		return domain.App{}, errNotFound{}
	}
	return a, nil
}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

func lookupHashOf(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

func saltedHashOf(salt, secret string) string {
	h := sha256.Sum256([]byte(salt + secret))
	return hex.EncodeToString(h[:])
}

func newTestAuthMiddleware(t *testing.T, store *stubKeyStore, sharedSecret string) *AuthMiddleware {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	v := credential.NewVerifier(store, rc, zerolog.New(io.Discard), sharedSecret, "gw_")
	return NewAuthMiddleware(v, zerolog.New(io.Discard))
}

func TestHandlerAuthenticatesBearerOnly(t *testing.T) {
	store := newStubKeyStore()
	secret := "gw_abc123"
	store.keysByLookupHash[lookupHashOf(secret)] = domain.ApiKey{
		ID: "key1", OwnerOID: "user1", IsActive: true,
		Salt: "salt1", SecretHash: saltedHashOf("salt1", secret),
	}

	am := newTestAuthMiddleware(t, store, "")

	var gotUserOID, gotAPIKeyID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := GetPrincipal(r.Context())
		if !ok {
			t.Fatal("expected a principal in context")
		}
		gotUserOID, gotAPIKeyID = p.UserOID, p.APIKeyID
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer "+secret)
	rec := httptest.NewRecorder()
	am.Handler(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotUserOID != "user1" || gotAPIKeyID != "key1" {
		t.Fatalf("expected bearer principal, got user=%q key=%q", gotUserOID, gotAPIKeyID)
	}
}

func TestHandlerAuthenticatesDelegationOnlyWithoutBearer(t *testing.T) {
	store := newStubKeyStore()
	store.usersByOID["user-abc"] = domain.User{OID: "user-abc", PaymentStatus: domain.PaymentActive}
	store.appsByID["dify-prod"] = domain.App{AppID: "dify-prod", OwnerOID: "user-abc", IsActive: true}

	am := newTestAuthMiddleware(t, store, "shared-secret")

	var gotUserOID, gotAppID, gotAPIKeyID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := GetPrincipal(r.Context())
		if !ok {
			t.Fatal("expected a principal in context")
		}
		gotUserOID, gotAppID, gotAPIKeyID = p.UserOID, p.AppID, p.APIKeyID
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Gateway-Secret", "shared-secret")
	req.Header.Set("X-User-Oid", "user-abc")
	req.Header.Set("X-App-Id", "dify-prod")
	rec := httptest.NewRecorder()
	am.Handler(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected delegation-only auth (no bearer) to succeed, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotUserOID != "user-abc" || gotAppID != "dify-prod" {
		t.Fatalf("unexpected delegated principal: user=%q app=%q", gotUserOID, gotAppID)
	}
	if gotAPIKeyID != "" {
		t.Fatalf("expected delegation mode to yield a null api_key_id, got %q", gotAPIKeyID)
	}
}

func TestHandlerRejectsWhenNeitherBearerNorDelegationPresent(t *testing.T) {
	am := newTestAuthMiddleware(t, newStubKeyStore(), "shared-secret")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run without any credential")
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	am.Handler(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandlerAppliesEmbeddedDelegationAttributionAlongsideBearer(t *testing.T) {
	store := newStubKeyStore()
	secret := "gw_abc123"
	store.keysByLookupHash[lookupHashOf(secret)] = domain.ApiKey{
		ID: "key1", OwnerOID: "bearer-owner", IsActive: true,
		Salt: "salt1", SecretHash: saltedHashOf("salt1", secret),
	}
	store.usersByOID["user-abc"] = domain.User{OID: "user-abc", PaymentStatus: domain.PaymentActive}
	store.appsByID["dify-prod"] = domain.App{AppID: "dify-prod", OwnerOID: "user-abc", IsActive: true}

	am := newTestAuthMiddleware(t, store, "shared-secret")

	var gotUserOID, gotAppID string
	var gotBody []byte
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := GetPrincipal(r.Context())
		if !ok {
			t.Fatal("expected a principal in context")
		}
		gotUserOID, gotAppID = p.UserOID, p.AppID
		gotBody = GetRewrittenBody(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	body := `{"messages":[{"role":"user","content":"\"x_user_oid\": \"user-abc\", \"x_app_id\": \"dify-prod\", \"message\": \"hello\""}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(body)))
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("X-Gateway-Secret", "shared-secret")
	rec := httptest.NewRecorder()
	am.Handler(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotUserOID != "user-abc" || gotAppID != "dify-prod" {
		t.Fatalf("expected embedded delegation to override attribution, got user=%q app=%q", gotUserOID, gotAppID)
	}
	if !bytes.Contains(gotBody, []byte(`"hello"`)) {
		t.Fatalf("expected the upstream body rewritten to the embedded message, got %s", gotBody)
	}
}
