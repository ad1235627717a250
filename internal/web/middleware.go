package web

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"

	"github.com/nexushq/nexus/internal/apperr"
	"github.com/nexushq/nexus/internal/db"
)

type ctxKey int

const (
	ctxRequestID ctxKey = iota
	ctxViewer
)

// requestID stamps every request with a uuid, echoed in the response header
// and in error envelopes.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRequestID, rid)))
	})
}

func requestIDFrom(ctx context.Context) string {
	rid, _ := ctx.Value(ctxRequestID).(string)
	return rid
}

func viewerFrom(ctx context.Context) *db.User {
	u, _ := ctx.Value(ctxViewer).(*db.User)
	return u
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

// authed verifies the IdP bearer token, checks the internal-secret gate in
// staging/prod, and binds the viewer (bootstrapping on first sight).
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Env != "dev" {
			given := []byte(r.Header.Get("X-Nexus-Internal"))
			want := []byte(s.cfg.InternalSecret)
			if len(want) == 0 || subtle.ConstantTimeCompare(given, want) != 1 {
				s.writeError(w, r, apperr.New(apperr.EInternalOnly, "internal access required"))
				return
			}
		}

		raw := bearerToken(r)
		if raw == "" {
			s.writeError(w, r, apperr.New(apperr.EUnauthenticated, "missing bearer token"))
			return
		}
		subject, err := s.verifier.Verify(r.Context(), raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		user, err := s.store.BootstrapUser(r.Context(), subject)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxViewer, user)))
	}
}

// streamAuthed accepts only single-use stream tokens. The token subject is
// the nexus user id, so no bootstrap happens here.
func (s *Server) streamAuthed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			s.writeError(w, r, apperr.New(apperr.EStreamTokenInvalid, "missing stream token"))
			return
		}
		userID, err := s.tokens.Verify(r.Context(), raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		user := &db.User{ID: userID}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxViewer, user)))
	}
}

// OIDCVerifier validates IdP JWTs against the issuer's JWKS.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the issuer and builds a JWKS-backed verifier.
func NewOIDCVerifier(ctx context.Context, issuer, audience string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, apperr.Wrap(apperr.EAuthUnavailable, "discover oidc issuer", err)
	}
	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: audience}),
	}, nil
}

// Verify checks the token and returns its subject as a uuid.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (uuid.UUID, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.EUnauthenticated, "invalid bearer token", err)
	}
	subject, err := uuid.Parse(token.Subject)
	if err != nil {
		return uuid.Nil, apperr.New(apperr.EUnauthenticated, "token subject is not a uuid")
	}
	return subject, nil
}
