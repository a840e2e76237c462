package auth

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const ctxKeyActor ctxKey = "governor.actor"

// Actor is the verified identity making a governance decision. Subject goes
// into HeldAction.decidedBy.
type Actor struct {
	Subject string
	Issuer  string
}

// FromContext returns the Actor stored on the request context, or nil.
func FromContext(ctx context.Context) *Actor {
	v := ctx.Value(ctxKeyActor)
	if v == nil {
		return nil
	}
	if a, ok := v.(*Actor); ok {
		return a
	}
	return nil
}

// Verifier validates bearer tokens against a set of trusted public keys
// loaded from a PEM file.
type Verifier struct {
	keys            []interface{}
	allowDebugActor bool
}

// NewVerifier loads trusted keys from keysFile (PEM public keys or
// certificates). keysFile may be empty only when allowDebugActor is set, in
// which case the X-Debug-Actor header is trusted for local development.
func NewVerifier(keysFile string, allowDebugActor bool) (*Verifier, error) {
	v := &Verifier{allowDebugActor: allowDebugActor}
	if keysFile == "" {
		if !allowDebugActor {
			return nil, fmt.Errorf("actor keys file required when debug actor is disabled")
		}
		return v, nil
	}
	data, err := os.ReadFile(keysFile)
	if err != nil {
		return nil, fmt.Errorf("read actor keys: %w", err)
	}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, certErr := x509.ParseCertificate(block.Bytes)
			if certErr != nil {
				continue
			}
			key = cert.PublicKey
		}
		v.keys = append(v.keys, key)
	}
	if len(v.keys) == 0 {
		return nil, fmt.Errorf("no valid keys found in %s", keysFile)
	}
	return v, nil
}

// VerifyRequest resolves the request's actor: the debug header in dev mode,
// a client certificate when the listener terminates mTLS, otherwise a bearer
// token validated against the trusted keys.
func (v *Verifier) VerifyRequest(r *http.Request) (*Actor, error) {
	if v.allowDebugActor {
		if who := r.Header.Get("X-Debug-Actor"); who != "" {
			return &Actor{Subject: who}, nil
		}
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		cert := r.TLS.PeerCertificates[0]
		if cert.Subject.CommonName != "" {
			return &Actor{Subject: cert.Subject.CommonName, Issuer: cert.Issuer.CommonName}, nil
		}
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, errors.New("bearer token required")
	}
	return v.verifyToken(strings.TrimPrefix(authHeader, "Bearer "))
}

func (v *Verifier) verifyToken(tokenStr string) (*Actor, error) {
	if len(v.keys) == 0 {
		return nil, errors.New("no trusted keys configured")
	}

	var (
		token *jwt.Token
		err   error
	)
	for _, key := range v.keys {
		token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err == nil && token.Valid {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("token parse error: %w", err)
	}
	if token == nil || !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("token missing sub claim")
	}
	iss, _ := claims.GetIssuer()
	return &Actor{Subject: sub, Issuer: iss}, nil
}

// Middleware rejects requests without a resolvable actor and stores the
// Actor on the context for handlers.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := v.VerifyRequest(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyActor, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
