package auth

import (
	"net/http"

	"relaychat/tools/errs"
)

// Authenticator is the external auth collaborator seam. The engine hands it
// the upgrade request and gets back the authenticated identity; it never
// parses credentials itself beyond locating the token.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Static maps fixed tokens to identities. Test and local-dev collaborator.
type Static struct {
	Tokens map[string]string // token -> identity
}

func (s *Static) Authenticate(r *http.Request) (string, error) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		return "", errs.ErrAuth.WithDetail("missing token")
	}
	id, ok := s.Tokens[tok]
	if !ok {
		return "", errs.ErrAuth.WithDetail("unknown token")
	}
	return id, nil
}
