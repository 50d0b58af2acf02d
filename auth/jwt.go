package auth

import (
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"relaychat/tools/errs"
)

// JWT authenticates HS256 bearer tokens from the upgrade request. The token
// is read from the configured header ("Authorization: Bearer <tok>") with a
// query-parameter fallback for browser websocket clients that cannot set
// headers.
type JWT struct {
	Secret       []byte
	Header       string // default "Authorization"
	BearerPrefix string // default "Bearer "
	QueryKey     string // default "token"
}

func NewJWT(secret []byte) *JWT {
	return &JWT{
		Secret:       secret,
		Header:       "Authorization",
		BearerPrefix: "Bearer ",
		QueryKey:     "token",
	}
}

func (j *JWT) Authenticate(r *http.Request) (string, error) {
	raw := j.extract(r)
	if raw == "" {
		return "", errs.ErrAuth.WithDetail("missing token")
	}
	tok, err := jwtlib.Parse(raw, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errs.ErrAuth.WithDetail("unexpected signing method")
		}
		return j.Secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", errs.ErrAuth.WithDetail(err.Error())
	}
	claims, ok := tok.Claims.(jwtlib.MapClaims)
	if !ok {
		return "", errs.ErrAuth.WithDetail("bad claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errs.ErrAuth.WithDetail("missing subject")
	}
	return sub, nil
}

func (j *JWT) extract(r *http.Request) string {
	header := j.Header
	if header == "" {
		header = "Authorization"
	}
	prefix := j.BearerPrefix
	if prefix == "" {
		prefix = "Bearer "
	}
	if h := r.Header.Get(header); h != "" && strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	key := j.QueryKey
	if key == "" {
		key = "token"
	}
	return r.URL.Query().Get(key)
}

// Sign issues a token for identity; used by tests and provisioning tools,
// production tokens come from the auth service.
func (j *JWT) Sign(identity string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = 2 * time.Hour
	}
	now := time.Now()
	claims := jwtlib.MapClaims{
		"sub": identity,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(j.Secret)
}
