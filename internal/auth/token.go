package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNoCredential means the request carries no token at all.
	ErrNoCredential = errors.New("auth: no credential")
	// ErrBadCredential covers malformed, undecryptable and revoked tokens.
	ErrBadCredential = errors.New("auth: bad credential")
)

type TokenPayload struct {
	Account   string `json:"uuid"`
	DeviceID  int    `json:"deviceId"`
	Timestamp string `json:"timestamp"`
}

// Identity is the authenticated (account, device) pair of a connection.
type Identity struct {
	Account uuid.UUID
	Device  uint8
	Token   string
}

type Options struct {
	Header       string
	BearerPrefix string
	QueryKey     string
	RedisPrefix  string
	Secret       string
	CheckSession bool
}

type Authenticator struct {
	opt Options
	rdb *redis.Client
}

// NewAuthenticator builds an authenticator. rdb may be nil when sessions are not checked.
func NewAuthenticator(opt Options, rdb *redis.Client) *Authenticator {
	return &Authenticator{opt: opt, rdb: rdb}
}

// Authenticate returns ErrNoCredential for anonymous requests and an error wrapping
// ErrBadCredential when a token is present but unusable.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	tok := ExtractToken(r, a.opt.Header, a.opt.BearerPrefix, a.opt.QueryKey)
	if tok == "" {
		return nil, ErrNoCredential
	}
	p, err := ParseToken(tok, a.opt.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCredential, err)
	}
	id, err := uuid.Parse(p.Account)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCredential, err)
	}
	if a.opt.CheckSession {
		ok, err := ValidateSession(ctx, a.rdb, a.opt.RedisPrefix, tok)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: session expired", ErrBadCredential)
		}
	}
	return &Identity{Account: id, Device: uint8(p.DeviceID), Token: tok}, nil
}

// ExtractToken gets token from Authorization header (Bearer) or query parameter.
func ExtractToken(r *http.Request, header, bearerPrefix, queryKey string) string {
	if header != "" {
		v := strings.TrimSpace(r.Header.Get(header))
		if v != "" {
			if bearerPrefix != "" && strings.HasPrefix(v, bearerPrefix) {
				return strings.TrimSpace(strings.TrimPrefix(v, bearerPrefix))
			}
			return v
		}
	}
	if queryKey != "" {
		if q := strings.TrimSpace(r.URL.Query().Get(queryKey)); q != "" {
			return q
		}
	}
	return ""
}

// ParseToken decrypts the token and validates its payload.
func ParseToken(token, secret string) (*TokenPayload, error) {
	if token == "" {
		return nil, errors.New("empty token")
	}
	plain, err := Decrypt(token, secret)
	if err != nil {
		return nil, err
	}
	var p TokenPayload
	if err := json.Unmarshal([]byte(plain), &p); err != nil {
		return nil, err
	}
	if p.Account == "" || p.DeviceID <= 0 || p.DeviceID > 255 || p.Timestamp == "" {
		return nil, errors.New("invalid token payload")
	}
	return &p, nil
}

// IssueToken is the inverse of ParseToken. Used by tooling and tests.
func IssueToken(p TokenPayload, secret string) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return Encrypt(string(b), secret)
}

// ValidateSession checks whether the token session exists in Redis: EXISTS prefix+token.
func ValidateSession(ctx context.Context, rdb *redis.Client, redisPrefix, token string) (bool, error) {
	if rdb == nil {
		return false, nil
	}
	n, err := rdb.Exists(ctx, redisPrefix+token).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
