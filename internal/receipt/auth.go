package receipt

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidToken is returned for unknown or expired credentials
var ErrInvalidToken = errors.New("invalid token")

// StaticTokens verifies bearer tokens against a fixed token to user table
type StaticTokens struct {
	users map[string]string
}

// ParseStaticTokens reads a comma separated list of token:user pairs
func ParseStaticTokens(list string) (*StaticTokens, error) {
	st := &StaticTokens{users: make(map[string]string)}
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("invalid token entry %q, expected token:user", pair)
		}
		st.users[token] = user
	}
	if len(st.users) == 0 {
		return nil, fmt.Errorf("no tokens configured")
	}
	return st, nil
}

// Verify looks the token up in constant time per entry
func (s *StaticTokens) Verify(ctx context.Context, token string) (*User, error) {
	for known, user := range s.users {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return &User{ID: user}, nil
		}
	}
	return nil, ErrInvalidToken
}
