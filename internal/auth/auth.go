package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const keyLength = 32

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Grant is the outcome of matching an app key against the configured secrets.
type Grant int

const (
	GrantNone Grant = iota
	GrantClient
	GrantAdmin
)

func (g Grant) String() string {
	switch g {
	case GrantClient:
		return "client"
	case GrantAdmin:
		return "admin"
	default:
		return "none"
	}
}

// Keys holds the two shared secrets the relay authenticates against.
// Client authenticates targets, Admin authenticates controllers.
type Keys struct {
	Client string
	Admin  string
}

// Validate checks that both keys are set and differ.
func (k Keys) Validate() error {
	if strings.TrimSpace(k.Client) == "" {
		return errors.New("client key is required")
	}
	if strings.TrimSpace(k.Admin) == "" {
		return errors.New("admin key is required")
	}
	if k.Client == k.Admin {
		return errors.New("client key and admin key must differ")
	}
	return nil
}

// Match compares candidate against both keys using constant-time comparison.
// An empty candidate never matches.
func (k Keys) Match(candidate string) Grant {
	if candidate == "" {
		return GrantNone
	}
	c := []byte(candidate)
	client := k.Client != "" && subtle.ConstantTimeCompare([]byte(k.Client), c) == 1
	admin := k.Admin != "" && subtle.ConstantTimeCompare([]byte(k.Admin), c) == 1
	switch {
	case client:
		return GrantClient
	case admin:
		return GrantAdmin
	default:
		return GrantNone
	}
}

// GenerateKey returns a random 32-character alphanumeric key.
func GenerateKey() (string, error) {
	key, err := randomAlphanumeric(keyLength)
	if err != nil {
		return "", fmt.Errorf("generating random key: %w", err)
	}
	return key, nil
}

func randomAlphanumeric(n int) (string, error) {
	max := big.NewInt(int64(len(alphanumeric)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}
