// Package github authenticates clones of private GitHub repositories and
// lists the repositories an installation or organization can reach.
package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	gogithub "github.com/google/go-github/v60/github"
)

// TokenSource yields the token sent with clone requests. An empty token
// means the clone is anonymous.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, typically a personal access token.
type StaticToken string

// Token returns the token unchanged.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// AppTokenSource mints GitHub App installation tokens. ghinstallation caches
// the token and refreshes it shortly before it expires.
type AppTokenSource struct {
	transport *ghinstallation.Transport
}

// NewAppTokenSource creates a token source for a GitHub App installation.
//
// privateKey can be either:
//   - Raw PEM bytes (begins with "-----BEGIN")
//   - Base64-encoded PEM bytes
//
// If privateKey is nil or empty and privateKeyPath is provided, the key is
// read from that file path.
func NewAppTokenSource(appID, installationID int64, privateKey []byte, privateKeyPath string) (*AppTokenSource, error) {
	key, err := resolvePrivateKey(privateKey, privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("resolving private key: %w", err)
	}

	transport, err := ghinstallation.New(http.DefaultTransport, appID, installationID, key)
	if err != nil {
		return nil, fmt.Errorf("creating installation transport: %w", err)
	}
	return &AppTokenSource{transport: transport}, nil
}

// WithBaseURL points the token source at a GitHub Enterprise API root.
func (a *AppTokenSource) WithBaseURL(baseURL string) *AppTokenSource {
	a.transport.BaseURL = strings.TrimRight(baseURL, "/")
	return a
}

// Token returns a valid installation access token.
func (a *AppTokenSource) Token(ctx context.Context) (string, error) {
	token, err := a.transport.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching installation token: %w", err)
	}
	return token, nil
}

// Client returns a REST client authenticated as the installation.
func (a *AppTokenSource) Client() *gogithub.Client {
	return gogithub.NewClient(&http.Client{Transport: a.transport})
}

// NewTokenClient returns a REST client authenticated with a plain token, or
// an anonymous client when token is empty.
func NewTokenClient(token string) *gogithub.Client {
	client := gogithub.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return client
}

// resolvePrivateKey returns PEM-encoded private key bytes from either the
// provided raw/base64-encoded key or by reading from a file path.
func resolvePrivateKey(key []byte, keyPath string) ([]byte, error) {
	if len(key) > 0 {
		s := strings.TrimSpace(string(key))
		if strings.HasPrefix(s, "-----BEGIN") {
			return []byte(s), nil
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			decoded, err = base64.URLEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("private key is neither PEM nor valid base64: %w", err)
			}
		}
		return decoded, nil
	}

	if keyPath != "" {
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("reading private key file %s: %w", keyPath, err)
		}
		return data, nil
	}

	return nil, fmt.Errorf("no private key provided: set private_key or private_key_path")
}
