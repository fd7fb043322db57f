package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/jwt"
)

const (
	// GmailSendScope is the only scope the gateway requests.
	GmailSendScope = "https://www.googleapis.com/auth/gmail.send"
	// GoogleTokenURL is Google's OAuth2 token endpoint.
	GoogleTokenURL = "https://oauth2.googleapis.com/token"
)

// ServiceAccount holds the credentials for Google's JWT bearer grant.
type ServiceAccount struct {
	ClientEmail string
	PrivateKey  string
	// Subject impersonates a domain user when set.
	Subject  string
	TokenURL string
	Client   *http.Client
}

// Configured reports whether both the email and the key are present.
func (s ServiceAccount) Configured() bool {
	return s.ClientEmail != "" && s.PrivateKey != ""
}

// NewServiceAccountSource returns a Source performing the JWT bearer grant
// for the gmail.send scope.
func NewServiceAccountSource(sa ServiceAccount) (Source, error) {
	if !sa.Configured() {
		return nil, errors.New("service account requires client email and private key")
	}
	tokenURL := sa.TokenURL
	if tokenURL == "" {
		tokenURL = GoogleTokenURL
	}
	cfg := &jwt.Config{
		Email: sa.ClientEmail,
		// Keys pasted into env vars usually carry literal "\n" sequences.
		PrivateKey: []byte(strings.ReplaceAll(sa.PrivateKey, `\n`, "\n")),
		Scopes:     []string{GmailSendScope},
		TokenURL:   tokenURL,
		Subject:    sa.Subject,
	}
	return SourceFunc(func(ctx context.Context) (Token, error) {
		return exchange(withClient(ctx, sa.Client), cfg.TokenSource)
	}), nil
}

// Delegated holds client-credentials settings for an external identity
// provider that issues Gmail-scoped tokens.
type Delegated struct {
	Domain       string
	ClientID     string
	ClientSecret string
	Audience     string
	// TokenURL overrides https://{Domain}/oauth/token.
	TokenURL string
	Client   *http.Client
}

// Configured reports whether the domain and client credentials are present.
func (d Delegated) Configured() bool {
	return (d.Domain != "" || d.TokenURL != "") && d.ClientID != "" && d.ClientSecret != ""
}

// NewDelegatedSource returns a Source performing the client-credentials
// grant with an audience parameter.
func NewDelegatedSource(d Delegated) (Source, error) {
	if !d.Configured() {
		return nil, errors.New("delegated auth requires domain, client id and client secret")
	}
	tokenURL := d.TokenURL
	if tokenURL == "" {
		tokenURL = "https://" + strings.TrimSuffix(d.Domain, "/") + "/oauth/token"
	}
	audience := d.Audience
	if audience == "" {
		audience = GmailSendScope
	}
	cfg := &clientcredentials.Config{
		ClientID:       d.ClientID,
		ClientSecret:   d.ClientSecret,
		TokenURL:       tokenURL,
		EndpointParams: url.Values{"audience": {audience}},
		AuthStyle:      oauth2.AuthStyleInParams,
	}
	return SourceFunc(func(ctx context.Context) (Token, error) {
		return exchange(withClient(ctx, d.Client), cfg.TokenSource)
	}), nil
}

func withClient(ctx context.Context, c *http.Client) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c)
}

func exchange(ctx context.Context, newSource func(context.Context) oauth2.TokenSource) (Token, error) {
	t, err := newSource(ctx).Token()
	if err != nil {
		return Token{}, fmt.Errorf("token exchange: %w", err)
	}
	return Token{AccessToken: t.AccessToken, ExpiresAt: t.Expiry}, nil
}
