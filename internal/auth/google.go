package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	jwxjwt "github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

// Identity is what the provider asserts about the user at consent time.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

// GoogleAuthenticator runs the authorization-code flow against Google
// and verifies the returned id_token against Google's JWKS, cached
// with background refresh so the callback path makes no key fetch.
type GoogleAuthenticator struct {
	cfg     *oauth2.Config
	cache   *jwk.Cache
	jwksURL string
}

// NewGoogleAuthenticator builds the authenticator and warms the JWKS cache.
func NewGoogleAuthenticator(ctx context.Context, clientID, clientSecret, redirectURL string) (*GoogleAuthenticator, error) {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes: []string{
			"openid",
			"email",
			"profile",
			"https://www.googleapis.com/auth/gmail.readonly",
			"https://www.googleapis.com/auth/gmail.send",
		},
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(googleJWKSURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, googleJWKSURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &GoogleAuthenticator{cfg: cfg, cache: cache, jwksURL: googleJWKSURL}, nil
}

// OAuthConfig exposes the provider config so the token manager runs
// its refresh grants against the exact same endpoint and client.
func (g *GoogleAuthenticator) OAuthConfig() *oauth2.Config {
	return g.cfg
}

// AuthURL returns the consent URL. Offline access and forced consent
// make the provider include a refresh token in the grant.
func (g *GoogleAuthenticator) AuthURL(state string) string {
	return g.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange trades the authorization code for tokens and returns the
// verified identity from the id_token.
func (g *GoogleAuthenticator) Exchange(ctx context.Context, code string) (*oauth2.Token, *Identity, error) {
	tok, err := g.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("exchange code: %w", err)
	}

	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return nil, nil, errors.New("token response missing id_token")
	}

	ident, err := g.verifyIDToken(ctx, raw)
	if err != nil {
		return nil, nil, fmt.Errorf("verify id_token: %w", err)
	}
	return tok, ident, nil
}

func (g *GoogleAuthenticator) verifyIDToken(ctx context.Context, raw string) (*Identity, error) {
	keySet, err := g.cache.Get(ctx, g.jwksURL)
	if err != nil {
		// Fallback to direct fetch if cache fails
		keySet, err = jwk.Fetch(ctx, g.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("fetch JWKS: %w", err)
		}
	}

	token, err := jwxjwt.Parse([]byte(raw),
		jwxjwt.WithKeySet(keySet),
		jwxjwt.WithValidate(true),
		jwxjwt.WithAudience(g.cfg.ClientID),
		jwxjwt.WithIssuer("https://accounts.google.com"),
	)
	if err != nil {
		return nil, err
	}

	ident := &Identity{Subject: token.Subject()}
	if ident.Subject == "" {
		return nil, errors.New("id_token missing subject")
	}
	if emailClaim, ok := token.Get("email"); ok {
		ident.Email, _ = emailClaim.(string)
	}
	if nameClaim, ok := token.Get("name"); ok {
		ident.Name, _ = nameClaim.(string)
	}
	if ident.Email == "" {
		return nil, errors.New("id_token missing email")
	}
	return ident, nil
}
