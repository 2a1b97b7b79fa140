package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OAuth exchanges client credentials for an access token.
type OAuth struct {
	tokenURL     string
	clientID     string
	clientSecret Provider
	scope        string
	client       *http.Client
	now          func() time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func NewOAuth(tokenURL, clientID string, clientSecret Provider, scope string, client *http.Client) *OAuth {
	if client == nil {
		client = http.DefaultClient
	}
	return &OAuth{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		scope:        scope,
		client:       client,
		now:          time.Now,
	}
}

func (o *OAuth) Name() string { return "oauth:" + o.tokenURL }

func (o *OAuth) Acquire(ctx context.Context) (Credential, error) {
	secret, err := o.clientSecret.Acquire(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to get client secret: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", o.clientID)
	form.Set("client_secret", secret.Token)
	if o.scope != "" {
		form.Set("scope", o.scope)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return Credential{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Credential{}, fmt.Errorf("token endpoint error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Credential{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return Credential{}, fmt.Errorf("token endpoint returned no access_token: %w", ErrNoCredential)
	}

	cred := Credential{Token: tr.AccessToken}
	if tr.ExpiresIn > 0 {
		cred.ExpiresAt = o.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return cred, nil
}
