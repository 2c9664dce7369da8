package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"go-lambda-channels/server"
)

// localPusher posts frames to the emulator's management endpoint, signing
// each call with a short-lived HS256 token.
type localPusher struct {
	client  *http.Client
	baseURL string
	secret  []byte
}

func newLocalPusher(baseURL string, secret []byte) *localPusher {
	return &localPusher{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		secret:  secret,
	}
}

func (p *localPusher) token() (string, error) {
	now := time.Now()
	claims := managementClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "lambda",
			Audience:  jwt.ClaimStrings{managementAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

// PostToConnection implements server.Pusher.
func (p *localPusher) PostToConnection(ctx context.Context, conn server.Connection, payload []byte) error {
	tok, err := p.token()
	if err != nil {
		return errors.Wrap(err, "sign management token")
	}

	target := p.baseURL + "/__gateway/" + url.PathEscape(conn.Endpoint.Stage) + "/@connections/" + url.PathEscape(conn.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build management request")
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "post to connection %s", conn.ID)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusGone:
		return errors.Wrapf(server.ErrConnectionGone, "connection %s", conn.ID)
	case resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusRequestEntityTooLarge,
		resp.StatusCode == http.StatusTooManyRequests:
		return errors.Wrapf(server.ErrPushRejected, "connection %s: %s", conn.ID, resp.Status)
	}
	return errors.Errorf("post to connection %s: %s", conn.ID, resp.Status)
}
