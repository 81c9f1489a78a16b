// Package twitchapi contains a minimal Helix client used to resolve chat sender ids to
// display names, authenticated with an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv"

// maxUsersPerRequest is Helix's cap on repeated id parameters.
const maxUsersPerRequest = 100

// HelixClient provides the user lookup the identity directory needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	BaseURL        string
	HTTPClient     *http.Client
}

// User is the subset of a Helix user the replay displays.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultBaseURL
}

// GetUsers resolves user ids in batches of 100. Unknown ids are simply absent from the result.
func (hc *HelixClient) GetUsers(ctx context.Context, ids []string) ([]User, error) {
	out := make([]User, 0, len(ids))
	for start := 0; start < len(ids); start += maxUsersPerRequest {
		end := start + maxUsersPerRequest
		if end > len(ids) {
			end = len(ids)
		}
		users, err := hc.getUsersBatch(ctx, ids[start:end])
		if err != nil {
			return out, err
		}
		out = append(out, users...)
	}
	return out, nil
}

func (hc *HelixClient) getUsersBatch(ctx context.Context, ids []string) ([]User, error) {
	users, status, err := hc.doGetUsers(ctx, ids)
	if err == nil && status == http.StatusUnauthorized {
		// app token revoked or expired early
		hc.AppTokenSource.Invalidate()
		users, status, err = hc.doGetUsers(ctx, ids)
	}
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("helix users status %d", status)
	}
	return users, nil
}

func (hc *HelixClient) doGetUsers(ctx context.Context, ids []string) ([]User, int, error) {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.baseURL()+"/helix/users", nil)
	if err != nil {
		return nil, 0, err
	}
	q := req.URL.Query()
	for _, id := range ids {
		q.Add("id", id)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))
		return nil, resp.StatusCode, nil
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, resp.StatusCode, err
	}
	return body.Data, resp.StatusCode, nil
}
