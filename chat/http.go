package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPHistory fetches a room's history from a replay server's messages endpoint.
type HTTPHistory struct {
	BaseURL    string
	RoomUUID   string
	HTTPClient *http.Client
}

func (h *HTTPHistory) http() *http.Client {
	if h.HTTPClient != nil {
		return h.HTTPClient
	}
	return http.DefaultClient
}

// Fetch implements HistoryStore. Bounds travel as unix milliseconds.
func (h *HTTPHistory) Fetch(ctx context.Context, lowerExclusive, upperInclusive time.Time) ([]ChatMsg, error) {
	u := fmt.Sprintf("%s/rooms/%s/messages", strings.TrimRight(h.BaseURL, "/"), url.PathEscape(h.RoomUUID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	q := req.URL.Query()
	q.Set("after", strconv.FormatInt(lowerExclusive.UnixMilli(), 10))
	q.Set("until", strconv.FormatInt(upperInclusive.UnixMilli(), 10))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")

	resp, err := h.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("history status %d: %s", resp.StatusCode, string(b))
	}
	var out []ChatMsg
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if out == nil {
		out = []ChatMsg{}
	}
	return out, nil
}
