package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/workbeam/livesync/internal"
)

var Version = ""

// HTTP401 is returned when the store rejects the credential.
var HTTP401 error = fmt.Errorf("HTTP 401")

// PullClient is the idempotent pull API owned by the external workspace
// store, consumed by both the cache layer and the fallback poller.
type PullClient interface {
	ListNotifications(ctx context.Context) ([]internal.NotificationProjection, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, notificationID string) error
	MarkAllRead(ctx context.Context) error
}

// HTTPPullClient talks to the workspace store's REST surface.
// One client can be shared among all cache consumers in the process.
type HTTPPullClient struct {
	Client  *http.Client
	BaseURL string
	Token   string
}

func (c *HTTPPullClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "livesync-client-"+Version)
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case 200:
		return io.ReadAll(res.Body)
	case 401:
		return nil, HTTP401
	default:
		return nil, fmt.Errorf("%s %s returned HTTP %d", method, path, res.StatusCode)
	}
}

func (c *HTTPPullClient) ListNotifications(ctx context.Context) ([]internal.NotificationProjection, error) {
	b, err := c.do(ctx, "GET", "/api/v1/notifications", nil)
	if err != nil {
		return nil, err
	}
	var notifs []internal.NotificationProjection
	if err := json.Unmarshal([]byte(gjson.GetBytes(b, "notifications").Raw), &notifs); err != nil {
		return nil, fmt.Errorf("ListNotifications: response decode failed: %w", err)
	}
	return notifs, nil
}

func (c *HTTPPullClient) UnreadCount(ctx context.Context) (int, error) {
	b, err := c.do(ctx, "GET", "/api/v1/notifications/unread-count", nil)
	if err != nil {
		return 0, err
	}
	return int(gjson.GetBytes(b, "count").Int()), nil
}

func (c *HTTPPullClient) MarkRead(ctx context.Context, notificationID string) error {
	_, err := c.do(ctx, "POST", "/api/v1/notifications/"+notificationID+"/read", nil)
	return err
}

func (c *HTTPPullClient) MarkAllRead(ctx context.Context) error {
	_, err := c.do(ctx, "POST", "/api/v1/notifications/read-all", nil)
	return err
}
