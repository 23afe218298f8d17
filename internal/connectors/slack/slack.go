package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/nexasec/shadowbot/internal/config"
	"github.com/nexasec/shadowbot/internal/connectors"
	"github.com/nexasec/shadowbot/internal/models"
)

// Connector talks to the Slack Web API. Slack reports most failures as
// HTTP 200 with ok=false, so every call routes through classifyAPIError.
type Connector struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

func New(ctx context.Context, cfg config.PlatformsConfig, cred *models.Credential) (connectors.Connector, error) {
	if cred.AccessToken == "" {
		return nil, &connectors.AuthError{
			Platform: models.PlatformSlack,
			Reason:   "empty access token",
		}
	}

	return &Connector{
		baseURL: cfg.Slack.BaseURL,
		token:   cred.AccessToken,
		client:  &http.Client{Timeout: cfg.Slack.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.Slack.RatePerSecond), 1),
	}, nil
}

func (c *Connector) Platform() models.Platform {
	return models.PlatformSlack
}

func (c *Connector) Validate(ctx context.Context) error {
	var resp struct {
		apiEnvelope
		TeamID string `json:"team_id"`
	}
	return c.call(ctx, "auth.test", nil, &resp)
}

func (c *Connector) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// ListAutomations pages through the workspace member list and keeps bot
// users and app integrations. Slack has no changed-since filter on
// users.list; the since watermark is applied on the `updated` field.
func (c *Connector) ListAutomations(ctx context.Context, since time.Time, cursor string) (*connectors.AutomationPage, error) {
	params := url.Values{"limit": {"200"}}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	var resp struct {
		apiEnvelope
		Members          []map[string]interface{} `json:"members"`
		ResponseMetadata struct {
			NextCursor string `json:"next_cursor"`
		} `json:"response_metadata"`
	}
	if err := c.call(ctx, "users.list", params, &resp); err != nil {
		return nil, err
	}

	page := &connectors.AutomationPage{NextCursor: resp.ResponseMetadata.NextCursor}
	for _, m := range resp.Members {
		isBot, _ := m["is_bot"].(bool)
		if !isBot {
			continue
		}
		if updated, ok := m["updated"].(float64); ok && !since.IsZero() {
			if time.Unix(int64(updated), 0).Before(since) {
				continue
			}
		}
		id, _ := m["id"].(string)
		page.Events = append(page.Events, connectors.RawAutomationEvent{
			NativeID: id,
			Kind:     "bot_user",
			Payload:  m,
		})
	}

	return page, nil
}

// ListActivity pages through team.integrationLogs, Slack's audit trail of
// bot and app actions. The endpoint paginates by page number rather than a
// cursor; the page index is carried in the cursor string.
func (c *Connector) ListActivity(ctx context.Context, window connectors.ActivityWindow, cursor string) (*connectors.ActivityPage, error) {
	pageNum := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, fmt.Errorf("slack: bad activity cursor %q: %w", cursor, err)
		}
		pageNum = n
	}

	params := url.Values{
		"count": {"200"},
		"page":  {strconv.Itoa(pageNum)},
	}

	var resp struct {
		apiEnvelope
		Logs   []map[string]interface{} `json:"logs"`
		Paging struct {
			Page  int `json:"page"`
			Pages int `json:"pages"`
		} `json:"paging"`
	}
	if err := c.call(ctx, "team.integrationLogs", params, &resp); err != nil {
		return nil, err
	}

	page := &connectors.ActivityPage{}
	if resp.Paging.Page < resp.Paging.Pages {
		page.NextCursor = strconv.Itoa(resp.Paging.Page + 1)
	}

	for _, l := range resp.Logs {
		ts := parseSlackTimestamp(l["date"])
		if !window.Start.IsZero() && ts.Before(window.Start) {
			continue
		}
		if !window.End.IsZero() && ts.After(window.End) {
			continue
		}
		actor, _ := l["app_id"].(string)
		if actor == "" {
			actor, _ = l["service_id"].(string)
		}
		action, _ := l["change_type"].(string)
		channel, _ := l["channel"].(string)
		page.Events = append(page.Events, connectors.RawActivityEvent{
			ActorID:   actor,
			Action:    action,
			Target:    channel,
			Timestamp: ts,
			Payload:   l,
		})
	}

	return page, nil
}

type apiEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (e apiEnvelope) ok() bool       { return e.OK }
func (e apiEnvelope) apiErr() string { return e.Error }

type envelope interface {
	ok() bool
	apiErr() string
}

func (c *Connector) call(ctx context.Context, method string, params url.Values, out envelope) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := fmt.Sprintf("%s/%s", c.baseURL, method)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("slack: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return &connectors.TransientError{
			Platform: models.PlatformSlack,
			Err:      err,
		}
	}
	defer resp.Body.Close()

	if err := connectors.ClassifyHTTPStatus(models.PlatformSlack, resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("slack: decoding %s response: %w", method, err)
	}

	if !out.ok() {
		return classifyAPIError(out.apiErr())
	}
	return nil
}

func classifyAPIError(code string) error {
	switch code {
	case "invalid_auth", "token_revoked", "token_expired", "account_inactive", "not_authed":
		return &connectors.AuthError{Platform: models.PlatformSlack, Reason: code}
	case "ratelimited", "service_unavailable", "internal_error":
		return &connectors.TransientError{
			Platform: models.PlatformSlack,
			Err:      errors.New(code),
		}
	case "method_not_supported_for_channel_type", "feature_not_enabled", "paid_teams_only":
		return &connectors.UnsupportedOperationError{Platform: models.PlatformSlack, Operation: code}
	default:
		return fmt.Errorf("slack: api error: %s", code)
	}
}

func parseSlackTimestamp(v interface{}) time.Time {
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0).UTC()
	case string:
		if secs, err := strconv.ParseFloat(t, 64); err == nil {
			return time.Unix(int64(secs), 0).UTC()
		}
	}
	return time.Time{}
}
