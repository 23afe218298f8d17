package openai

import (
	"context"
	"encoding/json"
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

// Connector reads the OpenAI organization admin API: projects, their
// service accounts and API keys, and the organization audit log.
type Connector struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

func New(ctx context.Context, cfg config.PlatformsConfig, cred *models.Credential) (connectors.Connector, error) {
	if cred.AccessToken == "" {
		return nil, &connectors.AuthError{
			Platform: models.PlatformOpenAI,
			Reason:   "empty admin key",
		}
	}

	return &Connector{
		baseURL: cfg.OpenAI.BaseURL,
		token:   cred.AccessToken,
		client:  &http.Client{Timeout: cfg.OpenAI.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.OpenAI.RatePerSecond), 1),
	}, nil
}

func (c *Connector) Platform() models.Platform {
	return models.PlatformOpenAI
}

func (c *Connector) Validate(ctx context.Context) error {
	var resp listResponse
	return c.get(ctx, "/organization/projects", url.Values{"limit": {"1"}}, &resp)
}

func (c *Connector) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// ListAutomations pages through organization projects and collects each
// project's service accounts. The cursor is the project listing's last_id.
func (c *Connector) ListAutomations(ctx context.Context, since time.Time, cursor string) (*connectors.AutomationPage, error) {
	params := url.Values{"limit": {"20"}}
	if cursor != "" {
		params.Set("after", cursor)
	}

	var projects listResponse
	if err := c.get(ctx, "/organization/projects", params, &projects); err != nil {
		return nil, err
	}

	page := &connectors.AutomationPage{}
	if projects.HasMore {
		page.NextCursor = projects.LastID
	}

	for _, proj := range projects.Data {
		projID, _ := proj["id"].(string)
		if projID == "" {
			continue
		}

		var accounts listResponse
		path := fmt.Sprintf("/organization/projects/%s/service_accounts", projID)
		if err := c.get(ctx, path, url.Values{"limit": {"100"}}, &accounts); err != nil {
			if connectors.IsUnsupported(err) {
				continue
			}
			return nil, err
		}

		for _, sa := range accounts.Data {
			created, _ := sa["created_at"].(float64)
			if !since.IsZero() && created > 0 && time.Unix(int64(created), 0).Before(since) {
				continue
			}
			id, _ := sa["id"].(string)
			sa["project_id"] = projID
			sa["project_name"] = proj["name"]
			page.Events = append(page.Events, connectors.RawAutomationEvent{
				NativeID: id,
				Kind:     "service_account",
				Payload:  sa,
			})
		}
	}

	return page, nil
}

// ListActivity reads the organization audit log.
func (c *Connector) ListActivity(ctx context.Context, window connectors.ActivityWindow, cursor string) (*connectors.ActivityPage, error) {
	params := url.Values{"limit": {"100"}}
	if cursor != "" {
		params.Set("after", cursor)
	}
	if !window.Start.IsZero() {
		params.Set("effective_at[gte]", strconv.FormatInt(window.Start.Unix(), 10))
	}
	if !window.End.IsZero() {
		params.Set("effective_at[lte]", strconv.FormatInt(window.End.Unix(), 10))
	}

	var resp listResponse
	if err := c.get(ctx, "/organization/audit_logs", params, &resp); err != nil {
		return nil, err
	}

	page := &connectors.ActivityPage{}
	if resp.HasMore {
		page.NextCursor = resp.LastID
	}

	for _, entry := range resp.Data {
		id, _ := entry["id"].(string)
		action, _ := entry["type"].(string)

		var ts time.Time
		if effectiveAt, ok := entry["effective_at"].(float64); ok {
			ts = time.Unix(int64(effectiveAt), 0).UTC()
		}

		actor := ""
		if a, ok := entry["actor"].(map[string]interface{}); ok {
			if sess, ok := a["api_key"].(map[string]interface{}); ok {
				if sa, ok := sess["service_account"].(map[string]interface{}); ok {
					actor, _ = sa["id"].(string)
				}
			}
			if actor == "" {
				actor, _ = a["id"].(string)
			}
		}

		page.Events = append(page.Events, connectors.RawActivityEvent{
			NativeID:  id,
			ActorID:   actor,
			Action:    action,
			Timestamp: ts,
			Payload:   entry,
		})
	}

	return page, nil
}

type listResponse struct {
	Data    []map[string]interface{} `json:"data"`
	HasMore bool                     `json:"has_more"`
	LastID  string                   `json:"last_id"`
}

func (c *Connector) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("openai: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return &connectors.TransientError{
			Platform: models.PlatformOpenAI,
			Err:      err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &connectors.UnsupportedOperationError{
			Platform:  models.PlatformOpenAI,
			Operation: path,
		}
	}
	if err := connectors.ClassifyHTTPStatus(models.PlatformOpenAI, resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("openai: decoding %s response: %w", path, err)
	}
	return nil
}
