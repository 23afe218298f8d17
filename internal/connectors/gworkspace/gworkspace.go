package gworkspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	admin "google.golang.org/api/admin/directory/v1"
	reports "google.golang.org/api/admin/reports/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nexasec/shadowbot/internal/config"
	"github.com/nexasec/shadowbot/internal/connectors"
	"github.com/nexasec/shadowbot/internal/models"
)

// Connector discovers third-party OAuth grants via the Admin SDK Directory
// API and reads the token audit trail via the Reports API.
type Connector struct {
	customerID string
	directory  *admin.Service
	reports    *reports.Service
	limiter    *rate.Limiter
}

func New(ctx context.Context, cfg config.PlatformsConfig, cred *models.Credential) (connectors.Connector, error) {
	if cred.AccessToken == "" {
		return nil, &connectors.AuthError{
			Platform: models.PlatformGoogleWorkspace,
			Reason:   "empty access token",
		}
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cred.AccessToken,
		TokenType:   cred.TokenType,
		Expiry:      cred.ExpiresAt,
	})

	dirSvc, err := admin.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("gworkspace: creating directory service: %w", err)
	}
	repSvc, err := reports.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("gworkspace: creating reports service: %w", err)
	}

	return &Connector{
		customerID: cfg.GoogleWorkspace.CustomerID,
		directory:  dirSvc,
		reports:    repSvc,
		limiter:    rate.NewLimiter(rate.Limit(cfg.GoogleWorkspace.RatePerSecond), 1),
	}, nil
}

func (c *Connector) Platform() models.Platform {
	return models.PlatformGoogleWorkspace
}

func (c *Connector) Validate(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.directory.Users.List().
		Customer(c.customerID).
		MaxResults(1).
		Context(ctx).Do()
	return classify(err)
}

func (c *Connector) Close() error {
	return nil
}

// ListAutomations walks one page of directory users and collects the OAuth
// tokens each user has granted to third-party apps. The cursor is the
// directory page token; tokens for a page's users are fetched inline so a
// resumed listing never skips a user.
func (c *Connector) ListAutomations(ctx context.Context, since time.Time, cursor string) (*connectors.AutomationPage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	call := c.directory.Users.List().
		Customer(c.customerID).
		MaxResults(50).
		Context(ctx)
	if cursor != "" {
		call = call.PageToken(cursor)
	}

	users, err := call.Do()
	if err != nil {
		return nil, classify(err)
	}

	page := &connectors.AutomationPage{NextCursor: users.NextPageToken}
	for _, u := range users.Users {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		tokens, err := c.directory.Tokens.List(u.Id).Context(ctx).Do()
		if err != nil {
			// Individual users can have token listing disabled; skip
			// them rather than failing the whole page.
			if isNotFound(err) {
				continue
			}
			return nil, classify(err)
		}

		for _, t := range tokens.Items {
			payload := toMap(t)
			payload["user_id"] = u.Id
			payload["user_email"] = u.PrimaryEmail
			page.Events = append(page.Events, connectors.RawAutomationEvent{
				NativeID: fmt.Sprintf("%s/%s", t.ClientId, u.Id),
				Kind:     "oauth_token",
				Payload:  payload,
			})
		}
	}

	return page, nil
}

// ListActivity reads the token application audit log, which records every
// authorization and API use by a granted OAuth app.
func (c *Connector) ListActivity(ctx context.Context, window connectors.ActivityWindow, cursor string) (*connectors.ActivityPage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	call := c.reports.Activities.List("all", "token").
		MaxResults(200).
		Context(ctx)
	if !window.Start.IsZero() {
		call = call.StartTime(window.Start.Format(time.RFC3339))
	}
	if !window.End.IsZero() {
		call = call.EndTime(window.End.Format(time.RFC3339))
	}
	if cursor != "" {
		call = call.PageToken(cursor)
	}

	acts, err := call.Do()
	if err != nil {
		return nil, classify(err)
	}

	page := &connectors.ActivityPage{NextCursor: acts.NextPageToken}
	for _, item := range acts.Items {
		var ts time.Time
		nativeID := ""
		if item.Id != nil {
			ts, _ = time.Parse(time.RFC3339, item.Id.Time)
			nativeID = fmt.Sprintf("%d", item.Id.UniqueQualifier)
		}

		actor := ""
		action := ""
		if len(item.Events) > 0 {
			action = item.Events[0].Name
			for _, p := range item.Events[0].Parameters {
				if p.Name == "client_id" {
					actor = p.Value
				}
			}
		}
		if actor == "" && item.Actor != nil {
			actor = item.Actor.Email
		}

		page.Events = append(page.Events, connectors.RawActivityEvent{
			NativeID:  nativeID,
			ActorID:   actor,
			Action:    action,
			Timestamp: ts,
			Payload:   toMap(item),
		})
	}

	return page, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return &connectors.AuthError{
				Platform: models.PlatformGoogleWorkspace,
				Reason:   gerr.Message,
				Err:      gerr,
			}
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return &connectors.TransientError{
				Platform:   models.PlatformGoogleWorkspace,
				StatusCode: gerr.Code,
				Err:        gerr,
			}
		case gerr.Code == http.StatusNotFound:
			return &connectors.UnsupportedOperationError{
				Platform:  models.PlatformGoogleWorkspace,
				Operation: gerr.Message,
			}
		}
		return gerr
	}

	return &connectors.TransientError{
		Platform: models.PlatformGoogleWorkspace,
		Err:      err,
	}
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// toMap round-trips an API struct through JSON so the normalizer receives
// the same shape the wire carried.
func toMap(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]interface{}{}
	}
	return m
}
