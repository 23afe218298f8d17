package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nexasec/shadowbot/internal/config"
	"github.com/nexasec/shadowbot/internal/models"
)

func escalation(level models.RiskLevel, score int) (*models.AutomationRecord, *models.RiskAssessment) {
	record := &models.AutomationRecord{
		ID:          uuid.New(),
		Platform:    models.PlatformSlack,
		Type:        models.AutomationBot,
		DisplayName: "export-bot",
	}
	assessment := &models.RiskAssessment{
		AutomationID: record.ID,
		Score:        score,
		Level:        level,
		Confidence:   80,
		Evidence:     models.StringArray{"permission: 2 scopes granted"},
		AssessedAt:   time.Now(),
	}
	return record, assessment
}

func TestRiskEscalated_PostsWebhook(t *testing.T) {
	var received webhookMessage
	posts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding webhook payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc := NewService(config.WebhookNotifyConfig{
		Enabled:  true,
		URL:      server.URL,
		Channel:  "#security-alerts",
		MinLevel: "high",
	}, nil)

	record, assessment := escalation(models.RiskCritical, 95)
	svc.RiskEscalated(context.Background(), record, assessment)

	if posts != 1 {
		t.Fatalf("posts = %d, want 1", posts)
	}
	if received.Channel != "#security-alerts" {
		t.Errorf("channel = %q", received.Channel)
	}
	if len(received.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(received.Attachments))
	}
	att := received.Attachments[0]
	if !strings.Contains(att.Title, "critical") {
		t.Errorf("title = %q, want the level named", att.Title)
	}
	if !strings.Contains(att.Text, "export-bot") {
		t.Errorf("text = %q, want the automation named", att.Text)
	}
}

func TestRiskEscalated_Filtering(t *testing.T) {
	tests := []struct {
		name     string
		enabled  bool
		minLevel string
		level    models.RiskLevel
		posts    int
	}{
		{"disabled service never posts", false, "low", models.RiskCritical, 0},
		{"below minimum is dropped", true, "high", models.RiskMedium, 0},
		{"at minimum posts", true, "high", models.RiskHigh, 1},
		{"above minimum posts", true, "high", models.RiskCritical, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			posts := 0
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				posts++
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			svc := NewService(config.WebhookNotifyConfig{
				Enabled:  tt.enabled,
				URL:      server.URL,
				MinLevel: tt.minLevel,
			}, nil)

			record, assessment := escalation(tt.level, 70)
			svc.RiskEscalated(context.Background(), record, assessment)

			if posts != tt.posts {
				t.Errorf("posts = %d, want %d", posts, tt.posts)
			}
		})
	}
}

func TestRiskEscalated_ServerErrorIsNonFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	svc := NewService(config.WebhookNotifyConfig{
		Enabled:  true,
		URL:      server.URL,
		MinLevel: "low",
	}, nil)

	// Delivery failure must not panic or propagate.
	record, assessment := escalation(models.RiskHigh, 70)
	svc.RiskEscalated(context.Background(), record, assessment)
}
