package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nexasec/shadowbot/internal/config"
	"github.com/nexasec/shadowbot/internal/models"
)

// Service pushes risk escalations to a webhook channel. Notification
// delivery is best effort; failures are logged and never block the run
// that raised the alert.
type Service struct {
	cfg      config.WebhookNotifyConfig
	minLevel models.RiskLevel
	logger   *slog.Logger
	client   *http.Client
}

func NewService(cfg config.WebhookNotifyConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		cfg:      cfg,
		minLevel: models.RiskLevel(cfg.MinLevel),
		logger:   logger,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// RiskEscalated alerts the channel that an automation crossed into a higher
// risk band. Escalations below the configured minimum level are dropped.
func (s *Service) RiskEscalated(ctx context.Context, record *models.AutomationRecord, assessment *models.RiskAssessment) {
	if !s.cfg.Enabled {
		return
	}
	if assessment.Level.Rank() < s.minLevel.Rank() {
		return
	}

	msg := webhookMessage{
		Channel: s.cfg.Channel,
		Attachments: []webhookAttachment{
			{
				Color: levelColor(assessment.Level),
				Title: fmt.Sprintf("Automation risk escalated to %s", assessment.Level),
				Text: fmt.Sprintf("%s (%s on %s) scored %d",
					record.DisplayName, record.Type, record.Platform, assessment.Score),
				Fallback: fmt.Sprintf("%s escalated to %s (%d)",
					record.DisplayName, assessment.Level, assessment.Score),
				Fields: []webhookField{
					{Title: "Platform", Value: string(record.Platform), Short: true},
					{Title: "Type", Value: string(record.Type), Short: true},
					{Title: "Score", Value: fmt.Sprintf("%d", assessment.Score), Short: true},
					{Title: "Confidence", Value: fmt.Sprintf("%d", assessment.Confidence), Short: true},
					{Title: "Evidence", Value: strings.Join(assessment.Evidence, "\n")},
				},
				Footer:    "shadowbot",
				Timestamp: assessment.AssessedAt.Unix(),
			},
		},
	}

	if err := s.post(ctx, msg); err != nil {
		s.logger.Error("webhook notification failed",
			"automation_id", record.ID,
			"level", assessment.Level,
			"error", err)
		return
	}

	s.logger.Info("webhook notification sent",
		"automation_id", record.ID,
		"level", assessment.Level)
}

type webhookMessage struct {
	Channel     string              `json:"channel,omitempty"`
	Text        string              `json:"text,omitempty"`
	Attachments []webhookAttachment `json:"attachments,omitempty"`
}

type webhookAttachment struct {
	Color     string         `json:"color,omitempty"`
	Title     string         `json:"title,omitempty"`
	Text      string         `json:"text,omitempty"`
	Fallback  string         `json:"fallback,omitempty"`
	Fields    []webhookField `json:"fields,omitempty"`
	Footer    string         `json:"footer,omitempty"`
	Timestamp int64          `json:"ts,omitempty"`
}

type webhookField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (s *Service) post(ctx context.Context, msg webhookMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

func levelColor(level models.RiskLevel) string {
	switch level {
	case models.RiskCritical:
		return "#FF0000"
	case models.RiskHigh:
		return "#FFA500"
	case models.RiskMedium:
		return "#FFFF00"
	default:
		return "#36A64F"
	}
}
