package events

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/nexasec/shadowbot/internal/config"
	"github.com/nexasec/shadowbot/internal/models"
)

func TestLogEmitter(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(slog.New(slog.NewTextHandler(&buf, nil)))
	ctx := context.Background()

	record := &models.AutomationRecord{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		Platform:       models.PlatformSlack,
	}
	emitter.AutomationDiscovered(ctx, record, uuid.New())
	if !strings.Contains(buf.String(), TypeAutomationDiscovered) {
		t.Errorf("discovered event not logged: %s", buf.String())
	}

	buf.Reset()
	emitter.RiskEscalated(ctx, record,
		&models.RiskAssessment{Score: 40, Level: models.RiskMedium},
		&models.RiskAssessment{Score: 75, Level: models.RiskHigh})
	out := buf.String()
	if !strings.Contains(out, TypeRiskEscalated) {
		t.Errorf("escalation event not logged: %s", out)
	}
	if !strings.Contains(out, "previous_score=40") {
		t.Errorf("previous assessment missing from escalation: %s", out)
	}

	buf.Reset()
	emitter.ChainDetected(ctx, &models.AutomationChain{
		ID:             uuid.New(),
		OrganizationID: record.OrganizationID,
		Basis:          models.BasisSharedIdentity,
		MemberIDs:      models.StringArray{"a", "b"},
		RiskScore:      80,
	})
	if !strings.Contains(buf.String(), TypeChainDetected) {
		t.Errorf("chain event not logged: %s", buf.String())
	}

	if err := emitter.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestNewKafkaEmitter_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaEmitter(config.KafkaConfig{
		Enabled:         true,
		AutomationTopic: "automations",
		ChainTopic:      "chains",
	}, nil)
	if err == nil {
		t.Error("expected error without brokers")
	}
}
