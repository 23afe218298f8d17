package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/nexasec/shadowbot/internal/config"
	"github.com/nexasec/shadowbot/internal/models"
)

const (
	TypeAutomationDiscovered = "automation.discovered"
	TypeRiskEscalated        = "automation.risk_escalated"
	TypeChainDetected        = "chain.detected"
)

// Emitter publishes discovery events to downstream consumers. Events are a
// best-effort side channel: an emit failure is logged and never fails the
// discovery run that produced it.
type Emitter interface {
	AutomationDiscovered(ctx context.Context, record *models.AutomationRecord, runID uuid.UUID)
	RiskEscalated(ctx context.Context, record *models.AutomationRecord, prev, curr *models.RiskAssessment)
	ChainDetected(ctx context.Context, chain *models.AutomationChain)
	Close() error
}

// Envelope is the wire format shared by all event types.
type Envelope struct {
	Type           string      `json:"type"`
	OrganizationID uuid.UUID   `json:"organization_id"`
	EmittedAt      time.Time   `json:"emitted_at"`
	Payload        interface{} `json:"payload"`
}

type discoveredPayload struct {
	Automation *models.AutomationRecord `json:"automation"`
	RunID      uuid.UUID                `json:"run_id"`
}

type escalatedPayload struct {
	Automation    *models.AutomationRecord `json:"automation"`
	PreviousScore int                      `json:"previous_score"`
	PreviousLevel models.RiskLevel         `json:"previous_level"`
	Score         int                      `json:"score"`
	Level         models.RiskLevel         `json:"level"`
	Evidence      models.StringArray       `json:"evidence"`
}

type chainPayload struct {
	Chain *models.AutomationChain `json:"chain"`
}

// kafkaEmitter writes to the automation and chain topics, keyed by
// organization so one tenant's events stay ordered within a partition.
type kafkaEmitter struct {
	automations *kafka.Writer
	chains      *kafka.Writer
	logger      *slog.Logger

	mu     sync.Mutex
	closed bool
}

func NewKafkaEmitter(cfg config.KafkaConfig, logger *slog.Logger) (Emitter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			Compression:  kafka.Gzip,
			RequiredAcks: kafka.RequireAll,
		}
	}

	return &kafkaEmitter{
		automations: newWriter(cfg.AutomationTopic),
		chains:      newWriter(cfg.ChainTopic),
		logger:      logger,
	}, nil
}

func (e *kafkaEmitter) AutomationDiscovered(ctx context.Context, record *models.AutomationRecord, runID uuid.UUID) {
	e.emit(ctx, e.automations, record.OrganizationID, Envelope{
		Type:           TypeAutomationDiscovered,
		OrganizationID: record.OrganizationID,
		Payload:        discoveredPayload{Automation: record, RunID: runID},
	})
}

func (e *kafkaEmitter) RiskEscalated(ctx context.Context, record *models.AutomationRecord, prev, curr *models.RiskAssessment) {
	payload := escalatedPayload{
		Automation: record,
		Score:      curr.Score,
		Level:      curr.Level,
		Evidence:   curr.Evidence,
	}
	if prev != nil {
		payload.PreviousScore = prev.Score
		payload.PreviousLevel = prev.Level
	}
	e.emit(ctx, e.automations, record.OrganizationID, Envelope{
		Type:           TypeRiskEscalated,
		OrganizationID: record.OrganizationID,
		Payload:        payload,
	})
}

func (e *kafkaEmitter) ChainDetected(ctx context.Context, chain *models.AutomationChain) {
	e.emit(ctx, e.chains, chain.OrganizationID, Envelope{
		Type:           TypeChainDetected,
		OrganizationID: chain.OrganizationID,
		Payload:        chainPayload{Chain: chain},
	})
}

func (e *kafkaEmitter) emit(ctx context.Context, writer *kafka.Writer, orgID uuid.UUID, env Envelope) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	env.EmittedAt = time.Now()
	value, err := json.Marshal(env)
	if err != nil {
		e.logger.Error("failed to encode event", "type", env.Type, "error", err)
		return
	}

	if err := writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(orgID.String()),
		Value: value,
	}); err != nil {
		e.logger.Error("failed to publish event",
			"type", env.Type,
			"organization_id", orgID,
			"error", err)
	}
}

func (e *kafkaEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if err := e.automations.Close(); err != nil {
		return err
	}
	return e.chains.Close()
}

// logEmitter is the fallback sink used when kafka is disabled: events land
// in the structured log instead of disappearing.
type logEmitter struct {
	logger *slog.Logger
}

func NewLogEmitter(logger *slog.Logger) Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &logEmitter{logger: logger}
}

func (e *logEmitter) AutomationDiscovered(ctx context.Context, record *models.AutomationRecord, runID uuid.UUID) {
	e.logger.Info("event",
		"type", TypeAutomationDiscovered,
		"organization_id", record.OrganizationID,
		"automation_id", record.ID,
		"platform", record.Platform,
		"run_id", runID)
}

func (e *logEmitter) RiskEscalated(ctx context.Context, record *models.AutomationRecord, prev, curr *models.RiskAssessment) {
	attrs := []interface{}{
		"type", TypeRiskEscalated,
		"organization_id", record.OrganizationID,
		"automation_id", record.ID,
		"score", curr.Score,
		"level", curr.Level,
	}
	if prev != nil {
		attrs = append(attrs, "previous_score", prev.Score, "previous_level", prev.Level)
	}
	e.logger.Warn("event", attrs...)
}

func (e *logEmitter) ChainDetected(ctx context.Context, chain *models.AutomationChain) {
	e.logger.Info("event",
		"type", TypeChainDetected,
		"organization_id", chain.OrganizationID,
		"chain_id", chain.ID,
		"basis", chain.Basis,
		"members", len(chain.MemberIDs),
		"risk_score", chain.RiskScore)
}

func (e *logEmitter) Close() error { return nil }
