// Package notify publishes terminal pipeline run events to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/jonathan/creator-pipeline/internal/metrics"
	"github.com/jonathan/creator-pipeline/internal/types"
)

// RunEvent is published once per run when it reaches a terminal status.
type RunEvent struct {
	RunID           string          `json:"run_id"`
	UserID          string          `json:"user_id"`
	CampaignID      string          `json:"campaign_id,omitempty"`
	Status          types.RunStatus `json:"status"`
	CompletedStages []types.Stage   `json:"completed_stages"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	EndedAt         time.Time       `json:"ended_at"`
}

// EventFromRun builds the terminal event of a run.
func EventFromRun(run *types.PipelineRun) RunEvent {
	ev := RunEvent{
		RunID:           run.ID,
		UserID:          run.UserID,
		CampaignID:      run.CampaignID,
		Status:          run.Status,
		CompletedStages: run.CompletedStages,
		ErrorMessage:    run.ErrorMessage,
		EndedAt:         run.UpdatedAt,
	}
	if run.EndedAt != nil {
		ev.EndedAt = *run.EndedAt
	}
	return ev
}

// Publisher delivers run events.
type Publisher interface {
	Publish(ctx context.Context, ev RunEvent) error
	Close()
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, RunEvent) error { return nil }

func (Nop) Close() {}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Logger  *slog.Logger
	Brokers []string
	Topic   string
}

func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers are required")
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	return nil
}

// Kafka publishes run events keyed by run id.
type Kafka struct {
	log    *slog.Logger
	client *kgo.Client
	topic  string
}

// NewKafka creates a Kafka publisher. The client connects lazily.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Kafka{log: cfg.Logger, client: client, topic: cfg.Topic}, nil
}

// Publish produces the event synchronously.
func (k *Kafka) Publish(ctx context.Context, ev RunEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal run event: %w", err)
	}
	rec := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(ev.RunID),
		Value: value,
	}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		metrics.NotifyOutcomes.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to publish run event: %w", err)
	}
	metrics.NotifyOutcomes.WithLabelValues("ok").Inc()
	k.log.Debug("published run event", "run_id", ev.RunID, "status", ev.Status, "topic", k.topic)
	return nil
}

func (k *Kafka) Close() {
	k.client.Close()
}
