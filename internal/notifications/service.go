package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// Broadcaster fans an event out to connected stream clients
type Broadcaster interface {
	Broadcast(event Event) error
}

// SNSPublisher is the subset of the SNS client used for alerts
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Service delivers events to websocket clients and alerts to an SNS topic
type Service struct {
	broadcaster Broadcaster
	sns         SNSPublisher
	topicARN    string
	logger      *zap.Logger
}

var _ Notifier = (*Service)(nil)

// NewService creates a new notification service. Either sink may be nil.
func NewService(broadcaster Broadcaster, snsClient SNSPublisher, topicARN string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		broadcaster: broadcaster,
		sns:         snsClient,
		topicARN:    topicARN,
		logger:      logger,
	}
}

// NewSNSClient builds an SNS client from the default AWS credential chain
func NewSNSClient(ctx context.Context, region string) (*sns.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return sns.NewFromConfig(cfg), nil
}

// Publish pushes event to stream subscribers
func (s *Service) Publish(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Broadcast(event); err != nil {
		s.logger.Warn("Failed to broadcast event",
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}

// Alert sends a reconciliation alert to the operator topic and the stream
func (s *Service) Alert(ctx context.Context, alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	s.logger.Warn("Reconciliation required",
		zap.String("record_id", alert.RecordID),
		zap.String("project_id", alert.ProjectID),
		zap.String("kind", alert.Kind),
		zap.String("message", alert.Message))

	s.Publish(ctx, Event{
		Type:      EventReconciliationRequired,
		ProjectID: alert.ProjectID,
		Data: map[string]any{
			"record_id": alert.RecordID,
			"kind":      alert.Kind,
		},
		Timestamp: alert.Timestamp,
	})

	if s.sns == nil || s.topicARN == "" {
		return
	}
	body, err := json.Marshal(alert)
	if err != nil {
		s.logger.Error("Failed to encode alert", zap.Error(err))
		return
	}
	_, err = s.sns.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Subject:  aws.String("Issuance reconciliation required"),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		s.logger.Error("Failed to publish alert to SNS",
			zap.String("record_id", alert.RecordID),
			zap.Error(err))
	}
}
