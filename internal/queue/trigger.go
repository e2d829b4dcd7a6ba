// Package queue publishes processed-object notifications to SQS so the
// trigger layer can chain processing: an object produced by unzip or
// decrypt is announced here and re-enters the pipeline for its own
// post-processing pass.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"peerflow/internal/config"
	"peerflow/internal/ingest"
	"peerflow/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ProcessedMessage is the notification body for one object produced by
// post-processing. TraceID groups all messages from one source object.
type ProcessedMessage struct {
	Bucket      string    `json:"bucket"`
	Key         string    `json:"key"`
	Peer        string    `json:"peer"`
	Action      string    `json:"action"`
	TraceID     string    `json:"trace_id"`
	ProcessedAt time.Time `json:"processed_at"`
}

// ProcessedNotifier announces post-processing results on the processed
// objects queue. With no queue configured it degrades to a no-op, which is
// the local development default.
type ProcessedNotifier struct {
	client   SQSSender
	queueURL string
	clock    types.Clock
	logger   *slog.Logger
}

// NewProcessedNotifier creates a notifier over the given SQS client. The
// queue URL comes from the AWS configuration.
func NewProcessedNotifier(client SQSSender, awsCfg config.AWSConfig, clock types.Clock, logger *slog.Logger) *ProcessedNotifier {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessedNotifier{
		client:   client,
		queueURL: awsCfg.ProcessedQueueURL,
		clock:    clock,
		logger:   logger,
	}
}

// PublishResult sends one message per object the result produced. All
// messages of one call share a trace id. An unconfigured queue is silently
// skipped; an actual send failure is returned.
func (n *ProcessedNotifier) PublishResult(ctx context.Context, bucket string, result ingest.Result) error {
	if n.queueURL == "" {
		n.logger.DebugContext(ctx, "no processed objects queue configured, skipping publication")
		return nil
	}

	traceID := uuid.NewString()
	for _, ref := range result.Items {
		msg := ProcessedMessage{
			Bucket:      bucket,
			Key:         ref.Key,
			Peer:        ingest.PeerIDFromKey(ref.Key),
			Action:      string(result.Action),
			TraceID:     traceID,
			ProcessedAt: n.clock.Now(),
		}
		if err := n.send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// send serializes the message and dispatches it to the queue.
func (n *ProcessedNotifier) send(ctx context.Context, msg ProcessedMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal ProcessedMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"action": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Action),
			},
		},
	}

	if _, err := n.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send processed message for %s: %w", msg.Key, err)
	}

	n.logger.InfoContext(ctx, "published processed object",
		"key", msg.Key, "action", msg.Action, "trace_id", msg.TraceID)
	return nil
}
