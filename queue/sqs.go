package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSTransport implements Transport on AWS SQS.
type SQSTransport struct {
	client *sqs.Client
}

// NewSQSTransport builds an SQS-backed transport. If endpoint is non-empty it
// overrides the AWS endpoint (for LocalStack/ElasticMQ).
func NewSQSTransport(ctx context.Context, region, endpoint string) (*SQSTransport, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	var opts []func(*sqs.Options)
	if endpoint != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	return &SQSTransport{client: sqs.NewFromConfig(cfg, opts...)}, nil
}

func (t *SQSTransport) Send(ctx context.Context, queueURL string, body []byte) error {
	_, err := t.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}

func (t *SQSTransport) Receive(ctx context.Context, queueURL string, max int, wait time.Duration) ([]Message, error) {
	if max < 1 {
		max = 1
	}
	if max > 10 {
		max = 10 // SQS batch ceiling
	}
	out, err := t.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(wait / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			Body:          []byte(aws.ToString(m.Body)),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

func (t *SQSTransport) Ack(ctx context.Context, queueURL string, receiptHandle string) error {
	_, err := t.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs ack: %w", err)
	}
	return nil
}
