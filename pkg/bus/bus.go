/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package bus carries accepted build requests from the API to the build
// workers over SQS. Delivery is at-least-once; the worker side is idempotent.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	sdk "github.com/metget/metget-server/pkg/aws"
)

// Envelope is the message body published for every accepted request. The
// build spec travels as raw JSON so the worker re-validates it itself rather
// than trusting the queue.
type Envelope struct {
	RequestID   string          `json:"request_id"`
	APIKey      string          `json:"api_key"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Spec        json.RawMessage `json:"spec"`
}

// Delivery is one received message. Ack removes it from the queue; an
// unacked delivery reappears after the visibility timeout expires.
type Delivery struct {
	Envelope Envelope
	Ack      func(context.Context) error
}

type Bus interface {
	Publish(ctx context.Context, e Envelope) error
	// Receive long-polls for up to max deliveries, holding each invisible
	// for the configured lease. An empty slice means the poll timed out.
	Receive(ctx context.Context, max int) ([]Delivery, error)
}

type SQSBus struct {
	client   sdk.SQSAPI
	queueURL string
	lease    time.Duration
}

func NewSQSBus(client sdk.SQSAPI, queueURL string, lease time.Duration) *SQSBus {
	return &SQSBus{client: client, queueURL: queueURL, lease: lease}
}

func (b *SQSBus) Publish(ctx context.Context, e Envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling envelope for request %s, %w", e.RequestID, err)
	}
	if _, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.queueURL),
		MessageBody: aws.String(string(body)),
	}); err != nil {
		return fmt.Errorf("publishing request %s, %w", e.RequestID, err)
	}
	return nil
}

func (b *SQSBus) Receive(ctx context.Context, max int) ([]Delivery, error) {
	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(b.queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     20,
		VisibilityTimeout:   int32(b.lease.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("receiving messages, %w", err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, msg := range out.Messages {
		var e Envelope
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &e); err != nil {
			// A malformed body can never succeed; drop it rather than
			// letting it cycle through visibility timeouts forever.
			_, _ = b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(b.queueURL),
				ReceiptHandle: msg.ReceiptHandle,
			})
			continue
		}
		receipt := msg.ReceiptHandle
		deliveries = append(deliveries, Delivery{
			Envelope: e,
			Ack: func(ctx context.Context) error {
				if _, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      aws.String(b.queueURL),
					ReceiptHandle: receipt,
				}); err != nil {
					return fmt.Errorf("acking request %s, %w", e.RequestID, err)
				}
				return nil
			},
		})
	}
	return deliveries, nil
}
