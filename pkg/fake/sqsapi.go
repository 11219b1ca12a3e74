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

package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSBehavior must be reset between tests otherwise tests will pollute each
// other.
type SQSBehavior struct {
	SendMessageBehavior    MockedFunction[sqs.SendMessageInput, sqs.SendMessageOutput]
	ReceiveMessageBehavior MockedFunction[sqs.ReceiveMessageInput, sqs.ReceiveMessageOutput]
	DeleteMessageBehavior  MockedFunction[sqs.DeleteMessageInput, sqs.DeleteMessageOutput]
}

// SQSAPI is an in-memory queue. A received message stays in flight until
// deleted; Redeliver makes in-flight messages visible again, standing in
// for an expired visibility timeout.
type SQSAPI struct {
	SQSBehavior

	mu       sync.Mutex
	next     int
	visible  []types.Message
	inFlight map[string]types.Message
}

func NewSQSAPI() *SQSAPI {
	return &SQSAPI{inFlight: map[string]types.Message{}}
}

// Reset must be called between tests otherwise tests will pollute each
// other.
func (a *SQSAPI) Reset() {
	a.SendMessageBehavior.Reset()
	a.ReceiveMessageBehavior.Reset()
	a.DeleteMessageBehavior.Reset()
	a.mu.Lock()
	a.next = 0
	a.visible = nil
	a.inFlight = map[string]types.Message{}
	a.mu.Unlock()
}

func (a *SQSAPI) SendMessage(_ context.Context, input *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	return a.SendMessageBehavior.Invoke(input, func(in *sqs.SendMessageInput) (*sqs.SendMessageOutput, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.next++
		id := fmt.Sprintf("msg-%d", a.next)
		a.visible = append(a.visible, types.Message{
			MessageId:     aws.String(id),
			ReceiptHandle: aws.String("receipt-" + id),
			Body:          in.MessageBody,
		})
		return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
	})
}

func (a *SQSAPI) ReceiveMessage(_ context.Context, input *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return a.ReceiveMessageBehavior.Invoke(input, func(in *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		n := int(in.MaxNumberOfMessages)
		if n <= 0 || n > len(a.visible) {
			n = len(a.visible)
		}
		out := &sqs.ReceiveMessageOutput{Messages: a.visible[:n]}
		for _, msg := range out.Messages {
			a.inFlight[aws.ToString(msg.ReceiptHandle)] = msg
		}
		a.visible = a.visible[n:]
		return out, nil
	})
}

func (a *SQSAPI) DeleteMessage(_ context.Context, input *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	return a.DeleteMessageBehavior.Invoke(input, func(in *sqs.DeleteMessageInput) (*sqs.DeleteMessageOutput, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.inFlight, aws.ToString(in.ReceiptHandle))
		return &sqs.DeleteMessageOutput{}, nil
	})
}

// Redeliver returns every unacked in-flight message to the visible queue.
func (a *SQSAPI) Redeliver() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for handle, msg := range a.inFlight {
		a.visible = append(a.visible, msg)
		delete(a.inFlight, handle)
	}
}

// QueueLen reports how many messages are currently visible.
func (a *SQSAPI) QueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.visible)
}

// InFlight reports how many messages are received but unacked.
func (a *SQSAPI) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inFlight)
}
