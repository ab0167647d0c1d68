package awstest

import (
	"context"
	"strconv"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQS is an in-memory queue. Received messages stay invisible until deleted.
type SQS struct {
	mu       sync.Mutex
	seq      int
	messages []sqstypes.Message
	inFlight map[string]sqstypes.Message
	sent     []*sqs.SendMessageInput
	err      error
}

// NewSQS returns an empty queue.
func NewSQS() *SQS {
	return &SQS{inFlight: map[string]sqstypes.Message{}}
}

// FailWith makes every call return err; nil restores normal behaviour.
func (q *SQS) FailWith(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

// Enqueue adds a raw message body.
func (q *SQS) Enqueue(body string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	id := strconv.Itoa(q.seq)
	q.messages = append(q.messages, sqstypes.Message{
		MessageId: sdkaws.String(id),
		Body:      sdkaws.String(body),
	})
}

// Sent returns every SendMessage input seen so far.
func (q *SQS) Sent() []*sqs.SendMessageInput {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*sqs.SendMessageInput(nil), q.sent...)
}

// Len reports visible plus in-flight messages.
func (q *SQS) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages) + len(q.inFlight)
}

func (q *SQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return nil, q.err
	}
	q.sent = append(q.sent, in)
	q.mu.Unlock()
	q.Enqueue(sdkaws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func (q *SQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	limit := int(in.MaxNumberOfMessages)
	if limit <= 0 {
		limit = 1
	}
	var out []sqstypes.Message
	for len(q.messages) > 0 && len(out) < limit {
		m := q.messages[0]
		q.messages = q.messages[1:]
		m.ReceiptHandle = sdkaws.String("rh-" + sdkaws.ToString(m.MessageId))
		q.inFlight[*m.ReceiptHandle] = m
		out = append(out, m)
	}
	return &sqs.ReceiveMessageOutput{Messages: out}, nil
}

func (q *SQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	delete(q.inFlight, sdkaws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}
