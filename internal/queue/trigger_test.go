package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waypost/internal/types"
)

type fakeSQSSender struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQSSender) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{}, nil
}

func TestResyncTrigger_Enqueue(t *testing.T) {
	sender := &fakeSQSSender{}
	trigger := NewResyncTrigger(sender, "https://sqs.test/resync", nil)

	err := trigger.Enqueue(context.Background(), "user_1", "admin_requested")
	require.NoError(t, err)
	require.Len(t, sender.inputs, 1)

	input := sender.inputs[0]
	assert.Equal(t, "https://sqs.test/resync", *input.QueueUrl)
	assert.Equal(t, "admin_requested", *input.MessageAttributes["reason"].StringValue)

	var msg ResyncMessage
	require.NoError(t, json.Unmarshal([]byte(*input.MessageBody), &msg))
	assert.Equal(t, "user_1", msg.UserID)
	assert.Equal(t, "admin_requested", msg.Reason)
	assert.NotEmpty(t, msg.TraceID)
}

func TestResyncTrigger_PropagatesRequestID(t *testing.T) {
	sender := &fakeSQSSender{}
	trigger := NewResyncTrigger(sender, "https://sqs.test/resync", nil)

	ctx := types.WithRequestID(context.Background(), "req_42")
	require.NoError(t, trigger.Enqueue(ctx, "user_1", "self_heal"))

	var msg ResyncMessage
	require.NoError(t, json.Unmarshal([]byte(*sender.inputs[0].MessageBody), &msg))
	assert.Equal(t, "req_42", msg.TraceID)
}

func TestResyncTrigger_SendFailure(t *testing.T) {
	sender := &fakeSQSSender{err: errors.New("access denied")}
	trigger := NewResyncTrigger(sender, "https://sqs.test/resync", nil)

	err := trigger.Enqueue(context.Background(), "user_1", "admin_requested")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send resync message")
}
