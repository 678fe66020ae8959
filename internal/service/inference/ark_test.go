package inference

import (
	"context"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/prompt"
)

type fakeChatModel struct {
	chunks []string
	input  []*schema.Message
}

func (f *fakeChatModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return nil, errors.New("not used")
}

func (f *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.input = input
	msgs := make([]*schema.Message, 0, len(f.chunks))
	for _, c := range f.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func TestArkBackendStreams(t *testing.T) {
	cm := &fakeChatModel{chunks: []string{"He", "", "llo"}}
	var gotModel string
	svc := NewService(NewArkBackend(func(_ context.Context, id string) (model.BaseChatModel, error) {
		gotModel = id
		return cm, nil
	}))
	defer svc.Close()

	ch, err := svc.Prepare(context.Background(), "doubao-lite")
	require.NoError(t, err)
	require.True(t, last(drain(t, ch)).Ready)
	assert.Equal(t, "doubao-lite", gotModel)

	entries := []prompt.Entry{
		{Role: chat.RoleSystem, Content: "sys"},
		{Role: chat.RoleUser, Content: "hi"},
		{Role: chat.RoleAssistant, Content: "hey"},
	}
	stream, err := svc.Generate(context.Background(), entries, Options{})
	require.NoError(t, err)

	deltas, end := collect(t, stream)
	require.Len(t, deltas, 2)
	assert.Equal(t, "llo", deltas[1].Text)
	assert.True(t, end.Done)

	require.Len(t, cm.input, 3)
	assert.Equal(t, schema.System, cm.input[0].Role)
	assert.Equal(t, schema.Assistant, cm.input[2].Role)
}

func TestArkBackendFactoryError(t *testing.T) {
	svc := NewService(NewArkBackend(func(context.Context, string) (model.BaseChatModel, error) {
		return nil, errors.New("missing credentials")
	}))
	defer svc.Close()

	ch, err := svc.Prepare(context.Background(), "x")
	require.NoError(t, err)
	assert.Error(t, last(drain(t, ch)).Err)
}
