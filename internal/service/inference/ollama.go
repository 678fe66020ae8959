package inference

import (
	"context"
	"strings"

	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-chat/backend/internal/service/prompt"
)

// OllamaRuntime runs models through a local Ollama server. The host comes
// from OLLAMA_HOST.
type OllamaRuntime struct {
	client *api.Client
}

// NewOllamaRuntime connects using the environment.
func NewOllamaRuntime() (*OllamaRuntime, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, errors.Wrap(err, "create ollama client")
	}
	return &OllamaRuntime{client: client}, nil
}

// Load pulls the model, reporting download progress.
func (r *OllamaRuntime) Load(ctx context.Context, model string, progress func(float64, string)) error {
	progress(0, "pulling "+model)
	err := r.client.Pull(ctx, &api.PullRequest{Name: model}, func(resp api.ProgressResponse) error {
		fraction := 0.0
		if resp.Total > 0 {
			fraction = float64(resp.Completed) / float64(resp.Total)
		}
		progress(fraction, resp.Status)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "pull %s", model)
	}
	progress(1, "model loaded")
	return nil
}

// Chat streams a completion.
func (r *OllamaRuntime) Chat(ctx context.Context, model string, messages []prompt.Entry, opts Options, onChunk func(string) error) (string, error) {
	msgs := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, api.Message{Role: string(m.Role), Content: m.Content})
	}
	stream := true
	req := &api.ChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   &stream,
		Options: map[string]interface{}{
			"temperature": opts.Temperature,
			"num_predict": opts.MaxTokens,
		},
	}

	var sb strings.Builder
	if err := r.client.Chat(ctx, req, collectChat(&sb, onChunk)); err != nil {
		return "", errors.Wrap(err, "ollama chat")
	}
	return sb.String(), nil
}

// collectChat appends streamed message content to sb. Chunks without a
// message are skipped.
func collectChat(sb *strings.Builder, onChunk func(string) error) api.ChatResponseFunc {
	return func(resp api.ChatResponse) error {
		if resp.Done || resp.Message == nil || resp.Message.Content == "" {
			return nil
		}
		sb.WriteString(resp.Message.Content)
		return onChunk(resp.Message.Content)
	}
}
