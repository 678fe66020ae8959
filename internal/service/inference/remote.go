package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/zhouzirui/z-chat/backend/internal/service/prompt"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
	maxLineBytes = 1 << 20
)

// RemoteConfig points the remote backend at an OpenAI-compatible
// streaming chat endpoint.
type RemoteConfig struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// RemoteBackend posts one streaming request per generation and reads the
// server-sent event lines of the response.
type RemoteBackend struct {
	url    string
	apiKey string
	client *http.Client
}

// NewRemoteBackend validates cfg and returns a backend.
func NewRemoteBackend(cfg RemoteConfig) (*RemoteBackend, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("remote inference URL is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		// no overall timeout: streams are bounded by the caller's context
		client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 60 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}}
	}
	return &RemoteBackend{url: cfg.URL, apiKey: cfg.APIKey, client: client}, nil
}

func (b *RemoteBackend) Name() string { return "remote" }

// Load has nothing to download; the endpoint is ready once configured.
func (b *RemoteBackend) Load(_ context.Context, model string, report func(Progress)) error {
	report(Progress{Fraction: 1, Label: "using remote model " + model})
	return nil
}

func (b *RemoteBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// Stream sends the request and relays every delta in arrival order.
func (b *RemoteBackend) Stream(ctx context.Context, req Request, out *Stream) (string, error) {
	payload, err := json.Marshal(openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Entries),
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return "", errors.Wrap(err, "encode completion request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "build completion request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errors.Wrapf(ErrRequestFailed, "post %s: %v", b.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", errors.Wrapf(ErrRequestFailed, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return relayEvents(ctx, resp.Body, out)
}

// relayEvents reads SSE lines until [DONE] or EOF. A stream that ends
// without [DONE] is treated as complete. Records longer than maxLineBytes
// are skipped like malformed ones.
func relayEvents(ctx context.Context, body io.Reader, out *Stream) (string, error) {
	reader := bufio.NewReaderSize(body, 64*1024)

	var final string
	for {
		line, oversize, err := readLine(reader)
		if err != nil {
			if err == io.EOF {
				return final, nil
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", errors.Wrapf(ErrRequestFailed, "read stream: %v", err)
		}
		if oversize {
			log.Debug().Str("component", "inference").Str("stream_id", out.ID()).Msg("skipping oversize stream record")
			continue
		}

		ev, err := parseEventLine(line)
		if err != nil {
			log.Debug().Err(err).Str("component", "inference").Str("stream_id", out.ID()).Msg("skipping stream record")
			continue
		}
		if ev.done {
			return final, nil
		}
		if ev.final != "" {
			final = ev.final
		}
		if ev.text != "" && !out.Emit(ev.text) {
			return "", ErrCancelled
		}
	}
}

// readLine returns the next line without its terminator. A line past
// maxLineBytes is consumed and reported as oversize. A final line without
// a newline is returned before io.EOF.
func readLine(r *bufio.Reader) (string, bool, error) {
	var (
		buf      []byte
		oversize bool
	)
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if err == io.EOF && (len(buf) > 0 || oversize) {
				return string(buf), oversize, nil
			}
			return "", false, err
		}
		if !oversize {
			if len(buf)+len(chunk) > maxLineBytes {
				oversize = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if !isPrefix {
			return string(buf), oversize, nil
		}
	}
}

// streamEnvelope is the union of the OpenAI chunk shape and the
// final_answer field some completion proxies send.
type streamEnvelope struct {
	openai.ChatCompletionStreamResponse
	FinalAnswer string `json:"final_answer"`
}

type streamEvent struct {
	text  string
	final string
	done  bool
}

// parseEventLine applies one rule to every remote record: a record yields
// a fragment if it has choices[0].delta.content and an authoritative
// answer if it has final_answer. Lines without the data prefix and records
// with neither field yield nothing. Malformed JSON returns ErrMalformedChunk.
func parseEventLine(line string) (streamEvent, error) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, dataPrefix) {
		return streamEvent{}, nil
	}
	data := strings.TrimPrefix(strings.TrimPrefix(line, dataPrefix), " ")
	if data == doneSentinel {
		return streamEvent{done: true}, nil
	}
	if strings.TrimSpace(data) == "" {
		return streamEvent{}, nil
	}

	var env streamEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return streamEvent{}, errors.Wrapf(ErrMalformedChunk, "%v", err)
	}

	ev := streamEvent{final: env.FinalAnswer}
	if len(env.Choices) > 0 {
		ev.text = env.Choices[0].Delta.Content
	}
	return ev, nil
}

func toOpenAIMessages(entries []prompt.Entry) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, openai.ChatCompletionMessage{Role: string(e.Role), Content: e.Content})
	}
	return out
}
