package knowledge

import (
	"context"
	"math"
	"strings"

	"github.com/philippgille/chromem-go"
	"github.com/pkg/errors"
	"google.golang.org/genai"
)

const (
	taskTypeDocument = "RETRIEVAL_DOCUMENT"
	taskTypeQuery    = "RETRIEVAL_QUERY"
)

type taskKey struct{}

func withQueryTask(ctx context.Context) context.Context {
	return context.WithValue(ctx, taskKey{}, taskTypeQuery)
}

func taskFrom(ctx context.Context) string {
	if v, ok := ctx.Value(taskKey{}).(string); ok {
		return v
	}
	return taskTypeDocument
}

// withDocumentTask leaves query-tagged contexts alone and tags everything
// else as document embedding.
func withDocumentTask(embed chromem.EmbeddingFunc) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		if _, ok := ctx.Value(taskKey{}).(string); !ok {
			ctx = context.WithValue(ctx, taskKey{}, taskTypeDocument)
		}
		return embed(ctx, text)
	}
}

// EmbedderConfig selects the embedding provider.
type EmbedderConfig struct {
	Provider string // none, ollama, openai, gemini
	Model    string
	BaseURL  string
	APIKey   string
}

// NewEmbedder builds the configured embedding function. Provider "none"
// returns ErrNoEmbedder so callers can run without knowledge.
func NewEmbedder(ctx context.Context, cfg EmbedderConfig) (chromem.EmbeddingFunc, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "none":
		return nil, ErrNoEmbedder
	case "ollama":
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		// empty base URL selects chromem's default local endpoint
		return chromem.NewEmbeddingFuncOllama(model, cfg.BaseURL), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, errors.New("openai embedder requires OPENAI_API_KEY")
		}
		model := chromem.EmbeddingModelOpenAI3Small
		if cfg.Model != "" {
			model = chromem.EmbeddingModelOpenAI(cfg.Model)
		}
		return chromem.NewEmbeddingFuncOpenAI(cfg.APIKey, model), nil
	case "gemini":
		if cfg.APIKey == "" {
			return nil, errors.New("gemini embedder requires GEMINI_API_KEY")
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create genai client")
		}
		model := cfg.Model
		if model == "" {
			model = "gemini-embedding-001"
		}
		return newGeminiEmbedder(client, model), nil
	default:
		return nil, errors.Errorf("unknown embedder provider %q", cfg.Provider)
	}
}

func newGeminiEmbedder(client *genai.Client, model string) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		contents := []*genai.Content{{Parts: []*genai.Part{{Text: text}}}}
		res, err := client.Models.EmbedContent(ctx, model, contents, &genai.EmbedContentConfig{
			TaskType: taskFrom(ctx),
		})
		if err != nil {
			return nil, errors.Wrap(err, "gemini embed")
		}
		if len(res.Embeddings) == 0 {
			return nil, errors.New("gemini returned no embeddings")
		}
		values := res.Embeddings[0].Values
		normalize(values)
		return values, nil
	}
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}
