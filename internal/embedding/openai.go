package embedding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"

	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/internal/vector"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	openAIDefaultModel   = "text-embedding-3-small"
	openAIHTTPTimeout    = 30 * time.Second

	// maxEmbedTokens caps input length; longer texts are truncated
	// before the request instead of failing server-side.
	maxEmbedTokens = 8191
)

// HTTPConfig configures the OpenAI-compatible provider.
type HTTPConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	FullDim        int
	CompressedDim  int
	ProjectionSeed int64
}

// HTTPProvider talks to an OpenAI-compatible /embeddings endpoint for
// the full vector and derives the compressed one by random projection.
type HTTPProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
	fullDim int
	compDim int
	proj    *projector
	codec   tokenizer.Codec
}

type embedRequest struct {
	Input          any    `json:"input"`
	Model          string `json:"model"`
	EncodingFormat string `json:"encoding_format"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// NewHTTPProvider creates the production embedding provider.
// A missing API key is a fatal configuration error.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.APIKey == "" {
		return nil, errs.New(errs.KindFatal, "embedding API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = openAIDefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.FullDim <= 0 || cfg.CompressedDim <= 0 {
		return nil, errs.New(errs.KindFatal, "embedding dims must be positive (F=%d C=%d)", cfg.FullDim, cfg.CompressedDim)
	}
	seed := cfg.ProjectionSeed
	if seed == 0 {
		seed = DefaultProjectionSeed
	}

	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	return &HTTPProvider{
		client:  &http.Client{Timeout: openAIHTTPTimeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		fullDim: cfg.FullDim,
		compDim: cfg.CompressedDim,
		proj:    newProjector(seed, cfg.FullDim, cfg.CompressedDim),
		codec:   codec,
	}, nil
}

var _ Provider = (*HTTPProvider)(nil)

func (p *HTTPProvider) Name() string        { return "openai:" + p.model }
func (p *HTTPProvider) FullDims() int       { return p.fullDim }
func (p *HTTPProvider) CompressedDims() int { return p.compDim }
func (p *HTTPProvider) Close() error        { return nil }

// Full embeds text at full precision.
func (p *HTTPProvider) Full(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return make([]float32, p.fullDim), nil
	}
	text = p.truncate(text)

	var result []float32
	err := withRetry(ctx, func() error {
		vecs, err := p.embedRequest(ctx, text)
		if err != nil {
			return err
		}
		if len(vecs) == 0 {
			return errs.New(errs.KindTransient, "embedding API returned no results for model %s", p.model)
		}
		result = vecs[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(result) != p.fullDim {
		return nil, errs.New(errs.KindFatal, "provider returned %d dims, configured F_DIM is %d", len(result), p.fullDim)
	}
	return vector.Normalize(result), nil
}

// Compressed embeds text and projects down to the routing dimension.
func (p *HTTPProvider) Compressed(ctx context.Context, text string) ([]float32, error) {
	full, err := p.Full(ctx, text)
	if err != nil {
		return nil, err
	}
	return p.proj.Project(full), nil
}

// truncate caps the text at maxEmbedTokens tokens.
func (p *HTTPProvider) truncate(text string) string {
	ids, _, err := p.codec.Encode(text)
	if err != nil || len(ids) <= maxEmbedTokens {
		return text
	}
	truncated, err := p.codec.Decode(ids[:maxEmbedTokens])
	if err != nil {
		log.Warn().Err(err).Msg("Token truncation failed, sending original text")
		return text
	}
	return truncated
}

func (p *HTTPProvider) embedRequest(ctx context.Context, input any) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{
		Input:          input,
		Model:          p.model,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Errorf("send embedding request to %s: %w", p.baseURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("embedding API error (model=%s, status=%d): %s",
			p.model, resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, errs.Wrap(errs.KindTransient, err)
		}
		return nil, errs.Wrap(errs.KindInvalid, err)
	}

	var embedResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Errorf("decode embedding response from %s: %w", p.baseURL, err))
	}

	// Sort by index to preserve order.
	sort.Slice(embedResp.Data, func(i, j int) bool {
		return embedResp.Data[i].Index < embedResp.Data[j].Index
	})

	results := make([][]float32, len(embedResp.Data))
	for i, d := range embedResp.Data {
		results[i] = d.Embedding
	}
	return results, nil
}
