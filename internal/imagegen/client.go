package imagegen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/digkill/gemstudio/internal/config"
)

// ErrNoImage means the provider answered but returned no usable image.
// It is a generation failure, not a transport error.
var ErrNoImage = errors.New("provider returned no image")

// ErrNoText is the text-call counterpart of ErrNoImage.
var ErrNoText = errors.New("provider returned no text")

const apiVersion = "v1beta"

// APIError is a non-2xx answer from the provider.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error: status=%d body=%s", e.Status, e.Body)
}

// Client calls Gemini generateContent. Keys rotate per call, so one SDK
// client is kept per key.
type Client struct {
	baseURL    string
	imageModel string
	textModel  string
	httpClient *http.Client
	log        *slog.Logger

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// Part is one prompt part: either text or inline image bytes.
type Part struct {
	Text     string
	MimeType string
	Data     []byte
}

func TextPart(text string) Part {
	return Part{Text: text}
}

func ImagePart(mimeType string, data []byte) Part {
	return Part{MimeType: mimeType, Data: data}
}

type Image struct {
	Bytes []byte
	Mime  string
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.GeminiBaseURL, "/"),
		imageModel: cfg.GeminiImageModel,
		textModel:  cfg.GeminiTextModel,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
		clients:    map[string]*genai.Client{},
	}
}

// Generate sends the prompt parts to the image model and returns the first
// inline image of the answer.
func (c *Client) Generate(ctx context.Context, apiKey string, parts []Part) (*Image, error) {
	contents := toContents(parts)
	if len(contents) == 0 {
		return nil, fmt.Errorf("no prompt parts")
	}

	resp, err := c.call(ctx, c.imageModel, apiKey, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
	})
	if err != nil {
		return nil, err
	}

	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			mime := p.InlineData.MIMEType
			if mime == "" {
				mime = "image/png"
			}
			return &Image{Bytes: p.InlineData.Data, Mime: mime}, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNoImage, noResultReason(resp))
}

// GenerateText runs a text-only prompt on the text model.
func (c *Client) GenerateText(ctx context.Context, apiKey string, prompt string) (string, error) {
	contents := toContents([]Part{TextPart(prompt)})
	resp, err := c.call(ctx, c.textModel, apiKey, contents, nil)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if p != nil {
				sb.WriteString(p.Text)
			}
		}
		if sb.Len() > 0 {
			break
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("%w: %s", ErrNoText, noResultReason(resp))
	}
	return text, nil
}

func (c *Client) call(ctx context.Context, model, apiKey string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	client, err := c.clientFor(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		if apiErr := asAPIError(err); apiErr != nil {
			if c.log != nil {
				c.log.Error("provider call failed", "status", apiErr.Status, "model", model, "body", apiErr.Body)
			}
			return nil, apiErr
		}
		return nil, fmt.Errorf("call provider: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", ErrNoImage)
	}
	if c.log != nil {
		c.log.Debug("provider call done", "model", model, "duration", time.Since(started))
	}
	return resp, nil
}

func (c *Client) clientFor(ctx context.Context, apiKey string) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[apiKey]; ok {
		return client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    c.baseURL,
			APIVersion: apiVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("new genai client: %w", err)
	}
	c.clients[apiKey] = client
	return client, nil
}

// asAPIError maps the SDK's HTTP error onto APIError, or returns nil.
func asAPIError(err error) *APIError {
	var value genai.APIError
	if errors.As(err, &value) {
		return &APIError{Status: value.Code, Body: truncateBody(value.Message)}
	}
	var ptr *genai.APIError
	if errors.As(err, &ptr) && ptr != nil {
		return &APIError{Status: ptr.Code, Body: truncateBody(ptr.Message)}
	}
	return nil
}

func toContents(parts []Part) []*genai.Content {
	out := make([]*genai.Part, 0, len(parts))
	for _, p := range parts {
		if len(p.Data) > 0 {
			mime := p.MimeType
			if mime == "" {
				mime = "image/png"
			}
			out = append(out, &genai.Part{InlineData: &genai.Blob{MIMEType: mime, Data: p.Data}})
			continue
		}
		if p.Text != "" {
			out = append(out, &genai.Part{Text: p.Text})
		}
	}
	if len(out) == 0 {
		return nil
	}
	return []*genai.Content{{Role: "user", Parts: out}}
}

func noResultReason(resp *genai.GenerateContentResponse) string {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "blocked: " + string(resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return "no candidates"
	}
	if reason := resp.Candidates[0].FinishReason; reason != "" {
		return "finish reason " + string(reason)
	}
	return "empty candidate"
}

// truncateBody shortens provider text for logs and errors without splitting
// a multi-byte character.
func truncateBody(body string) string {
	const limit = 512
	s := strings.TrimSpace(body)
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
