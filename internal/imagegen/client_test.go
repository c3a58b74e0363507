package imagegen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/gemstudio/internal/config"
)

type wireRequest struct {
	Contents []struct {
		Role  string `json:"role"`
		Parts []struct {
			Text       string `json:"text"`
			InlineData *struct {
				MimeType string `json:"mimeType"`
				Data     []byte `json:"data"`
			} `json:"inlineData"`
		} `json:"parts"`
	} `json:"contents"`
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.Config{
		GeminiBaseURL:    srv.URL,
		GeminiImageModel: "image-model",
		GeminiTextModel:  "text-model",
		RequestTimeout:   5 * time.Second,
	}, nil)
}

func TestGenerateReturnsInlineImage(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	var got wireRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/image-model:generateContent", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"parts": []any{
					map[string]any{"text": "here you go"},
					map[string]any{"inlineData": map[string]any{"mimeType": "image/png", "data": base64.StdEncoding.EncodeToString(png)}},
				}},
			}},
		})
	})

	img, err := client.Generate(context.Background(), "key-1", []Part{
		TextPart("make it blue"),
		ImagePart("image/jpeg", []byte("jpeg-bytes")),
	})
	require.NoError(t, err)
	assert.Equal(t, png, img.Bytes)
	assert.Equal(t, "image/png", img.Mime)

	require.Len(t, got.Contents, 1)
	require.Len(t, got.Contents[0].Parts, 2)
	assert.Equal(t, "make it blue", got.Contents[0].Parts[0].Text)
	require.NotNil(t, got.Contents[0].Parts[1].InlineData)
	assert.Equal(t, "image/jpeg", got.Contents[0].Parts[1].InlineData.MimeType)
	assert.Equal(t, []byte("jpeg-bytes"), got.Contents[0].Parts[1].InlineData.Data)
}

func TestGenerateWithoutImageIsGenerationFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"sorry"}]},"finishReason":"SAFETY"}]}`))
	})

	_, err := client.Generate(context.Background(), "key", []Part{TextPart("x")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoImage))
	assert.Contains(t, err.Error(), "SAFETY")
}

func TestGenerateBlockedPrompt(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"promptFeedback":{"blockReason":"OTHER"}}`))
	})

	_, err := client.Generate(context.Background(), "key", []Part{TextPart("x")})
	assert.ErrorIs(t, err, ErrNoImage)
}

func TestGenerateSurfacesAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`))
	})

	_, err := client.Generate(context.Background(), "key", []Part{TextPart("x")})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Contains(t, apiErr.Body, "quota")
	assert.False(t, errors.Is(err, ErrNoImage))
}

func TestGenerateText(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/text-model:generateContent", r.URL.Path)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":" Happy birthday "}]}}]}`))
	})

	text, err := client.GenerateText(context.Background(), "key", "translate")
	require.NoError(t, err)
	assert.Equal(t, "Happy birthday", text)
}

func TestGenerateRequiresParts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("must not call provider")
	})
	_, err := client.Generate(context.Background(), "key", nil)
	assert.Error(t, err)
}

func TestClientReusedPerKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	})

	for _, key := range []string{"key-a", "key-b", "key-a"} {
		_, err := client.GenerateText(context.Background(), key, "hi")
		require.NoError(t, err)
	}
	assert.Len(t, client.clients, 2)
}

func TestTruncateBodyKeepsRunesWhole(t *testing.T) {
	body := strings.Repeat("ж", 600)

	got := truncateBody(body)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 513, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "…"))

	assert.Equal(t, "short", truncateBody("  short \n"))
}
