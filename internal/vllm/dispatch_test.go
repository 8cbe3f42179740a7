package vllm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturedRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content []struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			ImageURL struct {
				URL string `json:"url"`
			} `json:"image_url"`
		} `json:"content"`
	} `json:"messages"`
	SkipSpecialTokens *bool          `json:"skip_special_tokens"`
	VLLMXargs         map[string]any `json:"vllm_xargs"`
}

// completionServer answers each message with a sequence-numbered choice and
// records every decoded request body.
func completionServer(t *testing.T) (*httptest.Server, func() []capturedRequest) {
	t.Helper()

	var mu sync.Mutex
	var captured []capturedRequest
	var seq int

	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req capturedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		mu.Lock()
		captured = append(captured, req)
		choices := make([]map[string]any, 0, len(req.Messages))
		for range req.Messages {
			choices = append(choices, map[string]any{
				"index":   len(choices),
				"message": map[string]any{"role": "assistant", "content": fmt.Sprintf("res-%d", seq)},
			})
			seq++
		}
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-test",
			"object":  "chat.completion",
			"choices": choices,
		})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return ts, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		out := make([]capturedRequest, len(captured))
		copy(out, captured)
		return out
	}
}

func writeTestImages(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, 0, n)
	for i := 0; i < n; i++ {
		p := filepath.Join(dir, fmt.Sprintf("page_p%04d.png", i))
		require.NoError(t, os.WriteFile(p, []byte("not-a-real-png"), 0o644))
		paths = append(paths, p)
	}
	return paths
}

func newTestDispatcher(batchSize int) *Dispatcher {
	return NewDispatcher(DispatchConfig{
		BatchSize:      batchSize,
		MaxTokens:      128,
		RequestTimeout: 5 * time.Second,
	}, zap.NewNop().Sugar())
}

func TestDispatchPreservesInputOrder(t *testing.T) {
	ts, _ := completionServer(t)
	d := newTestDispatcher(2)

	results, err := d.Dispatch(context.Background(), ts.URL, writeTestImages(t, 5), "read this", "xf3-large")
	require.NoError(t, err)
	assert.Equal(t, []string{"res-0", "res-1", "res-2", "res-3", "res-4"}, results)
}

func TestDispatchRoutesPaddlePrompt(t *testing.T) {
	ts, requests := completionServer(t)
	d := newTestDispatcher(1)

	_, err := d.Dispatch(context.Background(), ts.URL, writeTestImages(t, 1), "table", "xf1-standard")
	require.NoError(t, err)

	reqs := requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 1)

	var textPart string
	for _, part := range reqs[0].Messages[0].Content {
		if part.Type == "text" {
			textPart = part.Text
		}
	}
	assert.Equal(t, "table", textPart)
	assert.Equal(t, "PaddlePaddle/PaddleOCR-VL", reqs[0].Model)
}

func TestDispatchKeepsFreeFormPromptForOtherModels(t *testing.T) {
	ts, requests := completionServer(t)
	d := newTestDispatcher(1)

	_, err := d.Dispatch(context.Background(), ts.URL, writeTestImages(t, 1), "OCR the table please", "xf3-pro")
	require.NoError(t, err)

	reqs := requests()
	require.Len(t, reqs, 1)
	var textPart string
	for _, part := range reqs[0].Messages[0].Content {
		if part.Type == "text" {
			textPart = part.Text
		}
	}
	assert.Equal(t, "OCR the table please", textPart)
}

func TestDispatchAppliesDecodeConstraints(t *testing.T) {
	ts, requests := completionServer(t)
	d := newTestDispatcher(1)

	_, err := d.Dispatch(context.Background(), ts.URL, writeTestImages(t, 1), "read", "xf3-pro")
	require.NoError(t, err)

	reqs := requests()
	require.Len(t, reqs, 1)
	require.NotNil(t, reqs[0].SkipSpecialTokens)
	assert.False(t, *reqs[0].SkipSpecialTokens)
	require.NotNil(t, reqs[0].VLLMXargs)
	assert.EqualValues(t, 30, reqs[0].VLLMXargs["ngram_size"])
	assert.EqualValues(t, 90, reqs[0].VLLMXargs["window_size"])
}

func TestDispatchEmbedsImagesAsDataURLs(t *testing.T) {
	ts, requests := completionServer(t)
	d := newTestDispatcher(1)

	_, err := d.Dispatch(context.Background(), ts.URL, writeTestImages(t, 1), "read", "xf3-large")
	require.NoError(t, err)

	reqs := requests()
	require.Len(t, reqs, 1)
	var imageURL string
	for _, part := range reqs[0].Messages[0].Content {
		if part.Type == "image_url" {
			imageURL = part.ImageURL.URL
		}
	}
	assert.True(t, strings.HasPrefix(imageURL, "data:image/png;base64,"))
}

func TestDispatchPropagatesServerError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	d := newTestDispatcher(1)
	_, err := d.Dispatch(context.Background(), ts.URL, writeTestImages(t, 2), "read", "xf3-large")
	assert.Error(t, err)
}

func TestDispatchUnsupportedModel(t *testing.T) {
	d := newTestDispatcher(1)
	_, err := d.Dispatch(context.Background(), "http://127.0.0.1:1", writeTestImages(t, 1), "read", "nope")
	assert.ErrorIs(t, err, ErrUnsupportedModel)
}
