package vllm

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"time"

	"xfinite-ocr/internal/metrics"
	"xfinite-ocr/internal/shared"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"
)

type DispatchConfig struct {
	BatchSize      int
	MaxTokens      int
	RequestTimeout time.Duration
}

// Dispatcher routes normalized page images to the inference server's
// completion endpoint and returns extracted text in input order. No internal
// parallelism: batches go out sequentially, so ordering holds by construction.
type Dispatcher struct {
	cfg        DispatchConfig
	log        *zap.SugaredLogger
	httpClient *http.Client
}

func NewDispatcher(cfg DispatchConfig, log *zap.SugaredLogger) *Dispatcher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = shared.DefaultBatchSize
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = shared.DefaultMaxTokens
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = shared.DefaultInferenceTimeout
	}
	return &Dispatcher{
		cfg: cfg,
		log: log,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// Dispatch sends imagePaths to the server at endpoint with modelID's request
// shape. One result per input path, same order. A failed batch call is not
// retried; it propagates so the caller can substitute per-page placeholders.
func (d *Dispatcher) Dispatch(ctx context.Context, endpoint string, imagePaths []string, prompt, modelID string) ([]string, error) {
	spec, err := Lookup(modelID)
	if err != nil {
		return nil, err
	}

	if spec.TaskRouted {
		task := AssignTask(prompt)
		d.log.Infow("Assigned task from prompt", "model", spec.ID, "task", task)
		prompt = string(task)
	}

	completions := openai.NewChatCompletionService(
		option.WithBaseURL(endpoint),
		option.WithAPIKey("EMPTY"),
		option.WithHTTPClient(d.httpClient),
	)

	var reqOpts []option.RequestOption
	for key, value := range spec.ExtraBody {
		reqOpts = append(reqOpts, option.WithJSONSet(key, value))
	}

	d.log.Infow("Dispatching images", "count", len(imagePaths), "model", spec.ID, "batch_size", d.cfg.BatchSize)

	results := make([]string, 0, len(imagePaths))
	for start := 0; start < len(imagePaths); start += d.cfg.BatchSize {
		end := min(start+d.cfg.BatchSize, len(imagePaths))
		batch := imagePaths[start:end]

		messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(batch))
		for _, imgPath := range batch {
			dataURL, err := imageDataURL(imgPath)
			if err != nil {
				return nil, err
			}
			messages = append(messages, openai.UserMessage(
				[]openai.ChatCompletionContentPartUnionParam{
					openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
						URL: dataURL,
					}),
					openai.TextContentPart(prompt),
				},
			))
		}

		batchStart := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
		completion, err := completions.New(callCtx, openai.ChatCompletionNewParams{
			Model:       openai.ChatModel(spec.Repo),
			Messages:    messages,
			Temperature: openai.Float(0),
			MaxTokens:   openai.Int(int64(d.cfg.MaxTokens)),
		}, reqOpts...)
		cancel()
		if err != nil {
			metrics.PagesProcessed.WithLabelValues(spec.ID, "failed").Add(float64(len(batch)))
			return nil, fmt.Errorf("inference call failed: %w", err)
		}
		metrics.DispatchDuration.WithLabelValues(spec.ID).Observe(time.Since(batchStart).Seconds())
		metrics.PagesProcessed.WithLabelValues(spec.ID, "ok").Add(float64(len(batch)))

		for _, choice := range completion.Choices {
			results = append(results, choice.Message.Content)
		}
	}

	return results, nil
}

// imageDataURL embeds the image losslessly for the server to decode.
func imageDataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read image %s: %w", path, err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), nil
}

// Engine couples the supervisor's endpoint with the dispatcher, which is the
// only way callers should reach the inference server.
type Engine struct {
	Supervisor *Supervisor
	Dispatcher *Dispatcher
}

func NewEngine(supervisor *Supervisor, dispatcher *Dispatcher) *Engine {
	return &Engine{Supervisor: supervisor, Dispatcher: dispatcher}
}

// Ensure starts or switches the server for modelID.
func (e *Engine) Ensure(ctx context.Context, modelID string) (string, error) {
	return e.Supervisor.Ensure(ctx, modelID)
}

// Dispatch requires a prior successful Ensure for modelID.
func (e *Engine) Dispatch(ctx context.Context, imagePaths []string, prompt, modelID string) ([]string, error) {
	endpoint, err := e.Supervisor.Endpoint()
	if err != nil {
		return nil, err
	}
	return e.Dispatcher.Dispatch(ctx, endpoint, imagePaths, prompt, modelID)
}
