// Package vllm owns the inference server lifecycle and batch dispatch
package vllm

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedModel means the requested variant is not in the catalog.
	ErrUnsupportedModel = errors.New("unsupported model variant")
	// ErrStartupTimeout means the server process never became ready.
	ErrStartupTimeout = errors.New("inference server did not become ready within timeout")
	// ErrNotReady means no server is currently serving requests.
	ErrNotReady = errors.New("inference server is not ready")
)

// ModelSpec is deployment configuration for one model variant. Launch
// parameters and decode constraints live here as data so the supervisor and
// dispatcher stay model-agnostic.
type ModelSpec struct {
	// ID is the public variant selector clients send.
	ID string
	// Label is the human-readable name surfaced in results.
	Label string
	// Repo is the upstream weights repository handed to the server.
	Repo string
	// ServeArgs are extra launch flags for this variant.
	ServeArgs []string
	// TaskRouted marks the PaddleOCR family, whose behavior is driven by a
	// task tag derived from the prompt instead of the free-form prompt.
	TaskRouted bool
	// ExtraBody carries per-request decoding constraints the completion
	// endpoint needs for this variant.
	ExtraBody map[string]any
}

var catalog = []ModelSpec{
	{
		ID:    "xf1-standard",
		Label: "XF1 Standard (Neural v1.2)",
		Repo:  "PaddlePaddle/PaddleOCR-VL",
		ServeArgs: []string{
			"--trust-remote-code",
			"--gpu-memory-utilization", "0.9",
			"--no-enable-prefix-caching",
			"--mm-processor-cache-gb", "0",
			"--max-num-batched-tokens", "16384",
		},
		TaskRouted: true,
	},
	{
		ID:    "xf3-pro",
		Label: "XF3 Pro (End-to-end reasoning)",
		Repo:  "deepseek-ai/DeepSeek-OCR",
		ServeArgs: []string{
			"--logits_processors",
			"vllm.model_executor.models.deepseek_ocr:NGramPerReqLogitsProcessor",
			"--no-enable-prefix-caching",
			"--mm-processor-cache-gb", "0",
		},
		ExtraBody: map[string]any{
			"skip_special_tokens": false,
			"vllm_xargs": map[string]any{
				"ngram_size":          30,
				"window_size":         90,
				"whitelist_token_ids": []int{128821, 128822},
			},
		},
	},
	{
		ID:    "xf3-large",
		Label: "XF3 Large (High-Res 3B)",
		Repo:  "tencent/HunyuanOCR",
		ServeArgs: []string{
			"--trust-remote-code",
			"--dtype", "float16",
			"--gpu-memory-utilization", "0.9",
			"--enforce-eager",
		},
	},
}

// Lookup resolves a variant id against the catalog.
func Lookup(id string) (ModelSpec, error) {
	for _, spec := range catalog {
		if spec.ID == id {
			return spec, nil
		}
	}
	return ModelSpec{}, fmt.Errorf("%w: %s", ErrUnsupportedModel, id)
}

// Variants lists the configured model variants in declaration order.
func Variants() []ModelSpec {
	out := make([]ModelSpec, len(catalog))
	copy(out, catalog)
	return out
}
