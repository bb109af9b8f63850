// Package inference multiplexes user requests onto the locally hosted
// models: one long-lived primary LLM and an on-demand vision model, behind
// a bounded concurrency and token envelope. All traffic stays on configured
// local endpoints.
package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Usage is the per-call token accounting record.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Backend is one loaded model endpoint.
type Backend interface {
	Name() string
	Complete(ctx context.Context, system, prompt string, maxTokens int) (string, Usage, error)
	// Stream writes tokens to out until done; it does not close out.
	Stream(ctx context.Context, system, prompt string, maxTokens int, out chan<- string) (Usage, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	Ping(ctx context.Context) error
}

// HTTPBackend speaks the OpenAI-compatible surface of a local model server
// (chat/completions, embeddings). No auth header: the endpoint is loopback
// by policy.
type HTTPBackend struct {
	BaseURL string
	Model   string
	HTTP    *http.Client
}

func NewHTTPBackend(baseURL, model string) *HTTPBackend {
	return &HTTPBackend{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (b *HTTPBackend) Name() string { return b.Model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature"`
	// CachePrompt asks llama.cpp-style servers to reuse the KV prefix.
	CachePrompt bool `json:"cache_prompt,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

func (b *HTTPBackend) messages(system, prompt string) []chatMessage {
	msgs := make([]chatMessage, 0, 2)
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	return append(msgs, chatMessage{Role: "user", Content: prompt})
}

func (b *HTTPBackend) post(ctx context.Context, path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("model endpoint %s: %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func (b *HTTPBackend) Complete(ctx context.Context, system, prompt string, maxTokens int) (string, Usage, error) {
	resp, err := b.post(ctx, "/v1/chat/completions", chatRequest{
		Model: b.Model, Messages: b.messages(system, prompt),
		MaxTokens: maxTokens, Temperature: 0.1, CachePrompt: true,
	})
	if err != nil {
		return "", Usage{}, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Usage{}, fmt.Errorf("decode completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", out.Usage, fmt.Errorf("model returned no choices")
	}
	return out.Choices[0].Message.Content, out.Usage, nil
}

func (b *HTTPBackend) Stream(ctx context.Context, system, prompt string, maxTokens int, out chan<- string) (Usage, error) {
	resp, err := b.post(ctx, "/v1/chat/completions", chatRequest{
		Model: b.Model, Messages: b.messages(system, prompt),
		MaxTokens: maxTokens, Temperature: 0.3, Stream: true, CachePrompt: true,
	})
	if err != nil {
		return Usage{}, err
	}
	defer resp.Body.Close()

	var usage Usage
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Usage.TotalTokens > 0 {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		select {
		case out <- chunk.Choices[0].Delta.Content:
		case <-ctx.Done():
			return usage, ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return usage, err
	}
	return usage, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (b *HTTPBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := b.post(ctx, "/v1/embeddings", embedRequest{Model: b.Model, Input: text})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("model returned no embedding")
	}
	return out.Data[0].Embedding, nil
}

func (b *HTTPBackend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, _, err := b.Complete(ctx, "", "ping", 4)
	return err
}

// VisionPrompt packs an image into the data-URL form the local vision
// server accepts for transcription calls.
func VisionPrompt(data []byte, mediaType string) string {
	return fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(data))
}
