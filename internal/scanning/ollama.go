package scanning

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

// Ollama implements the Recognizer interface using Ollama
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates a new Ollama Recognizer instance
// Vision models with decent OCR: llava:1.6, qwen2-vl:7b, minicpm-v
func NewOllama(baseURL string, modelName string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llava"
	}

	return &Ollama{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   modelName,
		client: &http.Client{
			Timeout: 120 * time.Second, // Ollama can be slow for vision models
		},
	}, nil
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ollamaChatResponse is one NDJSON chunk of a streamed chat response
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

// Recognize transcribes the text of a still image
func (o *Ollama) Recognize(ctx context.Context, img StillImage, opts RecognizeOptions) (*Recognition, error) {
	lang := languageOrDefault(opts.Language)

	imageData, _, err := prepareImageData(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecognitionFailed, err)
	}

	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: true,
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an OCR engine. You output only the text you read in images.",
			},
			{
				Role:    "user",
				Content: fmt.Sprintf(transcriptionPrompt, lang),
				Images:  []string{base64.StdEncoding.EncodeToString(imageData)},
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling request: %w", ErrRecognitionFailed, err)
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %w", ErrRecognitionFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	reportProgress(opts.Progress, "uploading", 0)
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: calling ollama API: %w", ErrRecognitionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: ollama API error (status %d): %s", ErrRecognitionFailed, resp.StatusCode, string(body))
	}

	var text strings.Builder
	done := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("%w: decoding response: %w", ErrRecognitionFailed, err)
		}
		if chunk.Error != "" {
			return nil, fmt.Errorf("%w: ollama: %s", ErrRecognitionFailed, chunk.Error)
		}
		text.WriteString(chunk.Message.Content)
		reportProgress(opts.Progress, "recognizing", -1)
		if chunk.Done {
			done = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrRecognitionFailed, err)
	}
	if !done {
		return nil, fmt.Errorf("%w: ollama stream ended early", ErrRecognitionFailed)
	}
	reportProgress(opts.Progress, "done", 1)

	return &Recognition{
		RawText:  cleanTranscript(text.String()),
		Language: lang,
		Engine:   "ollama",
	}, nil
}

// Close closes the Ollama client (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}
