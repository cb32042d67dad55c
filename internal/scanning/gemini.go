package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Gemini implements the Recognizer interface using Google Gemini
type Gemini struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	timeout time.Duration
}

// NewGemini creates a new Gemini Recognizer instance
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	// Transcription should be as literal as the model allows
	model.SetTemperature(0)

	return &Gemini{
		client:  client,
		model:   model,
		timeout: 60 * time.Second,
	}, nil
}

// Recognize transcribes the text of a still image
func (g *Gemini) Recognize(ctx context.Context, img StillImage, opts RecognizeOptions) (*Recognition, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	lang := languageOrDefault(opts.Language)

	imageData, _, err := prepareImageData(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecognitionFailed, err)
	}
	reportProgress(opts.Progress, "uploading", 0)

	// genai.ImageData expects just the format suffix (e.g., "png"), not the full MIME type
	parts := []genai.Part{
		genai.ImageData("png", imageData),
		genai.Text(fmt.Sprintf(transcriptionPrompt, lang)),
	}

	var text strings.Builder
	chunks := 0
	iter := g.model.GenerateContentStream(ctx, parts...)
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: generating content: %w", ErrRecognitionFailed, err)
		}
		if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
			for _, part := range resp.Candidates[0].Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
		chunks++
		reportProgress(opts.Progress, "recognizing", -1)
	}
	if chunks == 0 {
		return nil, fmt.Errorf("%w: no response from gemini", ErrRecognitionFailed)
	}
	reportProgress(opts.Progress, "done", 1)

	return &Recognition{
		RawText:  cleanTranscript(text.String()),
		Language: lang,
		Engine:   "gemini",
	}, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
