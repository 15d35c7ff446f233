package provider

import (
	"context"
	"errors"
	"math"
	"testing"

	"flux-gen-service/internal/logging"
	"flux-gen-service/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func newTestGemini(fn generateContentFunc) *GeminiBackend {
	return &GeminiBackend{
		opts:     GeminiOptions{Model: "gemini-2.5-flash-image"},
		generate: fn,
		logger:   logging.Nop(),
	}
}

func TestGeminiGenerate(t *testing.T) {
	img := pngBytes(t)
	var gotConfig *genai.GenerateContentConfig
	b := newTestGemini(func(_ context.Context, modelID string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		gotConfig = cfg
		assert.Equal(t, "gemini-2.5-flash-image", modelID)
		assert.Equal(t, "a fox", contents[0].Parts[0].Text)
		return &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []*genai.Part{
					{Text: "here you go"},
					{InlineData: &genai.Blob{MIMEType: "image/png", Data: img}},
				}},
			}},
		}, nil
	})

	seed := int64(7)
	res, err := b.Generate(context.Background(), Params{Prompt: "a fox", Width: 1344, Height: 768, Steps: 4, Seed: &seed})
	require.NoError(t, err)
	assert.Equal(t, img, res.Image)
	assert.Equal(t, int64(7), res.Seed)
	require.NotNil(t, gotConfig.Seed)
	assert.Equal(t, int32(7), *gotConfig.Seed)
	assert.Equal(t, "16:9", gotConfig.ImageConfig.AspectRatio)
}

func TestGeminiErrors(t *testing.T) {
	b := &GeminiBackend{opts: GeminiOptions{Model: "m"}, logger: logging.Nop()}
	_, err := b.Generate(context.Background(), Params{Prompt: "x", Width: 1024, Height: 1024})
	assert.Equal(t, model.KindBackendUnavailable, model.KindOf(err))

	b = newTestGemini(func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: "refused"}}},
		}}}, nil
	})
	_, err = b.Generate(context.Background(), Params{Prompt: "x", Width: 1024, Height: 1024})
	assert.Equal(t, model.KindGenerationFailed, model.KindOf(err))
	assert.Contains(t, err.Error(), "refused")

	big := int64(math.MaxInt32) + 1
	_, err = b.Generate(context.Background(), Params{Prompt: "x", Width: 1024, Height: 1024, Seed: &big})
	assert.Equal(t, model.KindInvalidParameters, model.KindOf(err))

	b = newTestGemini(func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return nil, errors.New("Error 400, Message: bad, Status: INVALID_ARGUMENT")
	})
	_, err = b.Generate(context.Background(), Params{Prompt: "x", Width: 1024, Height: 1024})
	assert.Equal(t, model.KindInvalidParameters, model.KindOf(err))
}
