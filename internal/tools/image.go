package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/kea-bot/kea/internal/config"
)

const imageTimeout = 120 * time.Second

// ImageTool generates an image from a text prompt using an
// OpenAI-compatible images endpoint and saves it to a local file for the
// channel to attach.
type ImageTool struct {
	cfg     config.ImageConfig
	tempDir string
	cost    float64
	client  *http.Client
}

func NewImageTool(cfg config.ImageConfig, tempDir string, cost float64) *ImageTool {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &ImageTool{
		cfg:     cfg,
		tempDir: tempDir,
		cost:    cost,
		client:  &http.Client{Timeout: imageTimeout},
	}
}

func (t *ImageTool) Kind() Kind   { return KindImage }
func (t *ImageTool) Name() string { return "create_image" }

func (t *ImageTool) Description() string {
	return "Generate an image from a text description. Use when the user asks you to draw, paint, generate, or make a picture of something."
}

func (t *ImageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "Text description of the image to generate.",
			},
		},
		"required": []string{"prompt"},
	}
}

func (t *ImageTool) Cost() float64       { return t.cost }
func (t *ImageTool) LoadingText() string { return "Painting something up, this can take a moment..." }

func (t *ImageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		return ErrorResult("prompt is required")
	}
	if t.cfg.APIKey == "" {
		return ErrorResult("image generation is not configured")
	}

	model := t.cfg.Model
	if model == "" {
		model = "gpt-image-1"
	}

	slog.Info("create_image: calling image generation API", "model", model)

	raw, err := t.callImageAPI(ctx, model, prompt)
	if err != nil {
		return ErrorResult(fmt.Sprintf("image generation failed: %v", err)).WithError(err)
	}

	imagePath := filepath.Join(t.tempDir, fmt.Sprintf("kea_img_%d.png", time.Now().UnixNano()))
	if err := t.saveImage(raw, imagePath); err != nil {
		return ErrorResult(fmt.Sprintf("failed to save generated image: %v", err)).WithError(err)
	}

	payload := map[string]interface{}{
		"prompt": prompt,
		"model":  model,
	}
	return NewResult(payload).
		WithSummary("Here's what I came up with.").
		WithAttachment(imagePath)
}

func (t *ImageTool) callImageAPI(ctx context.Context, model, prompt string) ([]byte, error) {
	body := map[string]interface{}{
		"model":  model,
		"prompt": prompt,
	}
	if t.cfg.Size != "" {
		body["size"] = t.cfg.Size
	}
	// gpt-image models always return base64 and reject the response_format
	// parameter; older models default to URLs unless asked for base64.
	if !strings.HasPrefix(model, "gpt-image") {
		body["response_format"] = "b64_json"
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	baseURL := t.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	reqURL := strings.TrimRight(baseURL, "/") + "/images/generations"

	req, err := http.NewRequestWithContext(ctx, "POST", reqURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image API error %d: %s", resp.StatusCode, truncateBytes(respBody, 500))
	}

	var parsed struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Data) == 0 || parsed.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("no image data in response")
	}

	return base64.StdEncoding.DecodeString(parsed.Data[0].B64JSON)
}

// saveImage writes the generated image, downscaling anything larger than
// the configured max dimension so channel upload limits are not hit.
// Images already within bounds are written untouched.
func (t *ImageTool) saveImage(raw []byte, path string) error {
	maxDim := t.cfg.MaxDimension
	if maxDim <= 0 {
		maxDim = 2048
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxDim && bounds.Dy() <= maxDim {
		return os.WriteFile(path, raw, 0644)
	}

	slog.Info("create_image: downscaling oversized image",
		"width", bounds.Dx(), "height", bounds.Dy(), "max", maxDim)
	resized := imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	if err := imaging.Save(resized, path); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	return nil
}
