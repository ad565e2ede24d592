package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kea-bot/kea/internal/providers"
	"github.com/kea-bot/kea/internal/telemetry"
	"github.com/kea-bot/kea/internal/tools"
)

// apologyPrefix opens every fallback reply that cannot be grounded in
// the function's own numbers.
const apologyPrefix = "Sorry, I couldn't put that into words properly. Here's what I found: "

// fallbackSerializationMax bounds the raw result dump in a fallback.
const fallbackSerializationMax = 600

// SynthesizerOptions tune the response-writing call.
type SynthesizerOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	HomeZone    string
}

// Synthesizer turns a finished capability run into the user-facing
// reply with a second completion call under a per-capability
// instruction.
type Synthesizer struct {
	client  providers.Client
	metrics *telemetry.Metrics
	opts    SynthesizerOptions
}

func NewSynthesizer(client providers.Client, metrics *telemetry.Metrics, opts SynthesizerOptions) *Synthesizer {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCompletionTimeout
	}
	if opts.HomeZone == "" {
		opts.HomeZone = "Pacific/Auckland"
	}
	return &Synthesizer{client: client, metrics: metrics, opts: opts}
}

// Synthesize writes the reply text for exec. question is the user's
// original message. The call races its own timer like dispatch does; on
// any failure the caller renders Fallback instead, and the raw error
// stays in the logs.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, exec *Execution) (string, *providers.Usage, error) {
	req := providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: roleInstruction(exec.Tool.Kind(), s.opts.HomeZone)},
			{Role: "user", Content: fmt.Sprintf("%s\n\nFunction result (JSON):\n%s", question, exec.Result.ForLLM())},
		},
		Model:       s.opts.Model,
		MaxTokens:   s.opts.MaxTokens,
		Temperature: s.opts.Temperature,
	}

	s.metrics.TrackAPICall("completion")
	resp, err := completeWithTimeout(ctx, s.client, req, s.opts.Timeout, ErrSynthesisTimeout)
	if err != nil {
		s.metrics.TrackError("completion")
		return "", nil, &DownstreamError{Kind: "synthesis", Err: err}
	}

	text := sanitizeReply(resp.Content)
	if text == "" {
		s.metrics.TrackError("completion")
		return "", resp.Usage, &DownstreamError{Kind: "synthesis", Err: errors.New("empty completion")}
	}
	return text, resp.Usage, nil
}

// Fallback renders reply text without the completion service. Weather
// and forecast results carry enough structure for a real summary built
// from their own numbers; every other kind gets an apology plus a
// bounded dump of the result.
func Fallback(exec *Execution) string {
	switch exec.Tool.Kind() {
	case tools.KindWeather, tools.KindForecast:
		if text := weatherFallback(exec.Result); text != "" {
			return text
		}
	}
	return apologyPrefix + truncateText(exec.Result.ForLLM(), fallbackSerializationMax)
}

// weatherFallback builds a minimal summary from the weather payload:
// location, condition and temperature, plus one line per forecast day.
// Returns "" when the payload has no location to anchor on.
func weatherFallback(res *tools.Result) string {
	loc := stringAt(res.Payload, "location", "name")
	if loc == "" {
		return ""
	}

	var lines []string
	if temp, ok := floatAt(res.Payload, "current", "temp_c"); ok {
		cond := stringAt(res.Payload, "current", "condition", "text")
		if cond != "" {
			lines = append(lines, fmt.Sprintf("Weather in %s: %s, %.0f°C.", loc, cond, temp))
		} else {
			lines = append(lines, fmt.Sprintf("Weather in %s: %.0f°C.", loc, temp))
		}
	}

	if days, ok := valueAt(res.Payload, "forecast", "forecastday").([]interface{}); ok {
		if len(lines) == 0 && len(days) > 0 {
			lines = append(lines, fmt.Sprintf("Forecast for %s:", loc))
		}
		for _, d := range days {
			day, ok := d.(map[string]interface{})
			if !ok {
				continue
			}
			date := stringAt(day, "date")
			cond := stringAt(day, "condition", "text")
			lo, _ := floatAt(day, "mintemp_c")
			hi, _ := floatAt(day, "maxtemp_c")
			lines = append(lines, fmt.Sprintf("%s: %s, %.0f to %.0f°C", date, cond, lo, hi))
		}
	}

	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n")
}

// valueAt walks nested string-keyed maps and returns the value at the
// end of the path, or nil.
func valueAt(m map[string]interface{}, path ...string) interface{} {
	var cur interface{} = m
	for _, key := range path {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

func stringAt(m map[string]interface{}, path ...string) string {
	s, _ := valueAt(m, path...).(string)
	return s
}

func floatAt(m map[string]interface{}, path ...string) (float64, bool) {
	switch v := valueAt(m, path...).(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
