package tools

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/kea-bot/kea/internal/config"
)

// ForecastTool answers multi-day outlook questions via the weatherapi.com
// forecast endpoint.
type ForecastTool struct {
	cfg    config.WeatherConfig
	cost   float64
	client *http.Client
}

func NewForecastTool(cfg config.WeatherConfig, cost float64) *ForecastTool {
	return &ForecastTool{
		cfg:    cfg,
		cost:   cost,
		client: &http.Client{Timeout: weatherTimeout},
	}
}

func (t *ForecastTool) Kind() Kind   { return KindForecast }
func (t *ForecastTool) Name() string { return "get_forecast" }

func (t *ForecastTool) Description() string {
	return "Get a multi-day weather forecast for a location. Use for questions about upcoming weather (tomorrow, this weekend, next few days)."
}

func (t *ForecastTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"location": map[string]interface{}{
				"type":        "string",
				"description": "City name, optionally with country (e.g. 'Auckland' or 'Wellington, NZ').",
			},
			"days": map[string]interface{}{
				"type":        "number",
				"description": "Number of days to forecast (1-10).",
			},
		},
		"required": []string{"location"},
	}
}

func (t *ForecastTool) Cost() float64       { return t.cost }
func (t *ForecastTool) LoadingText() string { return "Reading the forecast..." }

func (t *ForecastTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	location, _ := args["location"].(string)
	if location == "" {
		return ErrorResult("location is required")
	}
	if t.cfg.APIKey == "" {
		return ErrorResult("weather lookups are not configured")
	}

	days := t.cfg.ForecastDays
	if d, ok := args["days"].(float64); ok && d >= 1 && d <= 10 {
		days = int(d)
	}
	if days < 1 {
		days = 3
	}

	slog.Info("get_forecast: looking up forecast", "location", location, "days", days)

	q := url.Values{}
	q.Set("q", location)
	q.Set("days", strconv.Itoa(days))
	wr, err := fetchWeather(ctx, t.client, t.cfg.BaseURL, t.cfg.APIKey, "forecast.json", q)
	if err != nil {
		return ErrorResult(fmt.Sprintf("forecast lookup failed: %v", err)).WithError(err)
	}

	fdays := make([]interface{}, 0, len(wr.Forecast.ForecastDay))
	for _, fd := range wr.Forecast.ForecastDay {
		fdays = append(fdays, map[string]interface{}{
			"date":                 fd.Date,
			"maxtemp_c":            fd.Day.MaxTempC,
			"mintemp_c":            fd.Day.MinTempC,
			"daily_chance_of_rain": fd.Day.DailyChanceOfRain,
			"condition": map[string]interface{}{
				"text": fd.Day.Condition.Text,
			},
		})
	}

	payload := map[string]interface{}{
		"location": map[string]interface{}{
			"name":      wr.Location.Name,
			"country":   wr.Location.Country,
			"localtime": wr.Location.Localtime,
		},
		"forecast": map[string]interface{}{
			"forecastday": fdays,
		},
	}

	summary := fmt.Sprintf("%d-day forecast for %s", len(fdays), wr.Location.Name)
	return NewResult(payload).WithSummary(summary)
}
