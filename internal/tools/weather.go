package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kea-bot/kea/internal/config"
)

const weatherTimeout = 15 * time.Second

// WeatherTool answers current-conditions questions via the weatherapi.com
// realtime endpoint.
type WeatherTool struct {
	cfg    config.WeatherConfig
	cost   float64
	client *http.Client
}

func NewWeatherTool(cfg config.WeatherConfig, cost float64) *WeatherTool {
	return &WeatherTool{
		cfg:    cfg,
		cost:   cost,
		client: &http.Client{Timeout: weatherTimeout},
	}
}

func (t *WeatherTool) Kind() Kind   { return KindWeather }
func (t *WeatherTool) Name() string { return "get_weather" }

func (t *WeatherTool) Description() string {
	return "Get current weather conditions for a location. Use for questions about the weather right now."
}

func (t *WeatherTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"location": map[string]interface{}{
				"type":        "string",
				"description": "City name, optionally with country (e.g. 'Auckland' or 'Wellington, NZ').",
			},
		},
		"required": []string{"location"},
	}
}

func (t *WeatherTool) Cost() float64       { return t.cost }
func (t *WeatherTool) LoadingText() string { return "Checking the weather..." }

func (t *WeatherTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	location, _ := args["location"].(string)
	if location == "" {
		return ErrorResult("location is required")
	}
	if t.cfg.APIKey == "" {
		return ErrorResult("weather lookups are not configured")
	}

	slog.Info("get_weather: looking up conditions", "location", location)

	q := url.Values{}
	q.Set("q", location)
	wr, err := fetchWeather(ctx, t.client, t.cfg.BaseURL, t.cfg.APIKey, "current.json", q)
	if err != nil {
		return ErrorResult(fmt.Sprintf("weather lookup failed: %v", err)).WithError(err)
	}

	payload := map[string]interface{}{
		"location": map[string]interface{}{
			"name":      wr.Location.Name,
			"country":   wr.Location.Country,
			"localtime": wr.Location.Localtime,
		},
		"current": map[string]interface{}{
			"temp_c":      wr.Current.TempC,
			"feelslike_c": wr.Current.FeelsLikeC,
			"humidity":    wr.Current.Humidity,
			"wind_kph":    wr.Current.WindKPH,
			"condition": map[string]interface{}{
				"text": wr.Current.Condition.Text,
			},
		},
	}

	summary := fmt.Sprintf("%s: %.0f°C, %s", wr.Location.Name, wr.Current.TempC, wr.Current.Condition.Text)
	return NewResult(payload).WithSummary(summary)
}

// weatherResponse is the wire shape shared by the realtime and forecast
// endpoints. The error member is set on 4xx replies.
type weatherResponse struct {
	Location struct {
		Name      string `json:"name"`
		Region    string `json:"region"`
		Country   string `json:"country"`
		Localtime string `json:"localtime"`
	} `json:"location"`
	Current struct {
		TempC      float64 `json:"temp_c"`
		FeelsLikeC float64 `json:"feelslike_c"`
		Humidity   int     `json:"humidity"`
		WindKPH    float64 `json:"wind_kph"`
		Condition  struct {
			Text string `json:"text"`
		} `json:"condition"`
	} `json:"current"`
	Forecast struct {
		ForecastDay []forecastDay `json:"forecastday"`
	} `json:"forecast"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type forecastDay struct {
	Date string `json:"date"`
	Day  struct {
		MaxTempC          float64 `json:"maxtemp_c"`
		MinTempC          float64 `json:"mintemp_c"`
		DailyChanceOfRain int     `json:"daily_chance_of_rain"`
		Condition         struct {
			Text string `json:"text"`
		} `json:"condition"`
	} `json:"day"`
}

func fetchWeather(ctx context.Context, client *http.Client, baseURL, key, endpoint string, q url.Values) (*weatherResponse, error) {
	if baseURL == "" {
		baseURL = "https://api.weatherapi.com/v1"
	}
	q.Set("key", key)
	reqURL := strings.TrimRight(baseURL, "/") + "/" + endpoint + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var wr weatherResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("weather API error %d: %s", resp.StatusCode, truncateBytes(body, 200))
		}
		return nil, fmt.Errorf("parse weather response: %w", err)
	}
	if wr.Error != nil {
		return nil, fmt.Errorf("weather API: %s", wr.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather API error %d", resp.StatusCode)
	}
	return &wr, nil
}

func truncateBytes(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
