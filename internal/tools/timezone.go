package tools

import (
	"context"
	"fmt"
	"time"
)

// TimeTool answers what-time-is-it questions for any IANA timezone,
// defaulting to the bot's home zone.
type TimeTool struct {
	homeZone string
	cost     float64

	now func() time.Time // test hook
}

func NewTimeTool(homeZone string, cost float64) *TimeTool {
	if homeZone == "" {
		homeZone = "Pacific/Auckland"
	}
	return &TimeTool{homeZone: homeZone, cost: cost, now: time.Now}
}

func (t *TimeTool) Kind() Kind   { return KindTime }
func (t *TimeTool) Name() string { return "get_time" }

func (t *TimeTool) Description() string {
	return "Get the current date and time in a timezone. Use for questions about the time or date somewhere."
}

func (t *TimeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"timezone": map[string]interface{}{
				"type":        "string",
				"description": "IANA timezone name (e.g. 'Pacific/Auckland', 'Europe/London'). Omit for the bot's home timezone.",
			},
		},
	}
}

func (t *TimeTool) Cost() float64       { return t.cost }
func (t *TimeTool) LoadingText() string { return "Checking the clock..." }

func (t *TimeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	zone, _ := args["timezone"].(string)
	if zone == "" {
		zone = t.homeZone
	}

	loc, err := time.LoadLocation(zone)
	if err != nil {
		return ErrorResult(fmt.Sprintf("unknown timezone %q", zone)).WithError(err)
	}

	local := t.now().In(loc)
	payload := map[string]interface{}{
		"timezone":   zone,
		"local_time": local.Format("Monday, 2 January 2006 at 3:04 PM"),
		"utc_offset": local.Format("-07:00"),
		"unix":       local.Unix(),
	}

	summary := fmt.Sprintf("%s in %s", local.Format("3:04 PM, Mon 2 Jan"), zone)
	return NewResult(payload).WithSummary(summary)
}
