package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/kea-bot/kea/internal/history"
	"github.com/kea-bot/kea/internal/providers"
	"github.com/kea-bot/kea/internal/telemetry"
	"github.com/kea-bot/kea/internal/tools"
)

const defaultCompletionTimeout = 30 * time.Second

// DispatcherOptions tune the capability-selection call.
type DispatcherOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Dispatcher asks the completion service what to do with a message:
// answer in plain text or run one of the declared capabilities.
type Dispatcher struct {
	client  providers.Client
	reg     *tools.Registry
	intent  IntentFilter
	metrics *telemetry.Metrics
	opts    DispatcherOptions
}

func NewDispatcher(client providers.Client, reg *tools.Registry, intent IntentFilter, metrics *telemetry.Metrics, opts DispatcherOptions) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCompletionTimeout
	}
	return &Dispatcher{client: client, reg: reg, intent: intent, metrics: metrics, opts: opts}
}

// Dispatch decides what to do with msg. rows is the recent conversation
// in chronological order, with msg already included as the last row.
//
// An obvious image request short-circuits straight to create_image
// without a completion call. Otherwise the completion call races an
// independent timer; on timeout the in-flight request is abandoned, not
// canceled, and its eventual result is discarded.
func (d *Dispatcher) Dispatch(ctx context.Context, rows []history.Message, msg InboundMessage) (*Decision, error) {
	if d.intent != nil {
		if call, ok := d.intent.Match(msg.Content); ok {
			slog.Info("dispatch: image intent matched, skipping completion", "channel", msg.ChannelID)
			return &Decision{Call: call}, nil
		}
	}

	req := providers.ChatRequest{
		Messages:    buildDispatchMessages(rows),
		Tools:       d.reg.Definitions(),
		Model:       d.opts.Model,
		MaxTokens:   d.opts.MaxTokens,
		Temperature: d.opts.Temperature,
	}

	d.metrics.TrackAPICall("completion")
	resp, err := completeWithTimeout(ctx, d.client, req, d.opts.Timeout, ErrDispatchTimeout)
	if err != nil {
		d.metrics.TrackError("completion")
		return nil, &DownstreamError{Kind: "completion", Err: err}
	}

	if len(resp.ToolCalls) > 0 {
		call := resp.ToolCalls[0]
		if len(resp.ToolCalls) > 1 {
			slog.Debug("dispatch: multiple tool calls returned, honoring first", "count", len(resp.ToolCalls), "name", call.Name)
		}
		return &Decision{
			Call:          &FunctionCall{Name: call.Name, Args: call.Arguments},
			Usage:         resp.Usage,
			ViaCompletion: true,
		}, nil
	}
	return &Decision{Text: sanitizeReply(resp.Content), Usage: resp.Usage, ViaCompletion: true}, nil
}

// buildDispatchMessages converts history rows to completion messages.
// User rows carry the author's name so the model can follow who said
// what in a multi-user channel.
func buildDispatchMessages(rows []history.Message) []providers.Message {
	msgs := make([]providers.Message, 0, len(rows)+1)
	msgs = append(msgs, providers.Message{Role: "system", Content: systemPrompt})
	for _, row := range rows {
		content := row.Content
		if row.Role == "user" && row.AuthorName != "" {
			content = row.AuthorName + ": " + content
		}
		msgs = append(msgs, providers.Message{Role: row.Role, Content: content})
	}
	return msgs
}

// completeWithTimeout races a completion call against its own timer,
// first settle wins. The request context keeps the parent's values but
// not its cancelation, so losing the race abandons the call rather than
// canceling it mid-flight.
func completeWithTimeout(ctx context.Context, client providers.Client, req providers.ChatRequest, timeout time.Duration, timeoutErr error) (*providers.ChatResponse, error) {
	type outcome struct {
		resp *providers.ChatResponse
		err  error
	}
	ch := make(chan outcome, 1)
	detached := context.WithoutCancel(ctx)
	go func() {
		resp, err := client.Complete(detached, req)
		ch <- outcome{resp, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		return out.resp, out.err
	case <-timer.C:
		return nil, timeoutErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
