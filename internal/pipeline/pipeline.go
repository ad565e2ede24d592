package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kea-bot/kea/internal/history"
	"github.com/kea-bot/kea/internal/providers"
	"github.com/kea-bot/kea/internal/ratelimit"
	"github.com/kea-bot/kea/internal/telemetry"
	"github.com/kea-bot/kea/internal/tools"
)

const thinkingText = "Thinking..."

// History records the conversation the dispatcher reads back.
// *history.Store implements it.
type History interface {
	Append(ctx context.Context, msg history.Message) error
	Recent(ctx context.Context, channelID string, n int) ([]history.Message, error)
	UpdateContent(ctx context.Context, channelID, messageID, content string) error
	Remove(ctx context.Context, channelID, messageID string) error
}

// RunnerConfig wires the pipeline's collaborators together. Everything
// is injected so tests can swap fakes for the platform, the completion
// service and the stores.
type RunnerConfig struct {
	Gate          *Gate
	Locks         *Locks
	Acker         Acker
	General       *ratelimit.Limiter
	Dispatcher    *Dispatcher
	Executor      *Executor
	Synthesizer   *Synthesizer
	Relationships *Relationships
	History       History
	Metrics       *telemetry.Metrics

	// ChatCost is charged against the general budget for every message
	// before dispatch. Capability costs come on top at execution time.
	ChatCost float64
	// ContextMessages is how many recent history rows dispatch sees.
	ContextMessages int
}

// Runner drives one inbound message through the whole pipeline. Each
// message gets its own goroutine; the per-channel lock keeps runs on
// the same channel serial.
type Runner struct {
	gate       *Gate
	locks      *Locks
	acker      Acker
	general    *ratelimit.Limiter
	dispatcher *Dispatcher
	executor   *Executor
	synth      *Synthesizer
	rels       *Relationships
	history    History
	metrics    *telemetry.Metrics

	chatCost    float64
	contextMsgs int
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.ChatCost <= 0 {
		cfg.ChatCost = 1
	}
	if cfg.ContextMessages <= 0 {
		cfg.ContextMessages = 12
	}
	return &Runner{
		gate:        cfg.Gate,
		locks:       cfg.Locks,
		acker:       cfg.Acker,
		general:     cfg.General,
		dispatcher:  cfg.Dispatcher,
		executor:    cfg.Executor,
		synth:       cfg.Synthesizer,
		rels:        cfg.Relationships,
		history:     cfg.History,
		metrics:     cfg.Metrics,
		chatCost:    cfg.ChatCost,
		contextMsgs: cfg.ContextMessages,
	}
}

// runStats accumulates the numbers the footer renders. Single-goroutine.
type runStats struct {
	usage providers.Usage
	calls map[string]int64
}

func (s *runStats) addUsage(u *providers.Usage) {
	if u == nil {
		return
	}
	s.usage.PromptTokens += u.PromptTokens
	s.usage.CompletionTokens += u.CompletionTokens
	s.usage.TotalTokens += u.TotalTokens
}

func (s *runStats) footer(elapsed time.Duration) Footer {
	return Footer{Elapsed: elapsed, Usage: s.usage, APICalls: s.calls}
}

// HandleMessage runs the full pipeline for one inbound message. It
// never returns an error and never lets a panic escape: whatever
// happens inside, the channel lock is released exactly once on the way
// out.
func (r *Runner) HandleMessage(ctx context.Context, msg InboundMessage) {
	if err := r.gate.Check(ctx, msg); err != nil {
		var skip *GateSkip
		if errors.As(err, &skip) {
			r.metrics.TrackGateRejection(skip.Reason)
			slog.Debug("pipeline: message gated", "reason", skip.Reason, "channel", msg.ChannelID, "message", msg.ID)
		}
		return
	}

	if !r.locks.Acquire(msg.ChannelID) {
		r.metrics.TrackLockContention()
		slog.Debug("pipeline: channel busy, dropping message", "channel", msg.ChannelID, "message", msg.ID)
		return
	}

	runID := uuid.Must(uuid.NewV7()).String()
	start := time.Now()

	var (
		ack     Handle
		haveAck bool
	)

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("pipeline: panic recovered",
				"run", runID, "channel", msg.ChannelID, "message", msg.ID,
				"panic", rec, "stack", string(debug.Stack()))
			if haveAck {
				cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				editQuiet(cleanup, r.acker, ack, Update{Text: "Sorry, something went wrong on my end."})
				cancel()
			}
		}
		r.locks.Release(msg.ChannelID)
		r.metrics.TrackProcessed()
	}()

	tr := otel.Tracer("kea/pipeline")
	ctx, span := tr.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("channel.id", msg.ChannelID),
	))
	defer span.End()

	// The provisional reply goes out right away; history bookkeeping
	// overlaps with the platform round-trip.
	type ackResult struct {
		h   Handle
		err error
	}
	ackCh := make(chan ackResult, 1)
	go func() {
		h, err := r.acker.Send(ctx, msg.ChannelID, thinkingText)
		ackCh <- ackResult{h, err}
	}()

	if err := r.history.Append(ctx, history.Message{
		ChannelID:  msg.ChannelID,
		MessageID:  msg.ID,
		Role:       "user",
		AuthorName: msg.AuthorName,
		Content:    msg.Content,
		CreatedAt:  msg.CreatedAt,
	}); err != nil {
		slog.Warn("pipeline: history append failed", "run", runID, "error", err)
	}
	rows, err := r.history.Recent(ctx, msg.ChannelID, r.contextMsgs)
	if err != nil || len(rows) == 0 {
		if err != nil {
			slog.Warn("pipeline: history read failed", "run", runID, "error", err)
		}
		rows = []history.Message{{
			ChannelID:  msg.ChannelID,
			MessageID:  msg.ID,
			Role:       "user",
			AuthorName: msg.AuthorName,
			Content:    msg.Content,
		}}
	}

	ar := <-ackCh
	if ar.err != nil {
		slog.Error("pipeline: could not send acknowledgment", "run", runID, "channel", msg.ChannelID, "error", ar.err)
		return
	}
	ack, haveAck = ar.h, true

	if d := r.general.Consume(msg.AuthorID, r.chatCost); d.Limited {
		r.metrics.TrackRateLimit(msg.AuthorID)
		slog.Info("pipeline: rate limited", "run", runID, "user", msg.AuthorID, "retry_after", d.RetryAfter)
		editQuiet(ctx, r.acker, ack, Update{Text: waitMessage("general", d.RetryAfterSeconds())})
		return
	}

	stats := runStats{calls: make(map[string]int64)}

	dctx, dspan := tr.Start(ctx, "pipeline.dispatch")
	decision, err := r.dispatcher.Dispatch(dctx, rows, msg)
	dspan.End()
	if err != nil {
		slog.Error("pipeline: dispatch failed", "run", runID, "error", err)
		editQuiet(ctx, r.acker, ack, Update{Text: failureApology("completion")})
		return
	}
	if decision.ViaCompletion {
		stats.calls["completion"]++
	}
	stats.addUsage(decision.Usage)

	if decision.Call == nil {
		text := strings.TrimSpace(decision.Text)
		if text == "" {
			text = "Hmm, I came up empty there. Try asking another way?"
		}
		final := Compose(text, stats.footer(time.Since(start)))
		editQuiet(ctx, r.acker, ack, Update{Text: final})
		r.recordReply(ctx, runID, msg, ack, final, ContextChat)
		return
	}

	ectx, espan := tr.Start(ctx, "pipeline.execute",
		trace.WithAttributes(attribute.String("function.name", decision.Call.Name)))
	exec, err := r.executor.Execute(ectx, msg.AuthorID, decision.Call, func(loading string) {
		editQuiet(ctx, r.acker, ack, Update{Text: loading})
	})
	espan.End()
	if err != nil {
		var limited *RateLimitedError
		if errors.As(err, &limited) {
			editQuiet(ctx, r.acker, ack, Update{Text: waitMessage(limited.Scope, limited.Seconds())})
			return
		}
		kind := decision.Call.Name
		var ds *DownstreamError
		if errors.As(err, &ds) {
			kind = ds.Kind
		}
		slog.Error("pipeline: function failed", "run", runID, "function", decision.Call.Name, "error", err)
		editQuiet(ctx, r.acker, ack, Update{Text: failureApology(kind)})
		return
	}
	stats.calls[string(exec.Tool.Kind())]++

	// Image results skip synthesis: the asset is the answer, the caption
	// just carries it.
	if exec.Tool.Kind() == tools.KindImage {
		caption := exec.Result.Summary
		if caption == "" {
			caption = "Here you go!"
		}
		final := Compose(caption, stats.footer(time.Since(exec.Started)))
		editQuiet(ctx, r.acker, ack, Update{Text: final, AttachmentPath: exec.Result.AttachmentPath})
		r.recordReply(ctx, runID, msg, ack, final, ContextImage)
		return
	}

	sctx, sspan := tr.Start(ctx, "pipeline.synthesize")
	body, usage, err := r.synth.Synthesize(sctx, msg.Content, exec)
	sspan.End()
	stats.calls["completion"]++
	stats.addUsage(usage)
	if err != nil {
		slog.Warn("pipeline: synthesis failed, using fallback", "run", runID, "kind", exec.Tool.Kind(), "error", err)
		body = Fallback(exec)
	}

	final := Compose(body, stats.footer(time.Since(start)))
	editQuiet(ctx, r.acker, ack, Update{Text: final})
	r.recordReply(ctx, runID, msg, ack, final, ContextFor(exec.Tool.Kind()))
}

// recordReply stores the assistant row and the message relationship
// once the reply is final.
func (r *Runner) recordReply(ctx context.Context, runID string, msg InboundMessage, h Handle, finalText string, ctype ContextType) {
	if err := r.history.Append(ctx, history.Message{
		ChannelID:  h.ChannelID,
		MessageID:  h.MessageID,
		Role:       "assistant",
		AuthorName: "kea",
		Content:    finalText,
	}); err != nil {
		slog.Warn("pipeline: history append failed", "run", runID, "error", err)
	}
	r.rels.Store(msg.ID, Relationship{
		BotMessageID:    h.MessageID,
		ChannelID:       h.ChannelID,
		ContextType:     ctype,
		Snippet:         msg.Content,
		UserDisplayName: msg.AuthorName,
	})
}

// waitMessage is the user-visible rate-limit reply. Always names the
// wait in seconds.
func waitMessage(scope string, seconds int) string {
	if scope == "generation" {
		return fmt.Sprintf("Easy on the art requests! I can paint again in about %d seconds.", seconds)
	}
	return fmt.Sprintf("You're sending messages a bit fast for me. Give it about %d seconds and try again.", seconds)
}

// failureApology is the user-visible reply for a failed downstream
// call. Short and free of internals.
func failureApology(kind string) string {
	switch kind {
	case "image":
		return "Sorry, I couldn't paint that one. Maybe try a different idea?"
	case "completion", "synthesis":
		return "Sorry, I couldn't reach my brain just now. Try again in a moment."
	}
	return "Sorry, that lookup didn't work out. Give it another go in a bit."
}
