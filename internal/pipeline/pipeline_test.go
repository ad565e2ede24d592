package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kea-bot/kea/internal/config"
	"github.com/kea-bot/kea/internal/history"
	"github.com/kea-bot/kea/internal/providers"
	"github.com/kea-bot/kea/internal/ratelimit"
	"github.com/kea-bot/kea/internal/telemetry"
	"github.com/kea-bot/kea/internal/tools"
)

// stubTool is a scripted capability for pipeline tests.
type stubTool struct {
	kind    tools.Kind
	name    string
	cost    float64
	loading string
	result  *tools.Result
	delay   time.Duration
	panics  bool

	mu    sync.Mutex
	calls int
}

func (t *stubTool) Kind() tools.Kind    { return t.kind }
func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub capability" }
func (t *stubTool) Cost() float64       { return t.cost }
func (t *stubTool) LoadingText() string { return t.loading }

func (t *stubTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func (t *stubTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	if t.panics {
		panic("stub capability exploded")
	}
	if t.delay > 0 {
		time.Sleep(t.delay)
	}
	return t.result
}

func (t *stubTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// scriptClient plays back canned completion responses in call order.
type scriptClient struct {
	mu        sync.Mutex
	requests  []providers.ChatRequest
	responses []*providers.ChatResponse
	errs      []error
	delays    []time.Duration
}

func (c *scriptClient) Complete(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	c.mu.Lock()
	i := len(c.requests)
	c.requests = append(c.requests, req)
	var (
		resp  *providers.ChatResponse
		err   error
		delay time.Duration
	)
	if i < len(c.responses) {
		resp = c.responses[i]
	}
	if i < len(c.errs) {
		err = c.errs[i]
	}
	if i < len(c.delays) {
		delay = c.delays[i]
	}
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &providers.ChatResponse{Content: "ok", FinishReason: "stop"}
	}
	return resp, nil
}

func (c *scriptClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// recordAcker captures every reply-slot operation.
type recordAcker struct {
	mu      sync.Mutex
	nextID  int
	sends   []string
	edits   []Update
	targets []Handle
	deletes []Handle
	sendErr error
	editErr error
}

func (a *recordAcker) Send(ctx context.Context, channelID, text string) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return Handle{}, a.sendErr
	}
	a.nextID++
	a.sends = append(a.sends, text)
	return Handle{ChannelID: channelID, MessageID: fmt.Sprintf("bot-%d", a.nextID)}, nil
}

func (a *recordAcker) Edit(ctx context.Context, h Handle, u Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.editErr != nil {
		return a.editErr
	}
	a.targets = append(a.targets, h)
	a.edits = append(a.edits, u)
	return nil
}

func (a *recordAcker) Delete(ctx context.Context, h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deletes = append(a.deletes, h)
	return nil
}

func (a *recordAcker) lastEdit() (Update, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.edits) == 0 {
		return Update{}, false
	}
	return a.edits[len(a.edits)-1], true
}

func (a *recordAcker) lastTarget() (Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.targets) == 0 {
		return Handle{}, false
	}
	return a.targets[len(a.targets)-1], true
}

func (a *recordAcker) editCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.edits)
}

func (a *recordAcker) sendCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sends)
}

func (a *recordAcker) editTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.edits))
	for i, u := range a.edits {
		out[i] = u.Text
	}
	return out
}

// memHistory is an in-memory History for tests.
type memHistory struct {
	mu   sync.Mutex
	rows []history.Message
}

func (h *memHistory) Append(ctx context.Context, msg history.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows = append(h.rows, msg)
	return nil
}

func (h *memHistory) Recent(ctx context.Context, channelID string, n int) ([]history.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []history.Message
	for _, row := range h.rows {
		if row.ChannelID == channelID {
			out = append(out, row)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (h *memHistory) UpdateContent(ctx context.Context, channelID, messageID, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.rows {
		if h.rows[i].ChannelID == channelID && h.rows[i].MessageID == messageID {
			h.rows[i].Content = content
		}
	}
	return nil
}

func (h *memHistory) Remove(ctx context.Context, channelID, messageID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.rows[:0]
	for _, row := range h.rows {
		if !(row.ChannelID == channelID && row.MessageID == messageID) {
			kept = append(kept, row)
		}
	}
	h.rows = kept
	return nil
}

func (h *memHistory) contentOf(channelID, messageID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, row := range h.rows {
		if row.ChannelID == channelID && row.MessageID == messageID {
			return row.Content, true
		}
	}
	return "", false
}

type testRig struct {
	runner     *Runner
	acker      *recordAcker
	client     *scriptClient
	hist       *memHistory
	metrics    *telemetry.Metrics
	rels       *Relationships
	locks      *Locks
	general    *ratelimit.Limiter
	generation *ratelimit.Limiter
}

func newRig(t *testing.T, client *scriptClient, toolset ...tools.Tool) *testRig {
	t.Helper()
	reg := tools.NewRegistry()
	for _, tl := range toolset {
		reg.Register(tl)
	}
	metrics := telemetry.New(prometheus.NewRegistry())
	general := ratelimit.New(30, 30*time.Second)
	generation := ratelimit.New(3, time.Minute)
	acker := &recordAcker{}
	hist := &memHistory{}
	rels := NewRelationships()
	locks := NewLocks()
	gate := NewGate(config.ModerationConfig{
		IgnorePrefix:    "!",
		AllowedChannels: config.FlexibleStringSlice{"chan-1"},
	}, nil)

	runner := NewRunner(RunnerConfig{
		Gate:          gate,
		Locks:         locks,
		Acker:         acker,
		General:       general,
		Dispatcher:    NewDispatcher(client, reg, NewImageIntentFilter(), metrics, DispatcherOptions{Timeout: 2 * time.Second}),
		Executor:      NewExecutor(reg, general, generation, metrics),
		Synthesizer:   NewSynthesizer(client, metrics, SynthesizerOptions{Timeout: 2 * time.Second, HomeZone: "Pacific/Auckland"}),
		Relationships: rels,
		History:       hist,
		Metrics:       metrics,
		ChatCost:      1,
	})
	return &testRig{
		runner:     runner,
		acker:      acker,
		client:     client,
		hist:       hist,
		metrics:    metrics,
		rels:       rels,
		locks:      locks,
		general:    general,
		generation: generation,
	}
}

func userMsg(id, content string) InboundMessage {
	return InboundMessage{
		ID:         id,
		ChannelID:  "chan-1",
		AuthorID:   "user-1",
		AuthorName: "ruru",
		Content:    content,
		CreatedAt:  time.Now(),
	}
}

func weatherStub() *stubTool {
	payload := map[string]interface{}{
		"location": map[string]interface{}{"name": "Auckland"},
		"current": map[string]interface{}{
			"temp_c":    18.0,
			"condition": map[string]interface{}{"text": "Cloudy"},
		},
	}
	return &stubTool{
		kind:    tools.KindWeather,
		name:    "get_weather",
		cost:    1,
		loading: "Checking the weather...",
		result:  tools.NewResult(payload).WithSummary("Auckland: 18°C, Cloudy"),
	}
}

func weatherCallResponse() *providers.ChatResponse {
	return &providers.ChatResponse{
		ToolCalls: []providers.ToolCall{{
			ID:        "call-1",
			Name:      "get_weather",
			Arguments: map[string]interface{}{"location": "Auckland"},
		}},
		FinishReason: "tool_calls",
		Usage:        &providers.Usage{PromptTokens: 30, CompletionTokens: 10, TotalTokens: 40},
	}
}

// TestWeatherQuestionEndToEnd walks a weather question through dispatch,
// execution and synthesis and checks the final reply is grounded in the
// collaborator's numbers.
func TestWeatherQuestionEndToEnd(t *testing.T) {
	weather := weatherStub()
	client := &scriptClient{responses: []*providers.ChatResponse{
		weatherCallResponse(),
		{Content: "Auckland is sitting at 18°C under cloudy skies.", Usage: &providers.Usage{TotalTokens: 60}},
	}}
	rig := newRig(t, client, weather)

	rig.runner.HandleMessage(context.Background(), userMsg("msg-1", "what's the weather in Auckland?"))

	last, ok := rig.acker.lastEdit()
	if !ok {
		t.Fatal("no edits recorded")
	}
	if !strings.Contains(last.Text, "Auckland") || !strings.Contains(last.Text, "18") {
		t.Fatalf("final text not grounded in result: %q", last.Text)
	}
	if !strings.Contains(last.Text, "\n\n-# ") {
		t.Errorf("final text missing footer: %q", last.Text)
	}
	if !strings.Contains(last.Text, "100 tokens") {
		t.Errorf("footer should sum dispatch and synthesis tokens: %q", last.Text)
	}
	if got := weather.callCount(); got != 1 {
		t.Errorf("weather calls = %d, want 1", got)
	}
	if got := client.callCount(); got != 2 {
		t.Errorf("completion calls = %d, want 2", got)
	}
	if rig.locks.Held("chan-1") {
		t.Error("channel lock still held after run")
	}

	texts := rig.acker.editTexts()
	foundLoading := false
	for _, txt := range texts[:len(texts)-1] {
		if txt == "Checking the weather..." {
			foundLoading = true
		}
	}
	if !foundLoading {
		t.Errorf("loading phrase never shown, edits were %q", texts)
	}
	if rig.rels.Len() != 1 {
		t.Errorf("relationships = %d, want 1", rig.rels.Len())
	}
}

// TestRateLimitedShortCircuit exhausts the general budget and checks the
// reply is a wait message with zero downstream calls.
func TestRateLimitedShortCircuit(t *testing.T) {
	weather := weatherStub()
	client := &scriptClient{}
	rig := newRig(t, client, weather)

	rig.general.Consume("user-1", 30)

	rig.runner.HandleMessage(context.Background(), userMsg("msg-1", "what's the weather?"))

	last, ok := rig.acker.lastEdit()
	if !ok {
		t.Fatal("no edits recorded")
	}
	if !regexp.MustCompile(`\d+ seconds`).MatchString(last.Text) {
		t.Errorf("wait message should name the wait in seconds: %q", last.Text)
	}
	if got := client.callCount(); got != 0 {
		t.Errorf("completion calls = %d, want 0", got)
	}
	if got := weather.callCount(); got != 0 {
		t.Errorf("weather calls = %d, want 0", got)
	}
	counts := rig.metrics.Snapshot()
	if counts.RateLimited["user-1"] != 1 {
		t.Errorf("rate-limit tally = %v, want user-1: 1", counts.RateLimited)
	}
	if rig.locks.Held("chan-1") {
		t.Error("channel lock still held after run")
	}
}

// TestDeletedMessageAnnotation deletes the originating message after a
// weather reply and checks the reply turns into a context annotation
// exactly once.
func TestDeletedMessageAnnotation(t *testing.T) {
	weather := weatherStub()
	client := &scriptClient{responses: []*providers.ChatResponse{
		weatherCallResponse(),
		{Content: "Auckland is 18°C and cloudy."},
	}}
	rig := newRig(t, client, weather)
	ctx := context.Background()

	rig.runner.HandleMessage(ctx, userMsg("msg-1", "what's the weather in Auckland?"))
	botHandle, _ := rig.acker.lastTarget()

	rig.runner.HandleDelete(ctx, "chan-1", "msg-1")

	last, ok := rig.acker.lastEdit()
	if !ok {
		t.Fatal("no edits recorded")
	}
	if !strings.Contains(last.Text, "ruru") || !strings.Contains(last.Text, "Weather") {
		t.Errorf("annotation = %q, want display name and context word", last.Text)
	}
	target, _ := rig.acker.lastTarget()
	if target != botHandle {
		t.Errorf("annotation edited %+v, want bot reply %+v", target, botHandle)
	}

	edits := rig.acker.editCount()
	rig.runner.HandleDelete(ctx, "chan-1", "msg-1")
	if rig.acker.editCount() != edits {
		t.Error("second delete produced another edit, association should be consumed")
	}
	if rig.rels.Len() != 0 {
		t.Errorf("relationships = %d after consumption, want 0", rig.rels.Len())
	}
}

// TestSynthesisFailureFallbacks drives a synthesis failure through both
// fallback tiers: a template for weather, an apology plus bounded dump
// for everything else.
func TestSynthesisFailureFallbacks(t *testing.T) {
	t.Run("weather template", func(t *testing.T) {
		weather := weatherStub()
		client := &scriptClient{
			responses: []*providers.ChatResponse{weatherCallResponse(), nil},
			errs:      []error{nil, fmt.Errorf("model unavailable")},
		}
		rig := newRig(t, client, weather)

		rig.runner.HandleMessage(context.Background(), userMsg("msg-1", "what's the weather in Auckland?"))

		last, _ := rig.acker.lastEdit()
		if !strings.Contains(last.Text, "Auckland") || !strings.Contains(last.Text, "18") {
			t.Errorf("weather fallback not grounded: %q", last.Text)
		}
		if strings.Contains(last.Text, "model unavailable") {
			t.Errorf("raw provider error leaked: %q", last.Text)
		}
	})

	t.Run("apology with raw result", func(t *testing.T) {
		knowledge := &stubTool{
			kind:    tools.KindKnowledge,
			name:    "query_knowledge",
			cost:    1.5,
			loading: "Consulting the knowledge engine...",
			result: tools.NewResult(map[string]interface{}{
				"query":  "meaning of life",
				"answer": "42",
			}),
		}
		client := &scriptClient{
			responses: []*providers.ChatResponse{{
				ToolCalls: []providers.ToolCall{{
					ID:        "call-1",
					Name:      "query_knowledge",
					Arguments: map[string]interface{}{"query": "meaning of life"},
				}},
				FinishReason: "tool_calls",
			}, nil},
			errs: []error{nil, fmt.Errorf("model unavailable")},
		}
		rig := newRig(t, client, knowledge)

		rig.runner.HandleMessage(context.Background(), userMsg("msg-1", "what is the meaning of life?"))

		last, _ := rig.acker.lastEdit()
		if !strings.HasPrefix(last.Text, apologyPrefix) {
			t.Errorf("fallback should open with the apology prefix: %q", last.Text)
		}
		if !strings.Contains(last.Text, "42") {
			t.Errorf("fallback should include the raw result: %q", last.Text)
		}
	})
}

// TestChannelExclusivity sends two messages into the same channel at
// once; the second must be dropped while the first run holds the lock.
func TestChannelExclusivity(t *testing.T) {
	slow := &stubTool{
		kind:    tools.KindTime,
		name:    "get_time",
		cost:    0.5,
		loading: "Checking the clock...",
		delay:   150 * time.Millisecond,
		result:  tools.TextResult("2pm"),
	}
	client := &scriptClient{responses: []*providers.ChatResponse{
		{
			ToolCalls:    []providers.ToolCall{{ID: "call-1", Name: "get_time", Arguments: map[string]interface{}{}}},
			FinishReason: "tool_calls",
		},
		{Content: "It's 2pm."},
	}}
	rig := newRig(t, client, slow)
	ctx := context.Background()

	done := make(chan struct{}, 2)
	go func() {
		rig.runner.HandleMessage(ctx, userMsg("msg-1", "what time is it?"))
		done <- struct{}{}
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		rig.runner.HandleMessage(ctx, userMsg("msg-2", "hello again"))
		done <- struct{}{}
	}()
	<-done
	<-done

	counts := rig.metrics.Snapshot()
	if counts.LockContention != 1 {
		t.Errorf("lock contention = %d, want 1", counts.LockContention)
	}
	if counts.Processed != 1 {
		t.Errorf("processed = %d, want 1", counts.Processed)
	}
	if got := slow.callCount(); got != 1 {
		t.Errorf("capability calls = %d, want 1", got)
	}
	if rig.locks.Held("chan-1") {
		t.Error("channel lock still held after both runs")
	}
}

// TestPanicReleasesLock lets a capability panic mid-run and checks the
// lock is still released and the user still gets an apology.
func TestPanicReleasesLock(t *testing.T) {
	boom := &stubTool{
		kind:    tools.KindKnowledge,
		name:    "query_knowledge",
		cost:    1,
		loading: "Consulting the knowledge engine...",
		panics:  true,
	}
	client := &scriptClient{responses: []*providers.ChatResponse{{
		ToolCalls: []providers.ToolCall{{
			ID:        "call-1",
			Name:      "query_knowledge",
			Arguments: map[string]interface{}{"query": "boom"},
		}},
		FinishReason: "tool_calls",
	}}}
	rig := newRig(t, client, boom)

	rig.runner.HandleMessage(context.Background(), userMsg("msg-1", "make it explode"))

	if rig.locks.Held("chan-1") {
		t.Error("channel lock still held after panic")
	}
	last, ok := rig.acker.lastEdit()
	if !ok {
		t.Fatal("no edits recorded")
	}
	if !strings.Contains(last.Text, "Sorry") {
		t.Errorf("panic apology missing: %q", last.Text)
	}
	if counts := rig.metrics.Snapshot(); counts.Processed != 1 {
		t.Errorf("processed = %d, want 1", counts.Processed)
	}
}

// TestLongResponseTruncated checks the cap: an oversized body is cut so
// the footer still fits and the total never exceeds the platform limit.
func TestLongResponseTruncated(t *testing.T) {
	client := &scriptClient{responses: []*providers.ChatResponse{
		{Content: strings.Repeat("kea ", 800), Usage: &providers.Usage{TotalTokens: 900}},
	}}
	rig := newRig(t, client)

	rig.runner.HandleMessage(context.Background(), userMsg("msg-1", "tell me everything"))

	last, ok := rig.acker.lastEdit()
	if !ok {
		t.Fatal("no edits recorded")
	}
	if len(last.Text) > MaxMessageLength {
		t.Fatalf("final text is %d bytes, cap is %d", len(last.Text), MaxMessageLength)
	}
	idx := strings.LastIndex(last.Text, "\n\n-# ")
	if idx < 0 {
		t.Fatalf("footer missing from truncated reply: %q", last.Text[len(last.Text)-60:])
	}
	if !strings.Contains(last.Text[idx:], "900 tokens") {
		t.Errorf("footer should survive truncation intact: %q", last.Text[idx:])
	}
}

// TestImageBypassesSynthesis runs an image generation and checks the
// asset is attached directly with no second completion call.
func TestImageBypassesSynthesis(t *testing.T) {
	image := &stubTool{
		kind:    tools.KindImage,
		name:    "create_image",
		cost:    1,
		loading: "Painting something up, this can take a moment...",
		result: tools.NewResult(map[string]interface{}{
			"prompt": "a kea in the snow",
		}).WithSummary("Here's what I came up with.").WithAttachment("/tmp/kea_img_1.png"),
	}
	client := &scriptClient{}
	rig := newRig(t, client, image)

	rig.runner.HandleMessage(context.Background(), userMsg("msg-1", "draw me a kea in the snow"))

	last, ok := rig.acker.lastEdit()
	if !ok {
		t.Fatal("no edits recorded")
	}
	if last.AttachmentPath != "/tmp/kea_img_1.png" {
		t.Errorf("attachment = %q, want the generated file", last.AttachmentPath)
	}
	if got := client.callCount(); got != 0 {
		t.Errorf("completion calls = %d, want 0 for an intent-matched image request", got)
	}
	if d := rig.generation.Consume("user-1", 3); !d.Limited {
		t.Error("generation budget should have been charged for the run")
	}
	if d := rig.general.Consume("user-1", 29); d.Limited {
		t.Error("image cost must not be charged against the general budget")
	}
	if d := rig.general.Consume("user-1", 0.5); !d.Limited {
		t.Error("chat cost should have been charged against the general budget")
	}
}

// TestGateDropsSilently checks a gated message produces no platform
// traffic at all.
func TestGateDropsSilently(t *testing.T) {
	client := &scriptClient{}
	rig := newRig(t, client)

	msg := userMsg("msg-1", "hello")
	msg.AuthorIsBot = true
	rig.runner.HandleMessage(context.Background(), msg)

	if rig.acker.sendCount() != 0 {
		t.Error("gated message should not produce an acknowledgment")
	}
	if client.callCount() != 0 {
		t.Error("gated message should not reach the completion service")
	}
}

// TestEditReconcilesHistoryOnly checks an edit updates the stored
// conversation but leaves the reply association alone.
func TestEditReconcilesHistoryOnly(t *testing.T) {
	client := &scriptClient{responses: []*providers.ChatResponse{
		{Content: "Kia ora!"},
	}}
	rig := newRig(t, client)
	ctx := context.Background()

	rig.runner.HandleMessage(ctx, userMsg("msg-1", "helo"))
	if rig.rels.Len() != 1 {
		t.Fatalf("relationships = %d, want 1", rig.rels.Len())
	}

	rig.runner.HandleEdit(ctx, "chan-1", "msg-1", "hello")

	if got, ok := rig.hist.contentOf("chan-1", "msg-1"); !ok || got != "hello" {
		t.Errorf("history content = %q, want %q", got, "hello")
	}
	if rig.rels.Len() != 1 {
		t.Errorf("relationships = %d after edit, want 1 (untouched)", rig.rels.Len())
	}
}
