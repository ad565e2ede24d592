package history

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T, keep int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), keep)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestAppendAndRecent verifies chronological ordering and the limit.
func TestAppendAndRecent(t *testing.T) {
	s := openTestStore(t, 50)
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		if err := s.Append(ctx, Message{
			ChannelID:  "chan-1",
			MessageID:  "m-" + content,
			Role:       "user",
			AuthorName: "ruru",
			Content:    content,
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Append(ctx, Message{ChannelID: "chan-2", Role: "user", Content: "elsewhere"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	msgs, err := s.Recent(ctx, "chan-1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Content != "first" || msgs[2].Content != "third" {
		t.Errorf("order = %q, %q, %q", msgs[0].Content, msgs[1].Content, msgs[2].Content)
	}
	if msgs[0].AuthorName != "ruru" {
		t.Errorf("author = %q", msgs[0].AuthorName)
	}

	limited, err := s.Recent(ctx, "chan-1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(limited) != 2 || limited[0].Content != "second" {
		t.Errorf("limited = %+v", limited)
	}
}

// TestRetention verifies old rows are pruned per channel.
func TestRetention(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()

	for _, content := range []string{"a", "b", "c", "d", "e"} {
		if err := s.Append(ctx, Message{ChannelID: "chan-1", Role: "user", Content: content}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	msgs, err := s.Recent(ctx, "chan-1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages after prune, want 3", len(msgs))
	}
	if msgs[0].Content != "c" || msgs[2].Content != "e" {
		t.Errorf("kept = %q..%q, want c..e", msgs[0].Content, msgs[2].Content)
	}
}

// TestUpdateContent verifies edit reconciliation by platform message id.
func TestUpdateContent(t *testing.T) {
	s := openTestStore(t, 10)
	ctx := context.Background()

	if err := s.Append(ctx, Message{ChannelID: "c", MessageID: "m1", Role: "user", Content: "teh weather"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.UpdateContent(ctx, "c", "m1", "the weather"); err != nil {
		t.Fatalf("UpdateContent: %v", err)
	}
	if err := s.UpdateContent(ctx, "c", "unknown", "x"); err != nil {
		t.Fatalf("UpdateContent unknown: %v", err)
	}

	msgs, _ := s.Recent(ctx, "c", 10)
	if len(msgs) != 1 || msgs[0].Content != "the weather" {
		t.Errorf("messages = %+v", msgs)
	}
}

// TestRemove verifies delete reconciliation by platform message id.
func TestRemove(t *testing.T) {
	s := openTestStore(t, 10)
	ctx := context.Background()

	if err := s.Append(ctx, Message{ChannelID: "c", MessageID: "m1", Role: "user", Content: "gone soon"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Remove(ctx, "c", "m1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(ctx, "c", "never-was"); err != nil {
		t.Fatalf("Remove unknown: %v", err)
	}

	msgs, _ := s.Recent(ctx, "c", 10)
	if len(msgs) != 0 {
		t.Errorf("messages = %+v, want empty", msgs)
	}
}
