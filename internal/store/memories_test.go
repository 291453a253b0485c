package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemories(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	ctx := context.Background()
	st, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{
			name: "set and get",
			fn: func(t *testing.T) {
				userID := "test-user"
				if err := st.SetMemory(ctx, userID, "", "language", "Go", "user"); err != nil {
					t.Fatalf("SetMemory: %v", err)
				}
				mem, err := st.GetMemory(ctx, userID, "", "language")
				if err != nil {
					t.Fatalf("GetMemory: %v", err)
				}
				if mem.Value != "Go" || mem.Source != "user" {
					t.Errorf("unexpected memory: %+v", mem)
				}
			},
		},
		{
			name: "set overwrites existing, resets relevance to 1.0",
			fn: func(t *testing.T) {
				userID := uuid.NewString()
				if err := st.SetMemory(ctx, userID, "", "project", "project-a", "user"); err != nil {
					t.Fatalf("first SetMemory: %v", err)
				}
				mem1, _ := st.GetMemory(ctx, userID, "", "project")
				if mem1.RelevanceScore != 1.0 {
					t.Errorf("expected relevance 1.0, got %v", mem1.RelevanceScore)
				}
				if err := st.DecayMemories(ctx, userID, 0.5); err != nil {
					t.Fatalf("DecayMemories: %v", err)
				}
				mem2, _ := st.GetMemory(ctx, userID, "", "project")
				if mem2.RelevanceScore >= 1.0 {
					t.Errorf("expected relevance to decay, got %v", mem2.RelevanceScore)
				}
				if err := st.SetMemory(ctx, userID, "", "project", "project-b", "agent"); err != nil {
					t.Fatalf("second SetMemory: %v", err)
				}
				mem3, _ := st.GetMemory(ctx, userID, "", "project")
				if mem3.Value != "project-b" || mem3.RelevanceScore != 1.0 {
					t.Errorf("unexpected memory after update: %+v", mem3)
				}
			},
		},
		{
			name: "get nonexistent returns error",
			fn: func(t *testing.T) {
				_, err := st.GetMemory(ctx, "nonexistent", "", "missing")
				if err == nil {
					t.Error("expected error for nonexistent memory")
				}
			},
		},
		{
			name: "list all memories ordered by relevance DESC then updated_at DESC",
			fn: func(t *testing.T) {
				userID := uuid.NewString()
				st.SetMemory(ctx, userID, "", "lang", "Go", "user")
				st.SetMemory(ctx, userID, "", "project", "istota", "user")
				st.SetMemory(ctx, userID, "", "style", "concise", "user")

				mems, err := st.ListMemories(ctx, userID, "")
				if err != nil {
					t.Fatalf("ListMemories: %v", err)
				}
				if len(mems) != 3 {
					t.Errorf("expected 3 memories, got %d", len(mems))
				}
				if mems[0].RelevanceScore < mems[1].RelevanceScore {
					t.Errorf("memories not ordered by relevance DESC")
				}
			},
		},
		{
			name: "list empty user returns empty slice",
			fn: func(t *testing.T) {
				mems, err := st.ListMemories(ctx, "empty-user", "")
				if err != nil {
					t.Fatalf("ListMemories: %v", err)
				}
				if len(mems) != 0 {
					t.Errorf("expected empty, got %d memories", len(mems))
				}
			},
		},
		{
			name: "list top N respects limit",
			fn: func(t *testing.T) {
				userID := uuid.NewString()
				for i := 0; i < 10; i++ {
					key := "mem-" + string(rune('a'+i))
					st.SetMemory(ctx, userID, "", key, "val", "user")
				}

				topN, err := st.ListTopMemories(ctx, userID, 3)
				if err != nil {
					t.Fatalf("ListTopMemories: %v", err)
				}
				if len(topN) != 3 {
					t.Errorf("expected 3 top memories, got %d", len(topN))
				}
			},
		},
		{
			name: "delete memory",
			fn: func(t *testing.T) {
				userID := uuid.NewString()
				st.SetMemory(ctx, userID, "", "temp", "temporary", "user")
				if err := st.DeleteMemory(ctx, userID, "", "temp"); err != nil {
					t.Fatalf("DeleteMemory: %v", err)
				}
				_, err := st.GetMemory(ctx, userID, "", "temp")
				if err == nil {
					t.Error("expected error after delete")
				}
			},
		},
		{
			name: "delete nonexistent is no-op",
			fn: func(t *testing.T) {
				userID := uuid.NewString()
				if err := st.DeleteMemory(ctx, userID, "", "nonexistent"); err != nil {
					t.Fatalf("DeleteMemory nonexistent: %v", err)
				}
			},
		},
		{
			name: "search by key substring",
			fn: func(t *testing.T) {
				userID := uuid.NewString()
				st.SetMemory(ctx, userID, "", "user_language", "Go", "user")
				st.SetMemory(ctx, userID, "", "user_preference", "tabs", "user")
				st.SetMemory(ctx, userID, "", "project_name", "istota", "user")

				results, err := st.SearchMemories(ctx, userID, "user_")
				if err != nil {
					t.Fatalf("SearchMemories: %v", err)
				}
				if len(results) != 2 {
					t.Errorf("expected 2 results for 'user_', got %d", len(results))
				}
			},
		},
		{
			name: "search by value substring",
			fn: func(t *testing.T) {
				userID := uuid.NewString()
				st.SetMemory(ctx, userID, "", "lang1", "Go 1.22", "user")
				st.SetMemory(ctx, userID, "", "lang2", "Python 3.11", "user")
				st.SetMemory(ctx, userID, "", "style", "Go style", "user")

				results, err := st.SearchMemories(ctx, userID, "Go")
				if err != nil {
					t.Fatalf("SearchMemories: %v", err)
				}
				if len(results) != 2 {
					t.Errorf("expected 2 results for 'Go', got %d", len(results))
				}
			},
		},
		{
			name: "search no match returns empty",
			fn: func(t *testing.T) {
				userID := uuid.NewString()
				st.SetMemory(ctx, userID, "", "language", "Go", "user")

				results, err := st.SearchMemories(ctx, userID, "Rust")
				if err != nil {
					t.Fatalf("SearchMemories: %v", err)
				}
				if len(results) != 0 {
					t.Errorf("expected no results, got %d", len(results))
				}
			},
		},
		{
			name: "isolation per user",
			fn: func(t *testing.T) {
				user1 := uuid.NewString()
				user2 := uuid.NewString()
				st.SetMemory(ctx, user1, "", "key1", "user1-value", "user")
				st.SetMemory(ctx, user2, "", "key1", "user2-value", "user")

				mem1, _ := st.GetMemory(ctx, user1, "", "key1")
				mem2, _ := st.GetMemory(ctx, user2, "", "key1")
				if mem1.Value != "user1-value" || mem2.Value != "user2-value" {
					t.Errorf("memories not isolated per user")
				}
			},
		},
		{
			name: "channel scoping keeps per-channel memories separate",
			fn: func(t *testing.T) {
				userID := uuid.NewString()
				st.SetMemory(ctx, userID, "telegram:1", "topic", "work", "user")
				st.SetMemory(ctx, userID, "telegram:2", "topic", "personal", "user")

				mem1, _ := st.GetMemory(ctx, userID, "telegram:1", "topic")
				mem2, _ := st.GetMemory(ctx, userID, "telegram:2", "topic")
				if mem1.Value != "work" || mem2.Value != "personal" {
					t.Errorf("memories not isolated per channel")
				}
			},
		},
		{
			name: "touch increments access_count and updates last_accessed",
			fn: func(t *testing.T) {
				userID := uuid.NewString()
				st.SetMemory(ctx, userID, "", "key", "value", "user")
				mem1, _ := st.GetMemory(ctx, userID, "", "key")
				initialCount := mem1.AccessCount
				initialAccess := mem1.LastAccessed

				time.Sleep(10 * time.Millisecond)

				if err := st.TouchMemory(ctx, userID, "", "key"); err != nil {
					t.Fatalf("TouchMemory: %v", err)
				}
				mem2, _ := st.GetMemory(ctx, userID, "", "key")
				if mem2.AccessCount != initialCount+1 {
					t.Errorf("expected access_count %d, got %d", initialCount+1, mem2.AccessCount)
				}
				if mem2.LastAccessed.Before(initialAccess) {
					t.Errorf("expected last_accessed to be updated")
				}
			},
		},
		{
			name: "decay reduces all relevance scores by factor",
			fn: func(t *testing.T) {
				userID := uuid.NewString()
				st.SetMemory(ctx, userID, "", "mem1", "val1", "user")
				st.SetMemory(ctx, userID, "", "mem2", "val2", "user")

				before1, _ := st.GetMemory(ctx, userID, "", "mem1")
				before2, _ := st.GetMemory(ctx, userID, "", "mem2")

				if err := st.DecayMemories(ctx, userID, 0.8); err != nil {
					t.Fatalf("DecayMemories: %v", err)
				}

				after1, _ := st.GetMemory(ctx, userID, "", "mem1")
				after2, _ := st.GetMemory(ctx, userID, "", "mem2")

				expectedScore1 := before1.RelevanceScore * 0.8
				expectedScore2 := before2.RelevanceScore * 0.8

				if after1.RelevanceScore < expectedScore1-0.001 || after1.RelevanceScore > expectedScore1+0.001 {
					t.Errorf("expected score ~%v, got %v", expectedScore1, after1.RelevanceScore)
				}
				if after2.RelevanceScore < expectedScore2-0.001 || after2.RelevanceScore > expectedScore2+0.001 {
					t.Errorf("expected score ~%v, got %v", expectedScore2, after2.RelevanceScore)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}
