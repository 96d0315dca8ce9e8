package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"rsagent/internal/domain"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "rsagent.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// repos runs fn against every SessionRepository implementation.
func repos(t *testing.T, fn func(t *testing.T, r domain.SessionRepository)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLite(t)) })
	t.Run("inmemory", func(t *testing.T) { fn(t, NewInMemoryStore()) })
}

func TestSessionRepository_CreateGet(t *testing.T) {
	repos(t, func(t *testing.T, r domain.SessionRepository) {
		ctx := context.Background()
		created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		if err := r.CreateSession(ctx, domain.Session{ID: "s1", Title: "Snow depth", CreatedAt: created}); err != nil {
			t.Fatal(err)
		}
		// second create is ignored
		if err := r.CreateSession(ctx, domain.Session{ID: "s1", Title: "other"}); err != nil {
			t.Fatal(err)
		}

		got, err := r.GetSession(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Title != "Snow depth" {
			t.Errorf("title = %q", got.Title)
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("created = %v, want %v", got.CreatedAt, created)
		}

		if _, err := r.GetSession(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSessionRepository_UpdateUnknown(t *testing.T) {
	repos(t, func(t *testing.T, r domain.SessionRepository) {
		err := r.UpdateSession(context.Background(), domain.Session{ID: "nope", Title: "x"})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSessionRepository_MessagesInSeqOrder(t *testing.T) {
	repos(t, func(t *testing.T, r domain.SessionRepository) {
		ctx := context.Background()
		if err := r.CreateSession(ctx, domain.Session{ID: "s1"}); err != nil {
			t.Fatal(err)
		}
		// inserted out of order on purpose
		for _, seq := range []int64{2, 1, 3} {
			msg := domain.MessageRecord{
				ID:        "m" + string(rune('0'+seq)),
				SessionID: "s1",
				Seq:       seq,
				Role:      domain.RoleUser,
				Content:   "msg",
			}
			if err := r.AddMessage(ctx, msg); err != nil {
				t.Fatal(err)
			}
		}

		msgs, err := r.GetMessages(ctx, "s1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(msgs))
		}
		for i, m := range msgs {
			if m.Seq != int64(i+1) {
				t.Errorf("position %d has seq %d", i, m.Seq)
			}
		}

		last2, err := r.GetMessages(ctx, "s1", 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(last2) != 2 || last2[0].Seq != 2 || last2[1].Seq != 3 {
			t.Errorf("expected seqs [2 3], got %+v", last2)
		}

		seq, err := r.LastSeq(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if seq != 3 {
			t.Errorf("LastSeq = %d", seq)
		}
		if seq, _ := r.LastSeq(ctx, "unknown"); seq != 0 {
			t.Errorf("LastSeq of unknown session = %d", seq)
		}
	})
}

func TestSessionRepository_DuplicateSeqRejected(t *testing.T) {
	repos(t, func(t *testing.T, r domain.SessionRepository) {
		ctx := context.Background()
		r.CreateSession(ctx, domain.Session{ID: "s1"})
		if err := r.AddMessage(ctx, domain.MessageRecord{ID: "a", SessionID: "s1", Seq: 1, Role: domain.RoleUser}); err != nil {
			t.Fatal(err)
		}
		if err := r.AddMessage(ctx, domain.MessageRecord{ID: "b", SessionID: "s1", Seq: 1, Role: domain.RoleUser}); err == nil {
			t.Fatal("expected duplicate seq to fail")
		}
	})
}

func TestSessionRepository_SourcesRoundTrip(t *testing.T) {
	repos(t, func(t *testing.T, r domain.SessionRepository) {
		ctx := context.Background()
		r.CreateSession(ctx, domain.Session{ID: "s1"})
		msg := domain.MessageRecord{
			ID:        "m1",
			SessionID: "s1",
			Seq:       1,
			Role:      domain.RoleAssistant,
			Content:   "Job accepted.",
			Intent:    domain.IntentJobRequest,
			Sources: []domain.Source{
				{Kind: domain.SourcePassage, Passage: &domain.RetrievalResult{ChunkID: "d_0000", Rank: 1, Backend: domain.BackendSparse}},
				{Kind: domain.SourceJob, Job: &domain.JobResult{Status: domain.JobAccepted, JobID: "job-7", Attempts: 2}},
			},
		}
		if err := r.AddMessage(ctx, msg); err != nil {
			t.Fatal(err)
		}

		msgs, err := r.GetMessages(ctx, "s1", 0)
		if err != nil {
			t.Fatal(err)
		}
		got := msgs[0]
		if got.Intent != domain.IntentJobRequest {
			t.Errorf("intent = %q", got.Intent)
		}
		if len(got.Sources) != 2 {
			t.Fatalf("expected 2 sources, got %d", len(got.Sources))
		}
		if got.Sources[0].Passage == nil || got.Sources[0].Passage.ChunkID != "d_0000" {
			t.Errorf("passage source lost: %+v", got.Sources[0])
		}
		if got.Sources[1].Job == nil || got.Sources[1].Job.JobID != "job-7" || got.Sources[1].Job.Attempts != 2 {
			t.Errorf("job source lost: %+v", got.Sources[1])
		}
	})
}

func TestSessionRepository_DeleteCascadesAndIsIdempotent(t *testing.T) {
	repos(t, func(t *testing.T, r domain.SessionRepository) {
		ctx := context.Background()
		r.CreateSession(ctx, domain.Session{ID: "s1"})
		r.AddMessage(ctx, domain.MessageRecord{ID: "m1", SessionID: "s1", Seq: 1, Role: domain.RoleUser})

		if err := r.DeleteSession(ctx, "s1"); err != nil {
			t.Fatal(err)
		}
		if err := r.DeleteSession(ctx, "s1"); err != nil {
			t.Fatalf("second delete should be a no-op: %v", err)
		}
		msgs, err := r.GetMessages(ctx, "s1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 0 {
			t.Errorf("messages survived delete: %d", len(msgs))
		}
		if _, err := r.GetSession(ctx, "s1"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSessionRepository_ListMostRecentFirst(t *testing.T) {
	repos(t, func(t *testing.T, r domain.SessionRepository) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		r.CreateSession(ctx, domain.Session{ID: "old", CreatedAt: base})
		r.CreateSession(ctx, domain.Session{ID: "new", CreatedAt: base.Add(time.Hour)})
		r.CreateSession(ctx, domain.Session{ID: "touched", CreatedAt: base.Add(-time.Hour)})
		r.AddMessage(ctx, domain.MessageRecord{ID: "m", SessionID: "touched", Seq: 1, Role: domain.RoleUser, CreatedAt: base.Add(2 * time.Hour)})

		list, err := r.ListSessions(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		var ids []string
		for _, s := range list {
			ids = append(ids, s.ID)
		}
		want := []string{"touched", "new", "old"}
		if len(ids) != len(want) {
			t.Fatalf("got %v, want %v", ids, want)
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Fatalf("got %v, want %v", ids, want)
			}
		}

		limited, _ := r.ListSessions(ctx, 1)
		if len(limited) != 1 {
			t.Errorf("limit ignored: %d", len(limited))
		}
	})
}

func TestSessionRepository_DeleteSessionsBefore(t *testing.T) {
	repos(t, func(t *testing.T, r domain.SessionRepository) {
		ctx := context.Background()
		now := time.Now()
		r.CreateSession(ctx, domain.Session{ID: "stale", CreatedAt: now.Add(-100 * 24 * time.Hour)})
		r.AddMessage(ctx, domain.MessageRecord{ID: "m", SessionID: "stale", Seq: 1, Role: domain.RoleUser, CreatedAt: now.Add(-100 * 24 * time.Hour)})
		r.CreateSession(ctx, domain.Session{ID: "fresh", CreatedAt: now})

		n, err := r.DeleteSessionsBefore(ctx, now.Add(-90*24*time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("deleted %d sessions, want 1", n)
		}
		if _, err := r.GetSession(ctx, "fresh"); err != nil {
			t.Errorf("fresh session removed: %v", err)
		}
		if msgs, _ := r.GetMessages(ctx, "stale", 0); len(msgs) != 0 {
			t.Errorf("stale messages kept: %d", len(msgs))
		}
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rsagent.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s.CreateSession(ctx, domain.Session{ID: "s1", Title: "kept"})
	s.AddMessage(ctx, domain.MessageRecord{ID: "m1", SessionID: "s1", Seq: 1, Role: domain.RoleUser, Content: "hello"})
	s.Close()

	s, err = NewSQLiteStore(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	msgs, err := s.GetMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("history lost across reopen: %+v", msgs)
	}
}

func TestSQLiteStore_Documents(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	doc := domain.Document{ID: "d1", OriginURI: "file:///notes/snow.md", RawText: "snow water equivalent", CreatedAt: time.Unix(100, 0)}
	chunks := []domain.Chunk{
		{ID: "d1_0000", DocumentID: "d1", Text: "snow water", Position: 0},
		{ID: "d1_0001", DocumentID: "d1", Text: "water equivalent", Position: 1},
	}
	if err := s.ReplaceDocument(ctx, "", doc, chunks); err != nil {
		t.Fatal(err)
	}
	// saving again replaces the chunks
	if err := s.ReplaceDocument(ctx, "", doc, chunks[:1]); err != nil {
		t.Fatal(err)
	}
	if err := s.ReplaceDocument(ctx, "", domain.Document{ID: "d2", OriginURI: "mem://b", RawText: "radar", CreatedAt: time.Unix(200, 0)}, nil); err != nil {
		t.Fatal(err)
	}

	docs, err := s.ListDocuments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 || docs[0].ID != "d1" || docs[1].ID != "d2" {
		t.Fatalf("unexpected documents: %+v", docs)
	}
	if docs[0].RawText != "snow water equivalent" || docs[0].ChunkCount != 1 {
		t.Errorf("document fields lost: %+v", docs[0])
	}
	if n, _ := s.ChunkCount(ctx); n != 1 {
		t.Errorf("chunk count = %d, want 1", n)
	}

	if err := s.DeleteDocument(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteDocument(ctx, "d1"); err != nil {
		t.Fatalf("delete should be idempotent: %v", err)
	}
	docs, _ = s.ListDocuments(ctx)
	if len(docs) != 1 || docs[0].ID != "d2" {
		t.Fatalf("unexpected documents after delete: %+v", docs)
	}
	if n, _ := s.ChunkCount(ctx); n != 0 {
		t.Errorf("chunks of deleted document kept: %d", n)
	}
}

func TestSQLiteStore_ReplaceDocumentIsAtomic(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	old := domain.Document{ID: "d1", OriginURI: "file:///notes/soil.md", RawText: "soil moisture", CreatedAt: time.Unix(100, 0)}
	if err := s.ReplaceDocument(ctx, "", old, []domain.Chunk{{ID: "d1_0000", DocumentID: "d1", Text: "soil moisture"}}); err != nil {
		t.Fatal(err)
	}

	// duplicate chunk IDs violate the primary key, failing the transaction
	next := domain.Document{ID: "d2", OriginURI: old.OriginURI, RawText: "soil roughness", CreatedAt: time.Unix(200, 0)}
	bad := []domain.Chunk{
		{ID: "d2_0000", DocumentID: "d2", Text: "soil"},
		{ID: "d2_0000", DocumentID: "d2", Text: "roughness", Position: 1},
	}
	if err := s.ReplaceDocument(ctx, "d1", next, bad); err == nil {
		t.Fatal("expected the replacement to fail")
	}
	docs, _ := s.ListDocuments(ctx)
	if len(docs) != 1 || docs[0].ID != "d1" {
		t.Fatalf("superseded document must survive a failed replacement: %+v", docs)
	}

	if err := s.ReplaceDocument(ctx, "d1", next, bad[:1]); err != nil {
		t.Fatal(err)
	}
	docs, _ = s.ListDocuments(ctx)
	if len(docs) != 1 || docs[0].ID != "d2" {
		t.Fatalf("unexpected documents after replacement: %+v", docs)
	}
	if n, _ := s.ChunkCount(ctx); n != 1 {
		t.Errorf("chunk count = %d, want 1", n)
	}
}

func TestSQLiteStore_Snapshot(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	s.CreateSession(ctx, domain.Session{ID: "s1", Title: "copied"})
	s.AddMessage(ctx, domain.MessageRecord{ID: "m1", SessionID: "s1", Seq: 1, Role: domain.RoleUser, Content: "hello"})

	if n, err := s.SessionCount(ctx); err != nil || n != 1 {
		t.Fatalf("SessionCount = %d, %v", n, err)
	}

	path := filepath.Join(t.TempDir(), "snapshot.db")
	if err := s.Snapshot(ctx, path); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := s.Snapshot(ctx, path); err == nil {
		t.Error("expected snapshot over an existing file to fail")
	}

	cp, err := NewSQLiteStore(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer cp.Close()
	msgs, err := cp.GetMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("snapshot missing history: %+v", msgs)
	}
}
