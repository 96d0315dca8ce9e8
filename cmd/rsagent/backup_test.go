package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rsagent/internal/config"
	"rsagent/internal/domain"
	"rsagent/internal/memory"
)

func init() {
	logger = slog.New(slog.DiscardHandler)
}

func writeFiles(t *testing.T, files map[string]string) {
	t.Helper()
	for path, body := range files {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBackupRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()

	cfg := config.Defaults()
	cfg.General.DataDir = src
	cfg.Memory.DBPath = filepath.Join(src, "rsagent.db")
	cfg.Jobs.SchemaDir = filepath.Join(src, "schemas")
	configPath = filepath.Join(src, "config.json")
	t.Cleanup(func() { configPath = "" })

	schemaFile := filepath.Join(cfg.Jobs.SchemaDir, "snow_qms.yaml")
	readme := filepath.Join(cfg.Jobs.SchemaDir, "README.txt")
	writeFiles(t, map[string]string{
		configPath: `{"general":{}}`,
		schemaFile: "id: snow_qms\n",
		readme:     "ignored",
	})

	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	store.CreateSession(ctx, domain.Session{ID: "s1", Title: "snow"})
	store.AddMessage(ctx, domain.MessageRecord{ID: "m1", SessionID: "s1", Seq: 1, Role: domain.RoleUser, Content: "what is SWE?"})
	store.Close()

	tmp := t.TempDir()
	m, entries, err := collectBackup(ctx, cfg, tmp)
	if err != nil {
		t.Fatalf("collectBackup: %v", err)
	}
	if m.Sessions != 1 {
		t.Errorf("manifest sessions = %d, want 1", m.Sessions)
	}
	if len(entries) != 3 {
		t.Fatalf("expected db, config and one schema, got %+v", entries)
	}

	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	if err := writeArchive(archive, m, entries); err != nil {
		t.Fatalf("writeArchive: %v", err)
	}

	dst := t.TempDir()
	targets := restoreTargets{
		DBPath:     filepath.Join(dst, "data", "restored.db"),
		ConfigPath: filepath.Join(dst, "config.json"),
		SchemaDir:  filepath.Join(dst, "schemas"),
	}
	// a stale WAL must not survive the restore
	writeFiles(t, map[string]string{targets.DBPath + "-wal": "stale"})

	got, restored, err := extractArchive(archive, targets)
	if err != nil {
		t.Fatalf("extractArchive: %v", err)
	}
	if len(restored) != 3 {
		t.Fatalf("expected 3 restored files, got %v", restored)
	}
	if got.Version != version || got.Sessions != 1 || len(got.Files) != 3 {
		t.Errorf("manifest not round-tripped: %+v", got)
	}
	if _, err := os.Stat(targets.DBPath + "-wal"); !os.IsNotExist(err) {
		t.Errorf("stale WAL left behind: %v", err)
	}
	if data, _ := os.ReadFile(targets.ConfigPath); string(data) != `{"general":{}}` {
		t.Errorf("config = %q", data)
	}
	if data, _ := os.ReadFile(filepath.Join(targets.SchemaDir, "snow_qms.yaml")); string(data) != "id: snow_qms\n" {
		t.Errorf("schema = %q", data)
	}

	restoredStore, err := memory.NewSQLiteStore(targets.DBPath, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer restoredStore.Close()
	msgs, err := restoredStore.GetMessages(ctx, "s1", 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("restored history = %+v, %v", msgs, err)
	}
}

func TestExtractArchive_RejectsNonGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.tar.gz")
	writeFiles(t, map[string]string{path: "not gzip"})
	if _, _, err := extractArchive(path, restoreTargets{DBPath: filepath.Join(t.TempDir(), "x.db")}); err == nil {
		t.Fatal("expected an error for a non-gzip archive")
	}
}

// writeRawArchive builds an archive with arbitrary entry names.
func writeRawArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw.tar.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, body := range entries {
		hdr := &tar.Header{Typeflag: tar.TypeReg, Name: name, Mode: 0o644, Size: int64(len(body)), ModTime: time.Now()}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		tw.Write([]byte(body))
	}
	tw.Close()
	gz.Close()
	f.Close()
	return path
}

func TestExtractArchive_RejectsUnsafePaths(t *testing.T) {
	archive := writeRawArchive(t, map[string]string{"../../etc/evil": "x"})
	dst := t.TempDir()
	_, _, err := extractArchive(archive, restoreTargets{
		DBPath:     filepath.Join(dst, "rsagent.db"),
		ConfigPath: filepath.Join(dst, "config.json"),
	})
	if err == nil {
		t.Fatal("expected an error for a path escaping the archive")
	}
}

func TestExtractArchive_RequiresManifest(t *testing.T) {
	archive := writeRawArchive(t, map[string]string{archiveConfig: "{}"})
	dst := t.TempDir()
	_, _, err := extractArchive(archive, restoreTargets{
		DBPath:     filepath.Join(dst, "rsagent.db"),
		ConfigPath: filepath.Join(dst, "config.json"),
	})
	if err == nil {
		t.Fatal("expected an error for an archive without a manifest")
	}
}

func TestHumanSize(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 << 20, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := humanSize(tt.n); got != tt.want {
			t.Errorf("humanSize(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
