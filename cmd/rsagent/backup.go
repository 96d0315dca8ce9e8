package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"rsagent/internal/config"
	"rsagent/internal/memory"

	"github.com/spf13/cobra"
)

const (
	archiveDB       = "rsagent.db"
	archiveConfig   = "config.json"
	archiveManifest = "manifest.json"
	archiveSchemas  = "schemas/"
)

// manifest describes a backup archive.
type manifest struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Documents int       `json:"documents"`
	Sessions  int       `json:"sessions"`
	Files     []string  `json:"files"`
}

// archiveEntry is one file written into a backup, keyed by its archive name.
type archiveEntry struct {
	name string
	path string
}

// restoreTargets says where each kind of archive entry is written back.
type restoreTargets struct {
	DBPath     string
	ConfigPath string
	SchemaDir  string // empty skips scenario schemas
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the database, config and scenario schemas",
		Long: `Writes a .tar.gz archive holding a consistent snapshot of the SQLite
database (sessions and knowledge base), the configuration file and any
scenario schemas from jobs.schemaDir. Safe to run while 'rsagent serve' is up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if outputPath == "" {
				backupDir := filepath.Join(cfg.General.DataDir, "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("rsagent-backup-%s.tar.gz", ts))
			}

			tmp, err := os.MkdirTemp("", "rsagent-backup-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmp)

			m, entries, err := collectBackup(cmd.Context(), cfg, tmp)
			if err != nil {
				return err
			}
			if err := writeArchive(outputPath, m, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Sessions: %d  Documents: %d\n", m.Sessions, m.Documents)
			for _, e := range entries {
				var size int64
				if info, err := os.Stat(e.path); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", e.name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: <dataDir>/backups/rsagent-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore the database, config and schemas from a backup archive",
		Long: `Restores a .tar.gz archive created by 'rsagent backup'. Stop
'rsagent serve' first; the database is replaced, not merged.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: rsagent restore <file.tar.gz>")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			targets := restoreTargets{
				DBPath:     cfg.Memory.DBPath,
				ConfigPath: config.ExpandPath(resolveConfigPath()),
				SchemaDir:  cfg.Jobs.SchemaDir,
			}

			if !force {
				var existing []string
				for _, p := range []string{targets.DBPath, targets.ConfigPath} {
					if _, err := os.Stat(p); err == nil {
						existing = append(existing, p)
					}
				}
				if len(existing) > 0 {
					fmt.Println("WARNING: This will overwrite existing data:")
					for _, p := range existing {
						fmt.Printf("  %s\n", p)
					}
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			m, restored, err := extractArchive(inputPath, targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restored backup of %s (rsagent %s)\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.Version)
			fmt.Printf("Sessions: %d  Documents: %d\n", m.Sessions, m.Documents)
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// collectBackup snapshots the database into tmp and lists the files that go
// into the archive.
func collectBackup(ctx context.Context, cfg *config.Config, tmp string) (manifest, []archiveEntry, error) {
	m := manifest{Version: version, CreatedAt: time.Now().UTC()}
	var entries []archiveEntry

	if _, err := os.Stat(cfg.Memory.DBPath); err == nil {
		store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
		if err != nil {
			return m, nil, err
		}
		defer store.Close()

		snap := filepath.Join(tmp, archiveDB)
		if err := store.Snapshot(ctx, snap); err != nil {
			return m, nil, err
		}
		entries = append(entries, archiveEntry{name: archiveDB, path: snap})

		if docs, err := store.ListDocuments(ctx); err == nil {
			m.Documents = len(docs)
		}
		if n, err := store.SessionCount(ctx); err == nil {
			m.Sessions = n
		}
	}

	cfgPath := config.ExpandPath(resolveConfigPath())
	if _, err := os.Stat(cfgPath); err == nil {
		entries = append(entries, archiveEntry{name: archiveConfig, path: cfgPath})
	}

	if dir := cfg.Jobs.SchemaDir; dir != "" {
		files, err := os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			return m, nil, fmt.Errorf("read schema dir: %w", err)
		}
		for _, f := range files {
			ext := filepath.Ext(f.Name())
			if f.IsDir() || (ext != ".yaml" && ext != ".yml") {
				continue
			}
			entries = append(entries, archiveEntry{name: archiveSchemas + f.Name(), path: filepath.Join(dir, f.Name())})
		}
	}

	if len(entries) == 0 {
		return m, nil, fmt.Errorf("nothing to back up (db: %s, config: %s)", cfg.Memory.DBPath, cfgPath)
	}
	for _, e := range entries {
		m.Files = append(m.Files, e.name)
	}
	return m, entries, nil
}

// writeArchive writes the manifest followed by every entry.
func writeArchive(outputPath string, m manifest, entries []archiveEntry) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	hdr := &tar.Header{Typeflag: tar.TypeReg, Name: archiveManifest, Mode: 0o644, Size: int64(len(data)), ModTime: m.CreatedAt}
	if err := tarWriter.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tarWriter.Write(data); err != nil {
		return err
	}

	for _, e := range entries {
		if err := addFileToTar(tarWriter, e); err != nil {
			return fmt.Errorf("add %s: %w", e.name, err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	if err := gzWriter.Close(); err != nil {
		return err
	}
	return outFile.Close()
}

func addFileToTar(tw *tar.Writer, e archiveEntry) error {
	file, err := os.Open(e.path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = e.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractArchive restores every known entry of a backup to its target.
// Unknown entries are skipped. Each file is written beside its target and
// renamed into place.
func extractArchive(archivePath string, targets restoreTargets) (manifest, []string, error) {
	var m manifest

	file, err := os.Open(archivePath)
	if err != nil {
		return m, nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return m, nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	sawManifest := false

	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return m, nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(header.Name)
		if path.IsAbs(name) || strings.HasPrefix(name, "../") || name == ".." {
			return m, nil, fmt.Errorf("unsafe path in archive: %s", header.Name)
		}

		var target string
		switch {
		case name == archiveManifest:
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, io.LimitReader(tarReader, 1<<20)); err != nil {
				return m, nil, err
			}
			if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
				return m, nil, fmt.Errorf("invalid manifest: %w", err)
			}
			sawManifest = true
			continue
		case name == archiveDB:
			target = targets.DBPath
			// A stale WAL would be replayed over the restored snapshot.
			for _, suffix := range []string{"-wal", "-shm"} {
				os.Remove(target + suffix)
			}
		case name == archiveConfig:
			target = targets.ConfigPath
		case strings.HasPrefix(name, archiveSchemas) && path.Dir(name) == "schemas":
			if targets.SchemaDir == "" {
				logger.Warn("jobs.schemaDir not set; skipping scenario schema", "file", name)
				continue
			}
			target = filepath.Join(targets.SchemaDir, path.Base(name))
		default:
			logger.Debug("skipping unknown archive entry", "name", name)
			continue
		}

		if err := writeAtomic(target, tarReader); err != nil {
			return m, nil, err
		}
		restored = append(restored, target)
	}

	if !sawManifest {
		return m, nil, fmt.Errorf("%s is not an rsagent backup (no %s)", archivePath, archiveManifest)
	}
	return m, restored, nil
}

func writeAtomic(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".restore-*")
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("extract %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func humanSize(n int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1f GB", float64(n)/float64(gb))
	case n >= mb:
		return fmt.Sprintf("%.1f MB", float64(n)/float64(mb))
	case n >= kb:
		return fmt.Sprintf("%.1f KB", float64(n)/float64(kb))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
