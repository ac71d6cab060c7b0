// Package backup copies the arena database aside on a schedule and keeps a
// bounded set of restore points, optionally mirrored to S3.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lharena/arena/internal/config"
)

const (
	filePrefix = "arena_"
	fileSuffix = ".db"
	// Timestamp layout inside backup filenames, arena_YYYYMMDD_HHMMSS.db.
	stampLayout = "20060102_150405"

	defaultMaxBackups = 10
)

// Info describes one restore point, newest first in listings.
type Info struct {
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Service owns the backup directory next to the database. Restore must only
// be called while the arena is stopped; the caller enforces that.
type Service struct {
	dbPath   string
	dir      string
	cfg      config.BackupConfig
	uploader *s3Uploader
	now      func() time.Time
	log      zerolog.Logger
}

// NewService creates the backup directory and, when configured, the S3
// mirror. An unreachable S3 endpoint disables the mirror with a warning
// rather than failing startup.
func NewService(dbPath, dir string, cfg config.BackupConfig, log zerolog.Logger) (*Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create dir %s: %w", dir, err)
	}
	s := &Service{
		dbPath: dbPath,
		dir:    dir,
		cfg:    cfg,
		now:    time.Now,
		log:    log.With().Str("component", "backup").Logger(),
	}
	if cfg.S3.Enabled {
		up, err := newS3Uploader(context.Background(), cfg.S3)
		if err != nil {
			s.log.Warn().Err(err).Msg("S3 mirror unavailable, keeping local backups only")
		} else {
			s.uploader = up
		}
	}
	return s, nil
}

// Name implements scheduler.Job.
func (s *Service) Name() string { return "database-backup" }

// Run implements scheduler.Job.
func (s *Service) Run() error {
	_, err := s.Create(context.Background())
	return err
}

// Create copies the database to a timestamped file, prunes old restore
// points and mirrors the new file to S3 when configured. S3 failures are
// logged, never fatal.
func (s *Service) Create(ctx context.Context) (string, error) {
	name := filePrefix + s.now().UTC().Format(stampLayout) + fileSuffix
	dst := filepath.Join(s.dir, name)
	if err := copyFile(s.dbPath, dst); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	s.log.Info().Str("file", name).Msg("Backup created")

	if err := s.prune(); err != nil {
		s.log.Warn().Err(err).Msg("Backup rotation failed")
	}
	if s.uploader != nil {
		if err := s.uploader.Upload(ctx, dst, name); err != nil {
			s.log.Warn().Err(err).Str("file", name).Msg("S3 upload failed")
		} else {
			s.log.Info().Str("file", name).Msg("Backup mirrored to S3")
		}
	}
	return name, nil
}

// List returns the available restore points, newest first.
func (s *Service) List() ([]Info, error) {
	entries, err := s.backupFiles()
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, Info{
			Filename:  e.name,
			SizeBytes: e.size,
			CreatedAt: e.modTime,
		})
	}
	return infos, nil
}

// Restore replaces the live database with the named backup and removes any
// WAL sidecars so the next open starts from the restored file alone.
func (s *Service) Restore(filename string) error {
	if filename == "" || filename != filepath.Base(filename) {
		return fmt.Errorf("backup: invalid filename %q", filename)
	}
	if !strings.HasPrefix(filename, filePrefix) || !strings.HasSuffix(filename, fileSuffix) {
		return fmt.Errorf("backup: invalid filename %q", filename)
	}
	src := filepath.Join(s.dir, filename)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	if err := copyFile(src, s.dbPath); err != nil {
		return fmt.Errorf("backup: restore %s: %w", filename, err)
	}
	for _, sidecar := range []string{s.dbPath + "-wal", s.dbPath + "-shm"} {
		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("file", sidecar).Msg("Failed to remove WAL sidecar")
		}
	}
	s.log.Info().Str("file", filename).Msg("Database restored from backup")
	return nil
}

type backupFile struct {
	name    string
	size    int64
	modTime time.Time
}

// backupFiles returns the directory's restore points newest first, ordered
// by modification time with the filename as tiebreak.
func (s *Service) backupFiles() ([]backupFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("backup: read dir: %w", err)
	}
	files := make([]backupFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, backupFile{name: name, size: info.Size(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.After(files[j].modTime)
		}
		return files[i].name > files[j].name
	})
	return files, nil
}

func (s *Service) prune() error {
	keep := s.cfg.MaxBackups
	if keep <= 0 {
		keep = defaultMaxBackups
	}
	files, err := s.backupFiles()
	if err != nil {
		return err
	}
	for _, f := range files[min(keep, len(files)):] {
		if err := os.Remove(filepath.Join(s.dir, f.name)); err != nil {
			s.log.Warn().Err(err).Str("file", f.name).Msg("Failed to remove old backup")
			continue
		}
		s.log.Debug().Str("file", f.name).Msg("Old backup removed")
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	// Write to a temp name first so a crash mid-copy never leaves a
	// truncated file under the final name.
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
