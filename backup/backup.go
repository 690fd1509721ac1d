// Package backup snapshots the data directory into timestamped copies with
// a SHA-256 manifest, and restores them with a rollback safety net.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/memerr"
)

// Manifest describes one backup: which files it holds and their digests.
type Manifest struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	Files     map[string]string `json:"files"` // relative path -> sha256 hex
	TotalSize int64             `json:"total_size"`
}

const manifestName = "manifest.json"

// Manager copies files between the live data directory and the backup root.
// Restore keeps the displaced live state under rollback/ until the next
// restore, so a bad restore can be rolled back.
type Manager struct {
	dataDir   string
	backupDir string
	logger    zerolog.Logger

	mu sync.Mutex
}

// NewManager builds a manager. backupDir is created on first use.
func NewManager(dataDir, backupDir string, logger zerolog.Logger) *Manager {
	return &Manager{
		dataDir:   dataDir,
		backupDir: backupDir,
		logger:    logger.With().Str("component", "backup").Logger(),
	}
}

// Create snapshots every regular file under the data directory.
func (m *Manager) Create(ctx context.Context) (*Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := time.Now().UTC().Format("20060102T150405Z")
	dest := filepath.Join(m.backupDir, id)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	manifest := &Manifest{ID: id, CreatedAt: time.Now().UTC(), Files: make(map[string]string)}
	err := filepath.Walk(m.dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() {
			// Never snapshot the backup root itself.
			if path == m.backupDir {
				return filepath.SkipDir
			}
			return nil
		}
		// WAL and SHM files are transient journal state.
		if strings.HasSuffix(path, "-wal") || strings.HasSuffix(path, "-shm") {
			return nil
		}
		rel, err := filepath.Rel(m.dataDir, path)
		if err != nil {
			return err
		}
		sum, size, err := copyFile(path, filepath.Join(dest, rel))
		if err != nil {
			return fmt.Errorf("copy %s: %w", rel, err)
		}
		manifest.Files[rel] = sum
		manifest.TotalSize += size
		return nil
	})
	if err != nil {
		_ = os.RemoveAll(dest)
		return nil, err
	}
	if err := writeManifest(dest, manifest); err != nil {
		_ = os.RemoveAll(dest)
		return nil, err
	}
	m.logger.Info().Str("backupID", id).Int("files", len(manifest.Files)).Int64("bytes", manifest.TotalSize).Msg("backup created")
	return manifest, nil
}

// List returns every backup manifest, newest first.
func (m *Manager) List(ctx context.Context) ([]*Manifest, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	var out []*Manifest
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "rollback" {
			continue
		}
		manifest, err := readManifest(filepath.Join(m.backupDir, e.Name()))
		if err != nil {
			m.logger.Warn().Err(err).Str("backupID", e.Name()).Msg("unreadable backup manifest")
			continue
		}
		out = append(out, manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// VerifyResult reports per-file integrity of one backup.
type VerifyResult struct {
	ID       string   `json:"id"`
	OK       bool     `json:"ok"`
	Missing  []string `json:"missing,omitempty"`
	Corrupt  []string `json:"corrupt,omitempty"`
	Verified int      `json:"verified"`
}

// Verify recomputes every digest in the manifest.
func (m *Manager) Verify(ctx context.Context, id string) (*VerifyResult, error) {
	dir := filepath.Join(m.backupDir, id)
	manifest, err := readManifest(dir)
	if err != nil {
		return nil, memerr.Wrap(memerr.CodeNotFound, "backup not found", err)
	}
	res := &VerifyResult{ID: id, OK: true}
	for rel, want := range manifest.Files {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		got, _, err := hashFile(filepath.Join(dir, rel))
		switch {
		case os.IsNotExist(err):
			res.Missing = append(res.Missing, rel)
			res.OK = false
		case err != nil:
			return nil, fmt.Errorf("hash %s: %w", rel, err)
		case got != want:
			res.Corrupt = append(res.Corrupt, rel)
			res.OK = false
		default:
			res.Verified++
		}
	}
	sort.Strings(res.Missing)
	sort.Strings(res.Corrupt)
	return res, nil
}

// Restore replaces the live data directory with the backup's contents. The
// displaced live files are kept under rollback/ for RollbackRestore. The
// caller must have quiesced writers first.
func (m *Manager) Restore(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Join(m.backupDir, id)
	manifest, err := readManifest(dir)
	if err != nil {
		return memerr.Wrap(memerr.CodeNotFound, "backup not found", err)
	}
	verify, err := m.verifyLocked(ctx, dir, manifest)
	if err != nil {
		return err
	}
	if !verify {
		return memerr.New(memerr.CodeConflict, "backup failed verification, refusing to restore")
	}

	rollback := filepath.Join(m.backupDir, "rollback")
	if err := os.RemoveAll(rollback); err != nil {
		return fmt.Errorf("clear rollback dir: %w", err)
	}
	if err := copyTree(m.dataDir, rollback); err != nil {
		return fmt.Errorf("stash live state: %w", err)
	}
	for rel := range manifest.Files {
		if _, _, err := copyFile(filepath.Join(dir, rel), filepath.Join(m.dataDir, rel)); err != nil {
			return fmt.Errorf("restore %s: %w", rel, err)
		}
	}
	m.logger.Warn().Str("backupID", id).Msg("data directory restored from backup")
	return nil
}

// RollbackRestore puts back the live state stashed by the last Restore.
func (m *Manager) RollbackRestore(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rollback := filepath.Join(m.backupDir, "rollback")
	if _, err := os.Stat(rollback); err != nil {
		return memerr.New(memerr.CodeNotFound, "no restore to roll back")
	}
	if err := copyTree(rollback, m.dataDir); err != nil {
		return fmt.Errorf("roll back restore: %w", err)
	}
	if err := os.RemoveAll(rollback); err != nil {
		return fmt.Errorf("clear rollback dir: %w", err)
	}
	m.logger.Warn().Msg("restore rolled back")
	return nil
}

func (m *Manager) verifyLocked(ctx context.Context, dir string, manifest *Manifest) (bool, error) {
	for rel, want := range manifest.Files {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		got, _, err := hashFile(filepath.Join(dir, rel))
		if err != nil || got != want {
			return false, nil
		}
	}
	return true, nil
}

func copyFile(src, dst string) (string, int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return "", 0, err
	}
	defer out.Close()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), in)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, out.Close()
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		_, _, err = copyFile(path, filepath.Join(dst, rel))
		return err
	})
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func writeManifest(dir string, m *Manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, manifestName), raw, 0o644)
}

func readManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
