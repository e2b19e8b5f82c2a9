package fsisolation

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/go-units"
	"github.com/rs/zerolog/log"

	"github.com/deskhive/deskhive/api/pkg/config"
	"github.com/deskhive/deskhive/api/pkg/types"
)

// sessionPaths is the on-disk layout of one session's overlay:
//
//	{sessions_dir}/active/{id}/
//	    upper/    copy-on-write delta
//	    work/     overlayfs workdir
//	    merged/   mount point, what the session sees
type sessionPaths struct {
	root   string
	upper  string
	work   string
	merged string
}

// Manager gives each session a copy-on-write view of a shared base
// filesystem. Reads hit the base layer, writes land in the session's
// upper layer, and the merged mount looks like a complete system.
type Manager struct {
	cfg     config.Filesystem
	mounter Mounter

	mu          sync.Mutex
	filesystems map[string]*types.FilesystemInfo
}

func NewManager(cfg config.Filesystem, mounter Mounter) *Manager {
	return &Manager{
		cfg:         cfg,
		mounter:     mounter,
		filesystems: make(map[string]*types.FilesystemInfo),
	}
}

// InitializeBase creates the shared read-only base layer: a home
// skeleton and a world-writable tmp. Idempotent, called on startup.
func (m *Manager) InitializeBase() error {
	for _, dir := range []string{
		m.activeDir(),
		m.snapshotsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	baseHome := filepath.Join(m.cfg.BaseDir, "home", "user")
	baseTmp := filepath.Join(m.cfg.BaseDir, "tmp")

	for _, subdir := range []string{".config", ".local/share", ".cache", "Desktop", "Downloads"} {
		if err := os.MkdirAll(filepath.Join(baseHome, subdir), 0o755); err != nil {
			return fmt.Errorf("failed to create base home: %w", err)
		}
	}
	if err := os.MkdirAll(baseTmp, 0o755); err != nil {
		return fmt.Errorf("failed to create base tmp: %w", err)
	}
	if err := os.Chmod(baseTmp, 0o777|os.ModeSticky); err != nil {
		return fmt.Errorf("failed to set tmp permissions: %w", err)
	}

	log.Info().Str("base_dir", m.cfg.BaseDir).Msg("base filesystem initialized")
	return nil
}

// CreateFilesystem mounts a fresh copy-on-write view for the session.
// Calling it again for a live session returns the existing view.
func (m *Manager) CreateFilesystem(ctx context.Context, sessionID string) (*types.FilesystemInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.filesystems[sessionID]; ok {
		return info, nil
	}

	info, err := m.mountSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.filesystems[sessionID] = info
	log.Info().Str("session_id", sessionID).Str("merged", info.MergedRoot).Msg("filesystem created")
	return info, nil
}

// mountSession creates the dir triple and mounts the overlay. On any
// failure the session tree is removed so a retry starts clean.
func (m *Manager) mountSession(ctx context.Context, sessionID string) (*types.FilesystemInfo, error) {
	paths := m.sessionPaths(sessionID)

	for _, dir := range []string{paths.upper, paths.work, paths.merged} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create session directories: %w", err)
		}
	}

	if err := m.mounter.Probe(ctx); err != nil {
		os.RemoveAll(paths.root)
		return nil, err
	}

	if err := m.mounter.Mount(m.cfg.BaseDir, paths.upper, paths.work, paths.merged); err != nil {
		os.RemoveAll(paths.root)
		return nil, err
	}

	return &types.FilesystemInfo{
		SessionID:  sessionID,
		HomePath:   filepath.Join(paths.merged, "home", "user"),
		TmpPath:    filepath.Join(paths.merged, "tmp"),
		MergedRoot: paths.merged,
		UpperPath:  paths.upper,
		Mounted:    true,
	}, nil
}

// DestroyFilesystem unmounts and removes the session's tree, delta
// included. Returns false when the session has no filesystem.
func (m *Manager) DestroyFilesystem(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.filesystems[sessionID]
	if !ok {
		return false, nil
	}

	paths := m.sessionPaths(sessionID)

	if info.Mounted {
		if err := m.mounter.Unmount(paths.merged); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("overlay unmount failed, removing tree anyway")
		}
	}

	delete(m.filesystems, sessionID)

	if err := os.RemoveAll(paths.root); err != nil {
		return true, fmt.Errorf("failed to remove session tree: %w", err)
	}

	log.Info().Str("session_id", sessionID).Msg("filesystem destroyed")
	return true, nil
}

// ArchiveFilesystem unmounts the session's overlay, packs the upper
// layer (only the delta, never the shared base) into
// snapshots/{id}/filesystem.tar[.zst] and removes the live tree.
func (m *Manager) ArchiveFilesystem(_ context.Context, sessionID string, compress bool) (*types.ArchiveInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.filesystems[sessionID]
	if !ok {
		return nil, fmt.Errorf("no filesystem for session %s", sessionID)
	}

	paths := m.sessionPaths(sessionID)
	snapshotDir := filepath.Join(m.snapshotsDir(), sessionID)
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	name := "filesystem.tar"
	if compress {
		name = "filesystem.tar.zst"
	}
	archivePath := filepath.Join(snapshotDir, name)

	if info.Mounted {
		if err := m.mounter.Unmount(paths.merged); err != nil {
			return nil, fmt.Errorf("failed to unmount before archiving: %w", err)
		}
		info.Mounted = false
	}

	if err := packTree(paths.upper, archivePath); err != nil {
		return nil, err
	}

	stat, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	if err := os.RemoveAll(paths.root); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to remove live tree after archiving")
	}
	delete(m.filesystems, sessionID)

	log.Info().
		Str("session_id", sessionID).
		Str("archive", archivePath).
		Str("size", units.HumanSize(float64(stat.Size()))).
		Msg("filesystem archived")

	return &types.ArchiveInfo{
		SessionID:   sessionID,
		ArchivePath: archivePath,
		SizeBytes:   stat.Size(),
		Compressed:  compress,
	}, nil
}

// RestoreFilesystem rebuilds a session's overlay from its snapshot:
// fresh dir triple, archive extracted into upper, remounted.
func (m *Manager) RestoreFilesystem(ctx context.Context, sessionID string) (*types.FilesystemInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.filesystems[sessionID]; ok {
		return info, nil
	}

	snapshotDir := filepath.Join(m.snapshotsDir(), sessionID)
	archivePath := ""
	for _, name := range []string{"filesystem.tar.zst", "filesystem.tar"} {
		candidate := filepath.Join(snapshotDir, name)
		if _, err := os.Stat(candidate); err == nil {
			archivePath = candidate
			break
		}
	}
	if archivePath == "" {
		return nil, fmt.Errorf("no snapshot found for session %s", sessionID)
	}

	paths := m.sessionPaths(sessionID)
	for _, dir := range []string{paths.upper, paths.work, paths.merged} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create session directories: %w", err)
		}
	}

	if err := unpackTree(archivePath, paths.upper); err != nil {
		os.RemoveAll(paths.root)
		return nil, err
	}

	if err := m.mounter.Probe(ctx); err != nil {
		os.RemoveAll(paths.root)
		return nil, err
	}
	if err := m.mounter.Mount(m.cfg.BaseDir, paths.upper, paths.work, paths.merged); err != nil {
		os.RemoveAll(paths.root)
		return nil, err
	}

	info := &types.FilesystemInfo{
		SessionID:  sessionID,
		HomePath:   filepath.Join(paths.merged, "home", "user"),
		TmpPath:    filepath.Join(paths.merged, "tmp"),
		MergedRoot: paths.merged,
		UpperPath:  paths.upper,
		Mounted:    true,
	}
	m.filesystems[sessionID] = info

	log.Info().Str("session_id", sessionID).Str("archive", archivePath).Msg("filesystem restored")
	return info, nil
}

// DiskUsage sums file sizes in the session's upper layer. The shared
// base is excluded: it is not a per-tenant cost.
func (m *Manager) DiskUsage(sessionID string) (*types.DiskUsage, error) {
	m.mu.Lock()
	info, ok := m.filesystems[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no filesystem for session %s", sessionID)
	}

	var total int64
	err := filepath.WalkDir(info.UpperPath, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk upper layer: %w", err)
	}

	return &types.DiskUsage{
		SessionID: sessionID,
		SizeBytes: total,
		SizeHuman: units.HumanSize(float64(total)),
	}, nil
}

// FilesystemEnv returns the environment that confines a process to the
// session's merged view, or nil when the session has none.
func (m *Manager) FilesystemEnv(sessionID string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.filesystems[sessionID]
	if !ok {
		return nil
	}
	return map[string]string{
		"HOME":            info.HomePath,
		"TMPDIR":          info.TmpPath,
		"XDG_CONFIG_HOME": filepath.Join(info.HomePath, ".config"),
		"XDG_DATA_HOME":   filepath.Join(info.HomePath, ".local", "share"),
		"XDG_CACHE_HOME":  filepath.Join(info.HomePath, ".cache"),
		"XDG_RUNTIME_DIR": info.TmpPath,
	}
}

func (m *Manager) HasFilesystem(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.filesystems[sessionID]
	return ok
}

func (m *Manager) GetFilesystemInfo(sessionID string) (*types.FilesystemInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.filesystems[sessionID]
	return info, ok
}

// Shutdown unmounts every tracked overlay. Trees stay on disk so a
// restart can still archive or inspect them.
func (m *Manager) Shutdown(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sessionID, info := range m.filesystems {
		if info.Mounted {
			if err := m.mounter.Unmount(info.MergedRoot); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to unmount overlay during shutdown")
			}
		}
		delete(m.filesystems, sessionID)
	}

	log.Info().Msg("filesystem manager shut down")
}

func (m *Manager) activeDir() string {
	return filepath.Join(m.cfg.SessionsDir, "active")
}

func (m *Manager) snapshotsDir() string {
	return filepath.Join(m.cfg.SessionsDir, "snapshots")
}

func (m *Manager) sessionPaths(sessionID string) sessionPaths {
	root := filepath.Join(m.activeDir(), sessionID)
	return sessionPaths{
		root:   root,
		upper:  filepath.Join(root, "upper"),
		work:   filepath.Join(root, "work"),
		merged: filepath.Join(root, "merged"),
	}
}
