package fsisolation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// ErrOverlayUnavailable means the kernel knows overlayfs but this
// process may not mount it. This is a permissions problem, not a
// missing package: the container needs CAP_SYS_ADMIN.
var ErrOverlayUnavailable = errors.New("overlayfs unavailable: mounting requires CAP_SYS_ADMIN (cap_add: [SYS_ADMIN] in the container config)")

// Mounter abstracts the overlay mount syscalls so the manager can be
// exercised without privileges.
type Mounter interface {
	// Probe reports whether overlay mounts will work, failing loudly
	// rather than letting sessions silently share the host filesystem.
	Probe(ctx context.Context) error
	Mount(lower, upper, work, target string) error
	Unmount(target string) error
}

// OverlayMounter drives real kernel overlayfs mounts. The probe result
// is cached: capabilities do not change while the process runs.
type OverlayMounter struct {
	probeOnce sync.Once
	probeErr  error
}

func NewOverlayMounter() *OverlayMounter {
	return &OverlayMounter{}
}

func (o *OverlayMounter) Probe(_ context.Context) error {
	o.probeOnce.Do(func() {
		o.probeErr = o.probe()
	})
	return o.probeErr
}

// probe checks kernel support via /proc/filesystems, then proves we can
// actually mount by doing a scratch overlay mount and tearing it down.
func (o *OverlayMounter) probe() error {
	data, err := os.ReadFile("/proc/filesystems")
	if err != nil {
		return fmt.Errorf("failed to read /proc/filesystems: %w", err)
	}
	if !strings.Contains(string(data), "overlay") {
		return fmt.Errorf("kernel has no overlay filesystem support")
	}

	scratch, err := os.MkdirTemp("", "overlay-probe-*")
	if err != nil {
		return fmt.Errorf("failed to create probe directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	dirs := map[string]string{}
	for _, name := range []string{"lower", "upper", "work", "merged"} {
		dir := filepath.Join(scratch, name)
		if err := os.Mkdir(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create probe directory: %w", err)
		}
		dirs[name] = dir
	}

	if err := o.Mount(dirs["lower"], dirs["upper"], dirs["work"], dirs["merged"]); err != nil {
		log.Debug().Err(err).Msg("overlay probe mount failed")
		return ErrOverlayUnavailable
	}
	if err := o.Unmount(dirs["merged"]); err != nil {
		log.Warn().Err(err).Str("path", dirs["merged"]).Msg("failed to unmount overlay probe")
	}

	return nil
}

func (o *OverlayMounter) Mount(lower, upper, work, target string) error {
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	if err := unix.Mount("overlay", target, "overlay", 0, opts); err != nil {
		return fmt.Errorf("failed to mount overlay at %s: %w", target, err)
	}
	return nil
}

func (o *OverlayMounter) Unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", target, err)
	}
	return nil
}
