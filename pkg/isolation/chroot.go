package isolation

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ChrootBackend runs scripts inside a minimal throwaway root containing only
// a shell and its shared libraries. It requires root on linux.
type ChrootBackend struct {
	shell string
}

// NewChrootBackend creates a chroot backend that runs scripts with shell,
// /bin/sh when empty.
func NewChrootBackend(shell string) *ChrootBackend {
	if shell == "" {
		shell = "/bin/sh"
	}
	return &ChrootBackend{shell: shell}
}

// Name implements Backend.
func (c *ChrootBackend) Name() string { return BackendChroot }

// Available implements Backend.
func (c *ChrootBackend) Available(ctx context.Context) bool {
	return runtime.GOOS == "linux" && isPrivileged() && commandExists("chroot")
}

// Run implements Backend. Failures after the privilege check are reported
// without fallback: a half-built root is not a reason to run unconfined.
func (c *ChrootBackend) Run(ctx context.Context, req Request) (Result, error) {
	if !c.Available(ctx) {
		return Result{}, unavailable(BackendChroot, fmt.Errorf("chroot requires root on linux"))
	}

	root, err := os.MkdirTemp("", "autoflow-chroot-")
	if err != nil {
		return Result{}, prepareFailed(BackendChroot, false, err)
	}
	defer os.RemoveAll(root)

	if err := c.buildRoot(ctx, root); err != nil {
		return Result{}, prepareFailed(BackendChroot, false, err)
	}

	name := filepath.Base(req.ScriptPath)
	if err := copyFile(req.ScriptPath, filepath.Join(root, "tmp", name), 0o755); err != nil {
		return Result{}, prepareFailed(BackendChroot, false, err)
	}

	env := append([]string{"PATH=/bin:/usr/bin", "HOME=/tmp"}, req.Env...)
	argv := []string{"chroot", root, c.shell, "/tmp/" + name}
	out := runProcess(ctx, argv, env, req.Timeout, nil)
	return toResult(BackendChroot, out), nil
}

// buildRoot lays out the skeleton directories and copies the shell with its
// library closure into root.
func (c *ChrootBackend) buildRoot(ctx context.Context, root string) error {
	for _, dir := range []string{"bin", "lib", "lib64", "usr", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return err
		}
	}
	if err := os.Chmod(filepath.Join(root, "tmp"), 0o1777); err != nil {
		return err
	}

	shell, err := filepath.EvalSymlinks(c.shell)
	if err != nil {
		return fmt.Errorf("failed to resolve shell: %w", err)
	}
	if err := copyInto(root, shell, c.shell); err != nil {
		return err
	}

	libs, err := sharedLibraries(ctx, shell)
	if err != nil {
		return err
	}
	for _, lib := range libs {
		if err := copyInto(root, lib, lib); err != nil {
			return err
		}
	}
	return nil
}

// copyInto copies the host file src to dst inside root, following symlinks.
func copyInto(root, src, dst string) error {
	target := filepath.Join(root, dst)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return copyFile(src, target, info.Mode().Perm())
}

// sharedLibraries lists the absolute library paths binary links against.
// Statically linked binaries yield no libraries.
func sharedLibraries(ctx context.Context, binary string) ([]string, error) {
	if !commandExists("ldd") {
		return nil, nil
	}
	out, err := exec.CommandContext(ctx, "ldd", binary).Output()
	if err != nil {
		// ldd exits non-zero for static binaries.
		if bytes.Contains(out, []byte("not a dynamic executable")) {
			return nil, nil
		}
		if _, ok := err.(*exec.ExitError); ok {
			return nil, nil
		}
		return nil, fmt.Errorf("ldd %s: %w", binary, err)
	}
	return parseLdd(out), nil
}

// parseLdd extracts absolute paths from ldd output lines of the forms
// "libc.so.6 => /lib/libc.so.6 (0x...)" and "/lib64/ld-linux.so.2 (0x...)".
func parseLdd(out []byte) []string {
	var libs []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.Index(line, "=>"); i >= 0 {
			line = strings.TrimSpace(line[i+2:])
		}
		fields := strings.Fields(line)
		if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
			continue
		}
		if !seen[fields[0]] {
			seen[fields[0]] = true
			libs = append(libs, fields[0])
		}
	}
	return libs
}
