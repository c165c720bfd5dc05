//go:build linux

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"syscall"
	"time"

	"github.com/vishvananda/netns"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// childPath is the PATH the container process sees.
const childPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// killGrace is how long a signaled child gets before SIGKILL.
const killGrace = 10 * time.Second

// spawn runs argv chrooted into rootfsPath inside the named network
// namespace, wired to the caller's stdio, and returns the child's exit
// code. SIGINT/SIGTERM to the runtime are relayed to the child as SIGTERM,
// escalating to SIGKILL after a grace period.
func spawn(ctx context.Context, nsName, rootfsPath string, argv []string, log *zap.SugaredLogger) (int, error) {
	nsHandle, err := netns.GetFromName(nsName)
	if err != nil {
		return 0, fmt.Errorf("%w: opening namespace %s: %v", ErrChildSpawn, nsName, err)
	}
	defer nsHandle.Close()

	path := resolveInRootfs(rootfsPath, argv[0])

	cmd := exec.CommandContext(ctx, path, argv[1:]...)
	cmd.Args = argv
	cmd.Env = append(os.Environ(),
		"PATH="+childPath,
		"HOME=/root",
		"PS1=container# ",
		"SHELL=/bin/sh",
		"TERM=xterm",
	)
	cmd.Dir = "/"
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: rootfsPath}

	if err := startInNamespace(cmd, nsHandle, log); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrChildSpawn, err)
	}

	done := make(chan struct{})
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigs)

	go func() {
		select {
		case s := <-sigs:
			log.Infow("forwarding signal to container", "signal", s.String())
			_ = cmd.Process.Signal(unix.SIGTERM)
			select {
			case <-done:
			case <-time.After(killGrace):
				log.Warnw("container ignored SIGTERM, killing")
				_ = cmd.Process.Kill()
			}
		case <-done:
		}
	}()

	err = cmd.Wait()
	close(done)

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("%w: %v", ErrChildSpawn, err)
	}
	return 0, nil
}

// startInNamespace starts cmd with the calling thread switched into the
// container's network namespace. The fork inherits the thread's namespace;
// the thread itself is restored before returning.
func startInNamespace(cmd *exec.Cmd, nsHandle netns.NsHandle, log *zap.SugaredLogger) error {
	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return fmt.Errorf("getting host namespace: %w", err)
	}
	defer orig.Close()

	if err := netns.Set(nsHandle); err != nil {
		return fmt.Errorf("entering container namespace: %w", err)
	}
	startErr := cmd.Start()
	if err := netns.Set(orig); err != nil {
		log.Warnw("restoring host namespace", "error", err)
	}
	return startErr
}

// resolveInRootfs finds a bare command name on the container's PATH. Host
// PATH lookup would be wrong here: the path is interpreted inside the
// chroot.
func resolveInRootfs(rootfsPath, arg0 string) string {
	if strings.Contains(arg0, "/") {
		return arg0
	}
	for _, dir := range filepath.SplitList(childPath) {
		candidate := filepath.Join(dir, arg0)
		if info, err := os.Stat(filepath.Join(rootfsPath, candidate)); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return arg0
}
