//go:build linux

// Package lifecycle composes pull artifacts, IP allocation, namespace
// wiring, port forwarding, and chrooted execution into one container run,
// with guaranteed teardown on every exit path.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/nielstenboom/shocker/pkg/config"
	"github.com/nielstenboom/shocker/pkg/containers"
	"github.com/nielstenboom/shocker/pkg/image"
	"github.com/nielstenboom/shocker/pkg/network"
	"github.com/nielstenboom/shocker/pkg/rootfs"
)

var (
	// ErrPermissionDenied means the runtime was not started as root.
	ErrPermissionDenied = errors.New("root privileges required")
	// ErrChildSpawn means the kernel refused to start the container process.
	ErrChildSpawn = errors.New("spawning container process failed")
)

// netnsPrefix prefixes every per-run namespace name.
const netnsPrefix = "shk-"

// Options describe one container run.
type Options struct {
	Repository string
	Tag        string
	Command    []string
	Ports      []network.Mapping
	Name       string
}

// Orchestrator drives the run state machine:
//
//	ENTRY -> ROOTFS_READY -> IP_ALLOCATED -> NETNS_UP -> REGISTERED ->
//	PORTS_UP -> RUNNING -> EXITED -> CLEAN
//
// Each completed step pushes its inverse onto a cleanup stack which is
// fully unwound on failure and on normal exit.
type Orchestrator struct {
	cfg    config.Config
	store  *image.Store
	reg    *containers.Registry
	fabric *network.Fabric
	fwd    *network.Forwarder
	log    *zap.SugaredLogger
}

// New wires an orchestrator from configuration.
func New(cfg config.Config, log *zap.SugaredLogger) (*Orchestrator, error) {
	subnet, err := cfg.SubnetIPNet()
	if err != nil {
		return nil, err
	}
	fabric, err := network.NewFabric(cfg.BridgeName, subnet, log)
	if err != nil {
		return nil, err
	}
	fwd, err := network.NewForwarder(log)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:    cfg,
		store:  image.NewStore(cfg.ArtifactsDir, log),
		reg:    containers.New(cfg.StateDir, subnet, log),
		fabric: fabric,
		fwd:    fwd,
		log:    log.Named("lifecycle"),
	}, nil
}

// Run executes opts.Command inside a fresh rootfs and namespace and returns
// the child's exit code. A non-zero child exit is not an error; the
// orchestrator fails only when setup breaks or the child cannot be spawned.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (int, error) {
	// ENTRY
	if unix.Geteuid() != 0 {
		return 1, ErrPermissionDenied
	}
	imageDir := o.store.Dir(opts.Repository, opts.Tag)
	if _, err := image.LayerFiles(imageDir); err != nil {
		return 1, fmt.Errorf("%s:%s: %w", opts.Repository, opts.Tag, err)
	}

	cleanup := newCleanupStack(o.log)
	fail := func(err error) (int, error) {
		if cerr := cleanup.unwind(); cerr != nil {
			o.log.Warnw("teardown after failure reported errors", "error", cerr)
		}
		return 1, err
	}

	// ROOTFS_READY
	rootfsPath, err := rootfs.Build(imageDir, o.log)
	if err != nil {
		return 1, err
	}
	cleanup.push("remove rootfs", func() error { return os.RemoveAll(rootfsPath) })

	// IP_ALLOCATED. The registry lock is held across allocate+register
	// only, never across the child's execution.
	if err := o.reg.Lock(); err != nil {
		return fail(err)
	}
	locked := true
	unlock := func() {
		if locked {
			locked = false
			if err := o.reg.Unlock(); err != nil {
				o.log.Warnw("releasing registry lock", "error", err)
			}
		}
	}
	defer unlock()

	ip, err := o.reg.AllocateIP()
	if err != nil {
		return fail(err)
	}
	o.log.Infow("ip allocated", "ip", ip.String())

	// NETNS_UP
	nsName := netnsPrefix + filepath.Base(rootfsPath)
	if err := o.fabric.SetupNamespace(nsName, ip); err != nil {
		return fail(err)
	}
	cleanup.push("teardown netns", func() error {
		o.fabric.TeardownNamespace(nsName)
		return nil
	})

	// REGISTERED
	if opts.Name != "" {
		if err := o.reg.Register(opts.Name, ip, nsName); err != nil {
			return fail(err)
		}
		name := opts.Name
		cleanup.push("unregister "+name, func() error { return o.reg.Unregister(name) })
	}
	unlock()

	// PORTS_UP
	if len(opts.Ports) > 0 {
		if err := o.fwd.Setup(ip, opts.Ports); err != nil {
			return fail(err)
		}
		cleanup.push("remove port forwards", func() error {
			o.fwd.Cleanup(ip, opts.Ports)
			return nil
		})
	}

	// RUNNING
	if err := network.WriteResolvConf(rootfsPath); err != nil {
		return fail(err)
	}
	hosts, err := o.reg.HostsFile()
	if err != nil {
		return fail(err)
	}
	if err := network.WriteHosts(rootfsPath, hosts); err != nil {
		return fail(err)
	}

	o.log.Infow("starting container",
		"image", opts.Repository+":"+opts.Tag, "command", opts.Command, "ip", ip.String(), "netns", nsName)

	exitCode, err := spawn(ctx, nsName, rootfsPath, opts.Command, o.log)
	if err != nil {
		return fail(err)
	}

	// EXITED -> CLEAN
	o.log.Infow("container exited", "code", exitCode)
	if cerr := cleanup.unwind(); cerr != nil {
		o.log.Warnw("cleanup completed with errors", "error", cerr)
	}
	return exitCode, nil
}
