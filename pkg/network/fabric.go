//go:build linux

// Package network wires containers into the host: a shared bridge, one veth
// pair and network namespace per container, host forwarding policy, and the
// DNAT rules for published ports.
package network

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"go.uber.org/zap"
)

// ErrSetupFailed wraps any error while programming the container network.
var ErrSetupFailed = errors.New("network setup failed")

// containerIfname is the name the container's interface bears inside its
// namespace.
const containerIfname = "eth0"

// Fabric programs the host side of container networking via netlink and
// iptables. All mutations are idempotent or checked before insertion, so
// concurrent invocations and crashed prior runs are safe.
type Fabric struct {
	bridgeName string
	subnet     *net.IPNet
	gateway    net.IP
	ipt        *iptables.IPTables
	log        *zap.SugaredLogger
}

// NewFabric returns a fabric for bridgeName over subnet. The gateway is the
// subnet's .1.
func NewFabric(bridgeName string, subnet *net.IPNet, log *zap.SugaredLogger) (*Fabric, error) {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("initializing iptables: %w", err)
	}
	return &Fabric{
		bridgeName: bridgeName,
		subnet:     subnet,
		gateway:    Gateway(subnet),
		ipt:        ipt,
		log:        log.Named("network"),
	}, nil
}

// ─── Bridge ──────────────────────────────────────────────────────────────────

// EnsureBridge creates the bridge with the gateway address if absent,
// brings it up, and programs the host forwarding policy. Idempotent; the
// bridge persists across runs.
func (f *Fabric) EnsureBridge() error {
	link, err := netlink.LinkByName(f.bridgeName)
	switch {
	case err == nil:
		if err := netlink.LinkSetUp(link); err != nil {
			return fmt.Errorf("%w: bridge up %s: %v", ErrSetupFailed, f.bridgeName, err)
		}
	case errors.As(err, &netlink.LinkNotFoundError{}):
		br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: f.bridgeName}}
		if err := netlink.LinkAdd(br); err != nil {
			return fmt.Errorf("%w: bridge add %s: %v", ErrSetupFailed, f.bridgeName, err)
		}
		addr, err := netlink.ParseAddr(CIDR(f.gateway, f.subnet))
		if err != nil {
			return fmt.Errorf("parsing gateway address: %w", err)
		}
		if err := netlink.AddrAdd(br, addr); err != nil {
			return fmt.Errorf("%w: addr add %s on %s: %v", ErrSetupFailed, addr, f.bridgeName, err)
		}
		if err := netlink.LinkSetUp(br); err != nil {
			return fmt.Errorf("%w: bridge up %s: %v", ErrSetupFailed, f.bridgeName, err)
		}
		f.log.Infow("bridge created", "name", f.bridgeName, "gateway", addr.String())
	default:
		return fmt.Errorf("%w: bridge lookup %s: %v", ErrSetupFailed, f.bridgeName, err)
	}

	return f.forwardingPolicy()
}

// forwardingPolicy enables IPv4 forwarding and accepts bridged container
// traffic plus return traffic. Each rule is checked before insertion.
func (f *Fabric) forwardingPolicy() error {
	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0o644); err != nil {
		return fmt.Errorf("%w: enabling ip_forward: %v", ErrSetupFailed, err)
	}

	rules := [][]string{
		{"-s", f.subnet.String(), "-d", f.subnet.String(), "-j", "ACCEPT"},
		{"-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"},
	}
	for _, rule := range rules {
		if err := f.ipt.AppendUnique("filter", "FORWARD", rule...); err != nil {
			return fmt.Errorf("%w: FORWARD rule %v: %v", ErrSetupFailed, rule, err)
		}
	}
	return nil
}

// ─── Namespaces ──────────────────────────────────────────────────────────────

// SetupNamespace builds the container's network: a named namespace, a veth
// pair with the host end enslaved to the bridge and the container end (as
// eth0, with a deterministic MAC) inside the namespace, addressing, and a
// default route via the gateway. A best-effort ping from inside seeds the
// bridge FDB.
func (f *Fabric) SetupNamespace(nsName string, containerIP net.IP) error {
	if err := f.EnsureBridge(); err != nil {
		return err
	}

	nsHandle, err := createNamespace(nsName)
	if err != nil {
		return fmt.Errorf("%w: creating namespace %s: %v", ErrSetupFailed, nsName, err)
	}
	defer nsHandle.Close()
	f.log.Infow("namespace created", "name", nsName)

	hostEnd := HostVethName(nsName)
	peerTmp := "peer" + suffix8(nsName)

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostEnd},
		PeerName:  peerTmp,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("%w: veth add %s: %v", ErrSetupFailed, hostEnd, err)
	}

	peer, err := netlink.LinkByName(peerTmp)
	if err != nil {
		return fmt.Errorf("%w: veth peer lookup: %v", ErrSetupFailed, err)
	}
	if err := netlink.LinkSetHardwareAddr(peer, MACFor(containerIP)); err != nil {
		return fmt.Errorf("%w: setting MAC on %s: %v", ErrSetupFailed, peerTmp, err)
	}
	if err := netlink.LinkSetNsFd(peer, int(nsHandle)); err != nil {
		return fmt.Errorf("%w: moving %s into %s: %v", ErrSetupFailed, peerTmp, nsName, err)
	}

	bridge, err := netlink.LinkByName(f.bridgeName)
	if err != nil {
		return fmt.Errorf("%w: bridge lookup: %v", ErrSetupFailed, err)
	}
	host, err := netlink.LinkByName(hostEnd)
	if err != nil {
		return fmt.Errorf("%w: host veth lookup: %v", ErrSetupFailed, err)
	}
	if err := netlink.LinkSetMaster(host, bridge); err != nil {
		return fmt.Errorf("%w: enslaving %s to %s: %v", ErrSetupFailed, hostEnd, f.bridgeName, err)
	}
	if err := netlink.LinkSetUp(host); err != nil {
		return fmt.Errorf("%w: host veth up: %v", ErrSetupFailed, err)
	}

	// Hairpin lets a container reach its own published ports; learning
	// keeps the FDB current. Neither is load-bearing.
	if err := netlink.LinkSetHairpin(host, true); err != nil {
		f.log.Debugw("hairpin not enabled", "veth", hostEnd, "error", err)
	}
	if err := netlink.LinkSetLearning(host, true); err != nil {
		f.log.Debugw("learning not enabled", "veth", hostEnd, "error", err)
	}

	if err := f.configureInside(nsHandle, peerTmp, containerIP); err != nil {
		return err
	}

	f.pingGateway(nsHandle)

	f.log.Infow("container network up",
		"netns", nsName, "ip", containerIP.String(), "veth", hostEnd, "bridge", f.bridgeName)
	return nil
}

// configureInside renames the moved peer to eth0, addresses it, brings it
// and lo up, and installs the default route. All calls go through a netlink
// handle bound to the namespace; no thread switching needed.
func (f *Fabric) configureInside(nsHandle netns.NsHandle, peerTmp string, containerIP net.IP) error {
	h, err := netlink.NewHandleAt(nsHandle)
	if err != nil {
		return fmt.Errorf("%w: opening handle in namespace: %v", ErrSetupFailed, err)
	}
	defer h.Close()

	peer, err := h.LinkByName(peerTmp)
	if err != nil {
		return fmt.Errorf("%w: peer lookup in namespace: %v", ErrSetupFailed, err)
	}
	if err := h.LinkSetName(peer, containerIfname); err != nil {
		return fmt.Errorf("%w: renaming %s to %s: %v", ErrSetupFailed, peerTmp, containerIfname, err)
	}
	eth0, err := h.LinkByName(containerIfname)
	if err != nil {
		return fmt.Errorf("%w: eth0 lookup: %v", ErrSetupFailed, err)
	}

	addr, err := netlink.ParseAddr(CIDR(containerIP, f.subnet))
	if err != nil {
		return fmt.Errorf("parsing container address: %w", err)
	}
	if err := h.AddrAdd(eth0, addr); err != nil {
		return fmt.Errorf("%w: addr add %s: %v", ErrSetupFailed, addr, err)
	}
	if err := h.LinkSetUp(eth0); err != nil {
		return fmt.Errorf("%w: eth0 up: %v", ErrSetupFailed, err)
	}

	lo, err := h.LinkByName("lo")
	if err == nil {
		if err := h.LinkSetUp(lo); err != nil {
			f.log.Debugw("loopback not brought up", "error", err)
		}
	}

	route := &netlink.Route{LinkIndex: eth0.Attrs().Index, Gw: f.gateway}
	if err := h.RouteAdd(route); err != nil {
		return fmt.Errorf("%w: default route via %s: %v", ErrSetupFailed, f.gateway, err)
	}
	return nil
}

// TeardownNamespace deletes the host-side veth (which removes both ends and
// detaches from the bridge) and the namespace. Every step tolerates
// absence; failures are logged, not propagated.
func (f *Fabric) TeardownNamespace(nsName string) {
	hostEnd := HostVethName(nsName)
	if link, err := netlink.LinkByName(hostEnd); err == nil {
		if err := netlink.LinkDel(link); err != nil {
			f.log.Warnw("deleting host veth", "name", hostEnd, "error", err)
		}
	}
	if err := netns.DeleteNamed(nsName); err != nil && !os.IsNotExist(err) {
		f.log.Warnw("deleting namespace", "name", nsName, "error", err)
	}
	f.log.Infow("container network torn down", "netns", nsName)
}

// createNamespace makes a named namespace and returns a handle to it,
// leaving the calling thread in its original namespace.
func createNamespace(nsName string) (netns.NsHandle, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return netns.None(), fmt.Errorf("getting current namespace: %w", err)
	}
	defer orig.Close()

	nsHandle, err := netns.NewNamed(nsName)
	if err != nil {
		return netns.None(), err
	}
	if err := netns.Set(orig); err != nil {
		nsHandle.Close()
		return netns.None(), fmt.Errorf("restoring namespace: %w", err)
	}
	return nsHandle, nil
}
