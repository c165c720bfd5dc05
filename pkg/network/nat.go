//go:build linux

package network

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/coreos/go-iptables/iptables"
	"go.uber.org/zap"
)

// ErrPortForwardFailed wraps any error while programming DNAT rules.
var ErrPortForwardFailed = errors.New("port forwarding setup failed")

// Mapping publishes a host TCP port into the container.
type Mapping struct {
	HostPort      int
	ContainerPort int
}

func (m Mapping) String() string {
	return fmt.Sprintf("%d:%d", m.HostPort, m.ContainerPort)
}

// natRule is one iptables rule of a mapping's rule set.
type natRule struct {
	table string
	chain string
	spec  []string
}

// Forwarder programs host->container TCP forwarding. Rules are inserted
// check-first and deleted tolerantly, so crashed prior runs never wedge the
// tables.
type Forwarder struct {
	ipt *iptables.IPTables
	log *zap.SugaredLogger
}

// NewForwarder returns a forwarder over the host's IPv4 tables.
func NewForwarder(log *zap.SugaredLogger) (*Forwarder, error) {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("initializing iptables: %w", err)
	}
	return &Forwarder{ipt: ipt, log: log.Named("forward")}, nil
}

// Setup programs the rule set of every mapping. A failure inside one
// mapping rolls back that mapping's rules and aborts; rules of earlier
// mappings are left for the caller's teardown path.
func (p *Forwarder) Setup(containerIP net.IP, mappings []Mapping) error {
	if err := enableRouteLocalnet(); err != nil {
		return fmt.Errorf("%w: %v", ErrPortForwardFailed, err)
	}

	for _, m := range mappings {
		if err := p.setupMapping(containerIP, m); err != nil {
			return err
		}
		p.log.Infow("port forwarding active",
			"host", m.HostPort, "container", fmt.Sprintf("%s:%d", containerIP, m.ContainerPort))
	}
	return nil
}

func (p *Forwarder) setupMapping(containerIP net.IP, m Mapping) error {
	rules := mappingRules(containerIP, m)
	var done []natRule
	for _, r := range rules {
		if err := p.insert(r); err != nil {
			for i := len(done) - 1; i >= 0; i-- {
				p.delete(done[i])
			}
			return fmt.Errorf("%w: mapping %s: %v", ErrPortForwardFailed, m, err)
		}
		done = append(done, r)
	}
	return nil
}

// Cleanup deletes every mapping's rule set, tolerating absence.
func (p *Forwarder) Cleanup(containerIP net.IP, mappings []Mapping) {
	for _, m := range mappings {
		for _, r := range mappingRules(containerIP, m) {
			p.delete(r)
		}
	}
	if len(mappings) > 0 {
		p.log.Infow("port forwarding removed", "mappings", len(mappings))
	}
}

func (p *Forwarder) insert(r natRule) error {
	exists, err := p.ipt.Exists(r.table, r.chain, r.spec...)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if r.table == "filter" {
		// FORWARD accepts go to the top so a restrictive policy below
		// cannot shadow them.
		return p.ipt.Insert(r.table, r.chain, 1, r.spec...)
	}
	return p.ipt.Append(r.table, r.chain, r.spec...)
}

func (p *Forwarder) delete(r natRule) {
	if err := p.ipt.DeleteIfExists(r.table, r.chain, r.spec...); err != nil {
		p.log.Warnw("deleting rule", "table", r.table, "chain", r.chain, "spec", r.spec, "error", err)
	}
}

// mappingRules is the exact rule set of one mapping, in programming order.
// Cleanup deletes the same specs, so the two stay in lockstep by
// construction.
func mappingRules(containerIP net.IP, m Mapping) []natRule {
	ip := containerIP.String()
	hostPort := strconv.Itoa(m.HostPort)
	contPort := strconv.Itoa(m.ContainerPort)
	dest := ip + ":" + contPort

	return []natRule{
		{"filter", "FORWARD", []string{"-d", ip, "-p", "tcp", "--dport", contPort, "-j", "ACCEPT"}},
		{"filter", "FORWARD", []string{"-s", ip, "-p", "tcp", "--sport", contPort, "-j", "ACCEPT"}},
		{"nat", "PREROUTING", []string{"-p", "tcp", "--dport", hostPort, "-j", "DNAT", "--to-destination", dest}},
		{"nat", "OUTPUT", []string{"-p", "tcp", "-d", "127.0.0.1", "--dport", hostPort, "-j", "DNAT", "--to-destination", dest}},
		{"nat", "POSTROUTING", []string{"-p", "tcp", "-d", ip, "--dport", contPort, "-j", "MASQUERADE"}},
	}
}

// enableRouteLocalnet permits DNAT of loopback-origin traffic.
func enableRouteLocalnet() error {
	for _, iface := range []string{"lo", "all"} {
		path := fmt.Sprintf("/proc/sys/net/ipv4/conf/%s/route_localnet", iface)
		if err := os.WriteFile(path, []byte("1"), 0o644); err != nil {
			return fmt.Errorf("enabling route_localnet on %s: %w", iface, err)
		}
	}
	return nil
}
