//go:build linux

package network

import (
	"net"
	"os"
	"runtime"
	"time"

	"github.com/vishvananda/netns"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// pingGateway sends one ICMP echo to the gateway from inside the namespace
// so the bridge learns the container's MAC before any real traffic. Purely
// best-effort: every failure is logged at debug and swallowed.
func (f *Fabric) pingGateway(nsHandle netns.NsHandle) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		f.log.Debugw("gateway ping skipped", "error", err)
		return
	}
	defer orig.Close()

	if err := netns.Set(nsHandle); err != nil {
		f.log.Debugw("gateway ping skipped", "error", err)
		return
	}
	defer netns.Set(orig)

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		f.log.Debugw("gateway ping skipped", "error", err)
		return
	}
	defer conn.Close()

	echo := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: os.Getpid() & 0xffff, Seq: 1, Data: []byte("shocker")},
	}
	payload, err := echo.Marshal(nil)
	if err != nil {
		f.log.Debugw("gateway ping skipped", "error", err)
		return
	}

	dst := &net.UDPAddr{IP: f.gateway}
	if _, err := conn.WriteTo(payload, dst); err != nil {
		f.log.Debugw("gateway ping send failed", "error", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	reply := make([]byte, 1500)
	if _, _, err := conn.ReadFrom(reply); err != nil {
		f.log.Debugw("gateway ping got no reply", "error", err)
		return
	}
	f.log.Debugw("gateway reachable", "gateway", f.gateway.String())
}
