package network

import (
	"encoding/binary"
	"fmt"
	"net"
)

// macOUI is the third octet of every container MAC. Combined with the
// locally-administered 02:42 prefix it keeps generated addresses out of any
// vendor range.
const macOUI = 0x69

// Gateway returns the .1 address of the subnet, which is assigned to the
// host bridge.
func Gateway(subnet *net.IPNet) net.IP {
	base := IPToUint32(subnet.IP)
	return Uint32ToIP(base + 1)
}

// PrefixLen returns the subnet's prefix length.
func PrefixLen(subnet *net.IPNet) int {
	ones, _ := subnet.Mask.Size()
	return ones
}

// MACFor derives the container interface's MAC address from its IP. The
// mapping is deterministic so a container keeps the same MAC across
// identical allocations: 02:42:69:<third octet>:<fourth octet>:00.
func MACFor(ip net.IP) net.HardwareAddr {
	v4 := ip.To4()
	return net.HardwareAddr{0x02, 0x42, macOUI, v4[2], v4[3], 0x00}
}

// HostVethName derives the host-side veth name from the namespace name.
// Only the last 8 bytes are used so the result stays under IFNAMSIZ.
func HostVethName(nsName string) string {
	return "veth" + suffix8(nsName)
}

func suffix8(s string) string {
	if len(s) > 8 {
		return s[len(s)-8:]
	}
	return s
}

// CIDR formats ip with the subnet's prefix length.
func CIDR(ip net.IP, subnet *net.IPNet) string {
	return fmt.Sprintf("%s/%d", ip.String(), PrefixLen(subnet))
}

// IPToUint32 converts a net.IP (IPv4) to a uint32.
func IPToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	return binary.BigEndian.Uint32(ip)
}

// Uint32ToIP converts a uint32 to a net.IP (IPv4).
func Uint32ToIP(n uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}
