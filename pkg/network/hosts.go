package network

import (
	"fmt"
	"os"
	"path/filepath"
)

// hostsPrelude is the fixed localhost block every container gets before the
// registry-derived entries.
const hostsPrelude = "127.0.0.1\tlocalhost\n::1\tlocalhost ip6-localhost ip6-loopback\n"

// WriteResolvConf copies the host's resolver configuration into the rootfs
// so the container can resolve external names.
func WriteResolvConf(rootfs string) error {
	data, err := os.ReadFile("/etc/resolv.conf")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading host resolv.conf: %w", err)
	}
	etc := filepath.Join(rootfs, "etc")
	if err := os.MkdirAll(etc, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", etc, err)
	}
	if err := os.WriteFile(filepath.Join(etc, "resolv.conf"), data, 0o644); err != nil {
		return fmt.Errorf("writing resolv.conf: %w", err)
	}
	return nil
}

// WriteHosts writes the container's /etc/hosts: the localhost prelude
// followed by one line per live container, so peers resolve each other by
// name.
func WriteHosts(rootfs, entries string) error {
	etc := filepath.Join(rootfs, "etc")
	if err := os.MkdirAll(etc, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", etc, err)
	}
	if err := os.WriteFile(filepath.Join(etc, "hosts"), []byte(hostsPrelude+entries), 0o644); err != nil {
		return fmt.Errorf("writing hosts: %w", err)
	}
	return nil
}
