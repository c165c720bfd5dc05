package cli

import (
	"testing"

	"github.com/nielstenboom/shocker/pkg/network"
)

func TestSplitRef(t *testing.T) {
	tests := []struct {
		in   string
		repo string
		tag  string
	}{
		{"busybox", "library/busybox", "latest"},
		{"busybox:1.36", "library/busybox", "1.36"},
		{"library/nginx:alpine", "library/nginx", "alpine"},
		{"grafana/loki", "grafana/loki", "latest"},
	}
	for _, tt := range tests {
		repo, tag, err := splitRef(tt.in)
		if err != nil {
			t.Errorf("splitRef(%q): %v", tt.in, err)
			continue
		}
		if repo != tt.repo || tag != tt.tag {
			t.Errorf("splitRef(%q) = (%q, %q), want (%q, %q)", tt.in, repo, tag, tt.repo, tt.tag)
		}
	}
}

func TestSplitRefInvalid(t *testing.T) {
	if _, _, err := splitRef("UPPER CASE??"); err == nil {
		t.Error("expected error for invalid reference")
	}
}

func TestParsePorts(t *testing.T) {
	got, err := parsePorts([]string{"8080:80", "443"})
	if err != nil {
		t.Fatal(err)
	}
	want := []network.Mapping{
		{HostPort: 8080, ContainerPort: 80},
		{HostPort: 443, ContainerPort: 443},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d mappings, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("mapping %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestParsePortsInvalid(t *testing.T) {
	for _, spec := range []string{"abc", "80:xyz", "0:80", "80:70000", ""} {
		if _, err := parsePorts([]string{spec}); err == nil {
			t.Errorf("expected error for %q", spec)
		}
	}
}

func TestParsePortsEmpty(t *testing.T) {
	got, err := parsePorts(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected no mappings, got %v", got)
	}
}
