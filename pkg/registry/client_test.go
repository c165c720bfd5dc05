package registry

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"go.uber.org/zap"

	"github.com/nielstenboom/shocker/pkg/config"
)

// fakeRegistry serves the token endpoint and a single-repo v2 surface.
type fakeRegistry struct {
	t        *testing.T
	repo     string
	index    v1.IndexManifest
	manifest v1.Manifest
	blobs    map[string][]byte // digest string -> content

	// shortCircuit serves the platform manifest directly for the tag.
	shortCircuit bool

	blobGets  atomic.Int64
	tokenHits atomic.Int64
}

func (f *fakeRegistry) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenHits.Add(1)
		if r.URL.Query().Get("scope") != fmt.Sprintf("repository:%s:pull", f.repo) {
			http.Error(w, "bad scope", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "test-token"})
	})
	mux.HandleFunc("/v2/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/v2/"+f.repo+"/")
		switch {
		case strings.HasPrefix(path, "manifests/"):
			ref := strings.TrimPrefix(path, "manifests/")
			f.serveManifest(w, ref)
		case strings.HasPrefix(path, "blobs/"):
			digest := strings.TrimPrefix(path, "blobs/")
			f.serveBlob(w, r, digest)
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}

func (f *fakeRegistry) serveManifest(w http.ResponseWriter, ref string) {
	if ref == "latest" && !f.shortCircuit {
		w.Header().Set("Content-Type", string(types.DockerManifestList))
		json.NewEncoder(w).Encode(f.index)
		return
	}
	w.Header().Set("Content-Type", string(types.DockerManifestSchema2))
	json.NewEncoder(w).Encode(f.manifest)
}

func (f *fakeRegistry) serveBlob(w http.ResponseWriter, r *http.Request, digest string) {
	content, ok := f.blobs[digest]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", fmt.Sprint(len(content)))
		return
	}
	f.blobGets.Add(1)
	w.Write(content)
}

func mustHash(t *testing.T, content []byte) v1.Hash {
	t.Helper()
	sum := sha256.Sum256(content)
	h, err := v1.NewHash(fmt.Sprintf("sha256:%x", sum))
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// newFixture builds a two-layer image behind a fake registry and a client
// configured against it.
func newFixture(t *testing.T) (*fakeRegistry, *httptest.Server, config.Config) {
	t.Helper()

	layer1 := []byte("layer-one-content")
	layer2 := []byte("layer-two-content")
	d1, d2 := mustHash(t, layer1), mustHash(t, layer2)

	manifest := v1.Manifest{
		SchemaVersion: 2,
		MediaType:     types.DockerManifestSchema2,
		Layers: []v1.Descriptor{
			{MediaType: types.DockerLayer, Digest: d1, Size: int64(len(layer1))},
			{MediaType: types.DockerLayer, Digest: d2, Size: int64(len(layer2))},
		},
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}
	manifestDigest := mustHash(t, manifestJSON)

	index := v1.IndexManifest{
		SchemaVersion: 2,
		MediaType:     types.DockerManifestList,
		Manifests: []v1.Descriptor{
			{
				MediaType: types.DockerManifestSchema2,
				Digest:    manifestDigest,
				Platform:  &v1.Platform{OS: "linux", Architecture: "amd64"},
			},
		},
	}

	fake := &fakeRegistry{
		t:        t,
		repo:     "library/busybox",
		index:    index,
		manifest: manifest,
		blobs: map[string][]byte{
			d1.String(): layer1,
			d2.String(): layer2,
		},
	}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.RegistryURL = srv.URL
	cfg.AuthURL = srv.URL + "/token"
	cfg.AuthService = "test"
	cfg.HTTPTimeout = 5 * time.Second
	return fake, srv, cfg
}

func newTestClient(t *testing.T, cfg config.Config) *Client {
	t.Helper()
	c, err := New(context.Background(), cfg, "busybox", "latest", zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}
	return c
}

var linuxAmd64 = v1.Platform{OS: "linux", Architecture: "amd64"}

func TestNormalizeRepository(t *testing.T) {
	tests := []struct{ in, want string }{
		{"busybox", "library/busybox"},
		{"library/busybox", "library/busybox"},
		{"grafana/loki", "grafana/loki"},
	}
	for _, tt := range tests {
		if got := NormalizeRepository(tt.in); got != tt.want {
			t.Errorf("NormalizeRepository(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFetchManifestResolvesPlatform(t *testing.T) {
	_, _, cfg := newFixture(t)
	c := newTestClient(t, cfg)

	m, err := c.FetchManifest(context.Background(), linuxAmd64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Layers) != 2 {
		t.Errorf("expected 2 layers, got %d", len(m.Layers))
	}
}

func TestFetchManifestShortCircuit(t *testing.T) {
	fake, _, cfg := newFixture(t)
	fake.shortCircuit = true
	c := newTestClient(t, cfg)

	m, err := c.FetchManifest(context.Background(), linuxAmd64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Layers) != 2 {
		t.Errorf("expected 2 layers, got %d", len(m.Layers))
	}
}

func TestFetchManifestPlatformUnavailable(t *testing.T) {
	fake, _, cfg := newFixture(t)
	c := newTestClient(t, cfg)

	_, err := c.FetchManifest(context.Background(), v1.Platform{OS: "linux", Architecture: "s390x"})
	if !errors.Is(err, ErrPlatformUnavailable) {
		t.Fatalf("expected ErrPlatformUnavailable, got %v", err)
	}
	if n := fake.blobGets.Load(); n != 0 {
		t.Errorf("expected no blob downloads, got %d", n)
	}
}

func TestPullWritesOrderedLayerFiles(t *testing.T) {
	fake, _, cfg := newFixture(t)
	c := newTestClient(t, cfg)
	out := t.TempDir()

	if err := c.Pull(context.Background(), linuxAmd64, out); err != nil {
		t.Fatalf("pull: %v", err)
	}

	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 layer files, got %d", len(entries))
	}
	for i, e := range entries {
		prefix := fmt.Sprintf("layer_%03d_sha256_", i+1)
		if !strings.HasPrefix(e.Name(), prefix) || !strings.HasSuffix(e.Name(), ".tar.gz") {
			t.Errorf("layer file %q does not match %s*.tar.gz", e.Name(), prefix)
		}
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file leaked: %s", e.Name())
		}
	}

	// Byte content matches what the registry served.
	d1 := fake.manifest.Layers[0].Digest
	data, err := os.ReadFile(filepath.Join(out, LayerFileName(1, d1)))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "layer-one-content" {
		t.Errorf("layer 1 content = %q", data)
	}
}

func TestPullIsIdempotent(t *testing.T) {
	fake, _, cfg := newFixture(t)
	c := newTestClient(t, cfg)
	out := t.TempDir()

	if err := c.Pull(context.Background(), linuxAmd64, out); err != nil {
		t.Fatalf("first pull: %v", err)
	}
	first := fake.blobGets.Load()

	if err := c.Pull(context.Background(), linuxAmd64, out); err != nil {
		t.Fatalf("second pull: %v", err)
	}
	if got := fake.blobGets.Load(); got != first {
		t.Errorf("second pull downloaded %d blobs, want 0", got-first)
	}
}

func TestPullSkipsMissingBlob(t *testing.T) {
	fake, _, cfg := newFixture(t)
	// First layer's blob vanishes from the registry.
	missing := fake.manifest.Layers[0].Digest
	delete(fake.blobs, missing.String())

	c := newTestClient(t, cfg)
	out := t.TempDir()

	if err := c.Pull(context.Background(), linuxAmd64, out); err != nil {
		t.Fatalf("pull should tolerate missing blob: %v", err)
	}

	if _, err := os.Stat(filepath.Join(out, LayerFileName(1, missing))); !os.IsNotExist(err) {
		t.Error("missing layer should not produce a file")
	}
	present := fake.manifest.Layers[1].Digest
	if _, err := os.Stat(filepath.Join(out, LayerFileName(2, present))); err != nil {
		t.Errorf("subsequent layer should still download: %v", err)
	}
}

func TestPullVerifiesDigest(t *testing.T) {
	fake, _, cfg := newFixture(t)
	// Corrupt the first blob so its content no longer matches its digest.
	d1 := fake.manifest.Layers[0].Digest
	fake.blobs[d1.String()] = []byte("tampered")

	c := newTestClient(t, cfg)
	err := c.Pull(context.Background(), linuxAmd64, t.TempDir())
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected digest verification failure, got %v", err)
	}
}

func TestLayerFileName(t *testing.T) {
	h, err := v1.NewHash("sha256:deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	if err != nil {
		t.Fatal(err)
	}
	got := LayerFileName(3, h)
	want := "layer_003_sha256_deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef.tar.gz"
	if got != want {
		t.Errorf("LayerFileName = %q, want %q", got, want)
	}
}

func TestNewFailsWithoutTokenService(t *testing.T) {
	cfg := config.Default()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	cfg.AuthURL = srv.URL + "/token"
	cfg.HTTPTimeout = 2 * time.Second

	_, err := New(context.Background(), cfg, "busybox", "latest", zap.NewNop().Sugar())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}
