// Package registry implements the pull side of the Docker Registry HTTP API
// v2: bearer-token auth, manifest-list resolution, and layer blob download.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	digest "github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/nielstenboom/shocker/pkg/config"
)

var (
	// ErrAuthFailed means the registry rejected our token (HTTP 401).
	ErrAuthFailed = errors.New("registry authentication failed")
	// ErrNotFound means the repository or reference is unknown (HTTP 404).
	ErrNotFound = errors.New("not found in registry")
	// ErrProtocol covers unexpected registry responses.
	ErrProtocol = errors.New("registry protocol error")
	// ErrPlatformUnavailable means the manifest list has no entry for the
	// requested os/architecture.
	ErrPlatformUnavailable = errors.New("platform not present in manifest list")
)

const (
	manifestListMedia = "application/vnd.docker.distribution.manifest.list.v2+json"
	manifestMedia     = "application/vnd.docker.distribution.manifest.v2+json"
)

// Client talks to one repository of a Registry v2 endpoint. The bearer token
// is fetched at construction and cached for the client's lifetime; it is
// scoped to pull on this repository only.
type Client struct {
	cfg        config.Config
	repository string
	tag        string
	token      string

	// api carries the per-request timeout; blob has none because layer
	// downloads may legitimately outlive any fixed deadline.
	api  *http.Client
	blob *http.Client

	log *zap.SugaredLogger
}

// NormalizeRepository applies the registry convention that bare names live
// under library/.
func NormalizeRepository(repository string) string {
	if !strings.Contains(repository, "/") {
		return "library/" + repository
	}
	return repository
}

// New builds a client for repository:tag and obtains its pull token.
func New(ctx context.Context, cfg config.Config, repository, tag string, log *zap.SugaredLogger) (*Client, error) {
	c := &Client{
		cfg:        cfg,
		repository: NormalizeRepository(repository),
		tag:        tag,
		api:        &http.Client{Timeout: cfg.HTTPTimeout},
		blob:       &http.Client{},
		log:        log.Named("registry"),
	}
	if err := c.fetchToken(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) fetchToken(ctx context.Context) error {
	u, err := url.Parse(c.cfg.AuthURL)
	if err != nil {
		return fmt.Errorf("parsing auth URL: %w", err)
	}
	q := u.Query()
	q.Set("service", c.cfg.AuthService)
	q.Set("scope", fmt.Sprintf("repository:%s:pull", c.repository))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.api.Do(req)
	if err != nil {
		return fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: token service returned %d", ErrAuthFailed, resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("parsing token response: %w", err)
	}
	if body.Token == "" {
		return fmt.Errorf("%w: empty token", ErrAuthFailed)
	}
	c.token = body.Token
	return nil
}

// FetchManifest resolves tag to the platform manifest for platform. The
// first request asks for a manifest list; registries that short-circuit to
// a platform manifest are accepted as-is.
func (c *Client) FetchManifest(ctx context.Context, platform v1.Platform) (*v1.Manifest, error) {
	body, mediaType, err := c.getManifest(ctx, c.tag, manifestListMedia)
	if err != nil {
		return nil, err
	}

	if !isIndexMedia(mediaType) {
		m, err := v1.ParseManifest(strings.NewReader(string(body)))
		if err != nil {
			return nil, fmt.Errorf("%w: parsing platform manifest: %v", ErrProtocol, err)
		}
		return m, nil
	}

	index, err := v1.ParseIndexManifest(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing manifest list: %v", ErrProtocol, err)
	}

	var selected *v1.Hash
	for _, desc := range index.Manifests {
		if desc.Platform == nil {
			continue
		}
		if desc.Platform.OS == platform.OS && desc.Platform.Architecture == platform.Architecture {
			d := desc.Digest
			selected = &d
			break
		}
	}
	if selected == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrPlatformUnavailable, platform.OS, platform.Architecture)
	}

	body, _, err = c.getManifest(ctx, selected.String(), manifestMedia)
	if err != nil {
		return nil, err
	}
	m, err := v1.ParseManifest(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing platform manifest: %v", ErrProtocol, err)
	}
	return m, nil
}

// Pull downloads every layer of the platform manifest into outDir, named
// layer_NNN_<digest with : replaced by _>.tar.gz in manifest order. It is
// idempotent: present files are kept, absent blobs are skipped with a
// warning, and partial downloads never become visible thanks to the
// temp-then-rename discipline.
func (c *Client) Pull(ctx context.Context, platform v1.Platform, outDir string) error {
	manifest, err := c.FetchManifest(ctx, platform)
	if err != nil {
		return err
	}
	if len(manifest.Layers) == 0 {
		return fmt.Errorf("%w: manifest has no layers", ErrProtocol)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating image dir: %w", err)
	}

	total := len(manifest.Layers)
	for i, layer := range manifest.Layers {
		idx := i + 1
		target := filepath.Join(outDir, LayerFileName(idx, layer.Digest))

		if _, err := os.Stat(target); err == nil {
			c.log.Infow("layer already present", "index", idx, "of", total, "digest", layer.Digest.String())
			continue
		}

		exists, err := c.blobExists(ctx, layer.Digest)
		if err != nil {
			return err
		}
		if !exists {
			c.log.Warnw("layer blob missing in registry, skipping", "index", idx, "of", total, "digest", layer.Digest.String())
			continue
		}

		c.log.Infow("downloading layer", "index", idx, "of", total, "digest", layer.Digest.String())
		if err := c.downloadBlob(ctx, layer.Digest, target); err != nil {
			return fmt.Errorf("layer %d/%d: %w", idx, total, err)
		}
	}

	c.log.Infow("pull complete", "repository", c.repository, "tag", c.tag, "layers", total, "dir", outDir)
	return nil
}

// LayerFileName gives the on-disk name for the idx-th (1-based) layer. The
// zero-padded index keeps lexicographic order equal to extraction order.
func LayerFileName(idx int, d v1.Hash) string {
	return fmt.Sprintf("layer_%03d_%s_%s.tar.gz", idx, d.Algorithm, d.Hex)
}

func (c *Client) getManifest(ctx context.Context, reference, accept string) ([]byte, string, error) {
	u := fmt.Sprintf("%s/v2/%s/manifests/%s", c.cfg.RegistryURL, c.repository, reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", accept)

	resp, err := c.api.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching manifest %s: %w", reference, err)
	}
	defer resp.Body.Close()

	if err := statusErr(resp.StatusCode, "manifest "+reference); err != nil {
		return nil, "", err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading manifest %s: %w", reference, err)
	}

	mediaType := resp.Header.Get("Content-Type")
	if mediaType == "" {
		var probe struct {
			MediaType string `json:"mediaType"`
		}
		_ = json.Unmarshal(body, &probe)
		mediaType = probe.MediaType
	}
	return body, mediaType, nil
}

func (c *Client) blobExists(ctx context.Context, d v1.Hash) (bool, error) {
	u := fmt.Sprintf("%s/v2/%s/blobs/%s", c.cfg.RegistryURL, c.repository, d.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.api.Do(req)
	if err != nil {
		return false, fmt.Errorf("checking blob %s: %w", d.String(), err)
	}
	resp.Body.Close()

	return resp.StatusCode < http.StatusBadRequest, nil
}

// downloadBlob streams the blob to a temp file next to target and renames
// it into place. Registries routinely 307 to a CDN; the HTTP client follows
// and drops the Authorization header on the cross-host hop, which is what
// the CDNs expect. sha256 digests are verified on the fly.
func (c *Client) downloadBlob(ctx context.Context, d v1.Hash, target string) error {
	u := fmt.Sprintf("%s/v2/%s/blobs/%s", c.cfg.RegistryURL, c.repository, d.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.blob.Do(req)
	if err != nil {
		return fmt.Errorf("downloading blob: %w", err)
	}
	defer resp.Body.Close()

	if err := statusErr(resp.StatusCode, "blob "+d.String()); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".blob-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	var verifier digest.Verifier
	var sink io.Writer = tmp
	if d.Algorithm == string(digest.SHA256) {
		dg, err := digest.Parse(d.String())
		if err == nil {
			verifier = dg.Verifier()
			sink = io.MultiWriter(tmp, verifier)
		}
	}

	if _, err := io.Copy(sink, resp.Body); err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}
	if verifier != nil && !verifier.Verified() {
		return fmt.Errorf("%w: blob %s failed digest verification", ErrProtocol, d.String())
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing blob file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("renaming blob into place: %w", err)
	}
	return nil
}

func statusErr(code int, what string) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuthFailed, what)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	default:
		return fmt.Errorf("%w: %s returned %d", ErrProtocol, what, code)
	}
}

func isIndexMedia(mediaType string) bool {
	switch types.MediaType(mediaType) {
	case types.DockerManifestList, types.OCIImageIndex:
		return true
	}
	return false
}
