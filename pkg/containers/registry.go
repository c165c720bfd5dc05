// Package containers persists the name -> {ip, netns} records for live
// containers and hands out IPs from the container subnet.
package containers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/nielstenboom/shocker/pkg/network"
)

var (
	// ErrNameConflict means a record with that name already exists.
	ErrNameConflict = errors.New("container name already registered")
	// ErrSubnetExhausted means no host address below .255 is left.
	ErrSubnetExhausted = errors.New("container subnet exhausted")
)

const registryFile = "containers.json"
const lockFile = "containers.lock"

// Record is the persisted state of one live container.
type Record struct {
	IP    string `json:"ip"`
	Netns string `json:"netns"`
}

// Entry pairs a record with its name, preserving file order.
type Entry struct {
	Name string
	Record
}

// Registry is the file-backed container store. All mutations are
// read-modify-write against a single JSON document, made tear-free by
// writing to a temp file and renaming. Cross-process atomicity of
// AllocateIP+Register is the caller's job via Lock/Unlock.
type Registry struct {
	path   string
	subnet *net.IPNet
	fl     *flock.Flock
	log    *zap.SugaredLogger
}

// New returns a registry rooted at stateDir, allocating from subnet.
func New(stateDir string, subnet *net.IPNet, log *zap.SugaredLogger) *Registry {
	return &Registry{
		path:   filepath.Join(stateDir, registryFile),
		subnet: subnet,
		fl:     flock.New(filepath.Join(stateDir, lockFile)),
		log:    log.Named("containers"),
	}
}

// Lock takes the process-wide advisory lock. Hold it only across
// AllocateIP+Register, never across a child's execution.
func (r *Registry) Lock() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	if err := r.fl.Lock(); err != nil {
		return fmt.Errorf("locking %s: %w", r.fl.Path(), err)
	}
	return nil
}

// Unlock releases the advisory lock.
func (r *Registry) Unlock() error {
	return r.fl.Unlock()
}

// AllocateIP returns the next free address. An empty registry yields the
// subnet's .2 (the first host address after the gateway); otherwise the
// highest in-use last octet plus one. Holes left by exited containers are
// not reclaimed.
func (r *Registry) AllocateIP() (net.IP, error) {
	entries, err := r.load()
	if err != nil {
		return nil, err
	}

	next := 2
	for _, e := range entries {
		ip := net.ParseIP(e.IP)
		if ip == nil {
			continue
		}
		oct := int(ip.To4()[3])
		if oct+1 > next {
			next = oct + 1
		}
	}
	if next > 254 {
		return nil, fmt.Errorf("%w: next octet %d", ErrSubnetExhausted, next)
	}

	base := network.IPToUint32(r.subnet.IP)
	return network.Uint32ToIP(base&^0xff | uint32(next)), nil
}

// Register adds a record. Fails with ErrNameConflict if name is taken.
func (r *Registry) Register(name string, ip net.IP, netnsName string) error {
	entries, err := r.load()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == name {
			return fmt.Errorf("%w: %q", ErrNameConflict, name)
		}
	}
	entries = append(entries, Entry{Name: name, Record: Record{IP: ip.String(), Netns: netnsName}})
	if err := r.save(entries); err != nil {
		return err
	}
	r.log.Infow("container registered", "name", name, "ip", ip.String(), "netns", netnsName)
	return nil
}

// Unregister removes a record. Removing an absent name is not an error.
func (r *Registry) Unregister(name string) error {
	entries, err := r.load()
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.Name != name {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}
	if err := r.save(kept); err != nil {
		return err
	}
	r.log.Infow("container unregistered", "name", name)
	return nil
}

// List returns all records in file order.
func (r *Registry) List() ([]Entry, error) {
	return r.load()
}

// IPOf returns the IP recorded for name, or "" when unknown.
func (r *Registry) IPOf(name string) (string, error) {
	entries, err := r.load()
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Name == name {
			return e.IP, nil
		}
	}
	return "", nil
}

// HostsFile renders one "<ip>\t<name>" line per record, in file order.
func (r *Registry) HostsFile() (string, error) {
	entries, err := r.load()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s\t%s\n", e.IP, e.Name)
	}
	return b.String(), nil
}

// load reads the registry file. Both the bare {name: record} form and the
// wrapped {"containers": {...}} form are accepted; a missing file is empty.
func (r *Registry) load() ([]Entry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", r.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", r.path, err)
	}
	if inner, ok := probe["containers"]; ok {
		data = inner
	}

	return decodeOrdered(data)
}

// decodeOrdered walks the JSON object token by token so that insertion
// order survives the round trip; encoding/json maps would lose it.
func decodeOrdered(data []byte) ([]Entry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parsing registry document: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("registry document is not a JSON object")
	}

	var entries []Entry
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parsing registry key: %w", err)
		}
		name := keyTok.(string)

		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("parsing record %q: %w", name, err)
		}
		entries = append(entries, Entry{Name: name, Record: rec})
	}
	return entries, nil
}

// save writes the wrapped form atomically: temp file in the same directory,
// then rename.
func (r *Registry) save(entries []Entry) error {
	var buf bytes.Buffer
	buf.WriteString("{\n  \"containers\": {")
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		nameJSON, err := json.Marshal(e.Name)
		if err != nil {
			return err
		}
		recJSON, err := json.Marshal(e.Record)
		if err != nil {
			return err
		}
		buf.WriteString("\n    ")
		buf.Write(nameJSON)
		buf.WriteString(": ")
		buf.Write(recJSON)
	}
	if len(entries) > 0 {
		buf.WriteString("\n  ")
	}
	buf.WriteString("}\n}\n")

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), registryFile+".*")
	if err != nil {
		return fmt.Errorf("creating temp registry file: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing registry temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing registry file: %w", err)
	}
	return nil
}
