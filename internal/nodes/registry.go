// Package nodes maintains the address-keyed registry of known BBS systems,
// persisted as the line-oriented chess_nodes.ini every AChess installation
// shares. Conflict resolution authority belongs to the league coordinator;
// followers converge on its periodic node_registry_update broadcasts.
package nodes

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anetonline/chesslink/internal/obslog"
	"github.com/anetonline/chesslink/pkg/wire"
)

// Registry serializes all access to the node file. One instance per process.
type Registry struct {
	mu          sync.Mutex
	path        string
	coordinator string // configured coordinator address
	local       string // local node address
}

func Open(path, coordinatorAddr, localAddr string) *Registry {
	return &Registry{path: path, coordinator: coordinatorAddr, local: localAddr}
}

func (r *Registry) isCoordinator() bool {
	return r.coordinator != "" && strings.EqualFold(r.coordinator, r.local)
}

// All returns every known node keyed by address.
func (r *Registry) All() (map[string]wire.NodeInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// Get looks a node up by exact address.
func (r *Registry) Get(address string) (wire.NodeInfo, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes, err := r.load()
	if err != nil {
		return wire.NodeInfo{}, false, err
	}
	n, ok := nodes[address]
	return n, ok, nil
}

// FindByName looks a node up by case-insensitive BBS name.
func (r *Registry) FindByName(name string) (wire.NodeInfo, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes, err := r.load()
	if err != nil {
		return wire.NodeInfo{}, false, err
	}
	for _, n := range nodes {
		if strings.EqualFold(n.Name, name) {
			return n, true, nil
		}
	}
	return wire.NodeInfo{}, false, nil
}

// load reads chess_nodes.ini. Missing file yields an empty registry.
func (r *Registry) load() (map[string]wire.NodeInfo, error) {
	nodes := make(map[string]wire.NodeInfo)
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nodes, nil
		}
		return nil, fmt.Errorf("open node file: %w", err)
	}
	defer f.Close()

	current := make(map[string]string)
	flush := func() {
		if addr := current["address"]; addr != "" {
			nodes[addr] = wire.NodeInfo{
				Name:     firstNonEmpty(current["name"], current["bbs"], "Unknown BBS"),
				Address:  addr,
				Sysop:    firstNonEmpty(current["sysop"], current["operator"]),
				Location: current["location"],
				LastSeen: current["last_seen"],
			}
		}
		current = make(map[string]string)
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			flush()
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			current[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read node file: %w", err)
	}
	flush()
	return nodes, nil
}

// save rewrites chess_nodes.ini. Sections are emitted in address order so
// the file is deterministic across rewrites.
func (r *Registry) save(nodes map[string]wire.NodeInfo) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("mkdir node dir: %w", err)
	}
	var b strings.Builder
	b.WriteString("# InterBBS Chess Nodes Configuration\n")
	b.WriteString("# Generated: " + time.Now().Format("2006-01-02 15:04:05") + "\n\n")

	addrs := make([]string, 0, len(nodes))
	for addr := range nodes {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for i, addr := range addrs {
		n := nodes[addr]
		fmt.Fprintf(&b, "[Node%d]\n", i+1)
		fmt.Fprintf(&b, "name=%s\n", firstNonEmpty(n.Name, "Unknown BBS"))
		fmt.Fprintf(&b, "address=%s\n", addr)
		if n.Sysop != "" {
			fmt.Fprintf(&b, "sysop=%s\n", n.Sysop)
		}
		if n.Location != "" {
			fmt.Fprintf(&b, "location=%s\n", n.Location)
		}
		if n.LastSeen != "" {
			fmt.Fprintf(&b, "last_seen=%s\n", n.LastSeen)
		}
		b.WriteString("\n")
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write node file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("place node file: %w", err)
	}
	return nil
}

// Seen refreshes the node record behind any packet that carried sender
// identity. On the coordinator an unknown address becomes a new entry (via
// Register); followers only touch last_seen of already-known addresses,
// since new nodes must be introduced by the coordinator.
func (r *Registry) Seen(id *wire.Identity) error {
	if id == nil || id.Address == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes, err := r.load()
	if err != nil {
		return err
	}
	n, known := nodes[id.Address]
	if !known {
		if !r.isCoordinator() {
			obslog.L().Debug("node_sighting_skipped",
				zap.String("address", id.Address),
				zap.String("bbs", id.BBS),
			)
			return nil
		}
		n = wire.NodeInfo{Address: id.Address}
	}
	if id.BBS != "" {
		n.Name = id.BBS
	}
	if n.Name == "" {
		n.Name = "Unknown BBS"
	}
	if id.Sysop != "" {
		n.Sysop = id.Sysop
	}
	if id.Location != "" {
		n.Location = id.Location
	}
	n.LastSeen = wire.Now()
	nodes[id.Address] = n
	return r.save(nodes)
}

// Remove deletes a node by address. Only explicit coordinator action calls
// this; nothing removes nodes automatically.
func (r *Registry) Remove(address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes, err := r.load()
	if err != nil {
		return err
	}
	if _, ok := nodes[address]; !ok {
		return nil
	}
	delete(nodes, address)
	return r.save(nodes)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
