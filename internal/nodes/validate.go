package nodes

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anetonline/chesslink/internal/obslog"
	"github.com/anetonline/chesslink/pkg/wire"
)

var (
	// ErrMissingAddress rejects a registration with no network address.
	ErrMissingAddress = errors.New("node registration missing address")

	// ErrNameConflict rejects a registration whose name already belongs to
	// a different address. Stale or conflicting registrations are resolved
	// by the coordinator, never silently duplicated.
	ErrNameConflict = errors.New("node name conflict")

	// ErrUnknownNode rejects, on follower systems, an address the
	// coordinator has not yet introduced.
	ErrUnknownNode = errors.New("node not introduced by coordinator")

	// ErrRename rejects a known address attempting to change its name.
	ErrRename = errors.New("node rename rejected")

	// ErrNotCoordinator guards coordinator-only operations.
	ErrNotCoordinator = errors.New("local node is not the league coordinator")
)

// Register validates and applies a node_info registration. Coordinator rules:
// a new address is accepted unless its name collides case-insensitively with
// a different address. Follower rules: the address must already exist, and
// its name must not change.
func (r *Registry) Register(info wire.NodeInfo) error {
	if strings.TrimSpace(info.Address) == "" {
		return ErrMissingAddress
	}
	if strings.TrimSpace(info.Name) == "" {
		info.Name = "Unknown BBS"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	nodes, err := r.load()
	if err != nil {
		return err
	}

	existing, known := nodes[info.Address]
	if r.isCoordinator() {
		for addr, n := range nodes {
			if addr != info.Address && strings.EqualFold(n.Name, info.Name) {
				obslog.L().Warn("node_name_conflict",
					zap.String("name", info.Name),
					zap.String("address", info.Address),
					zap.String("holder", addr),
				)
				return fmt.Errorf("%w: %q already registered to %s", ErrNameConflict, info.Name, addr)
			}
		}
	} else {
		if !known {
			return fmt.Errorf("%w: %s", ErrUnknownNode, info.Address)
		}
		if !strings.EqualFold(existing.Name, info.Name) {
			obslog.L().Warn("node_rename_rejected",
				zap.String("address", info.Address),
				zap.String("old", existing.Name),
				zap.String("new", info.Name),
			)
			return fmt.Errorf("%w: %s -> %s", ErrRename, existing.Name, info.Name)
		}
	}

	info.LastSeen = wire.Now()
	nodes[info.Address] = info
	return r.save(nodes)
}

// Merge applies a coordinator-distributed registry, overwriting conflicting
// local entries. Authority has been checked by the caller.
func (r *Registry) Merge(registry map[string]wire.NodeInfo) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes, err := r.load()
	if err != nil {
		return 0, err
	}
	applied := 0
	for addr, n := range registry {
		if strings.TrimSpace(addr) == "" {
			continue
		}
		n.Address = addr
		nodes[addr] = n
		applied++
	}
	if applied == 0 {
		return 0, nil
	}
	return applied, r.save(nodes)
}

// Deduplicate groups the registry by normalized name and keeps one entry per
// name: an address present in master (the coordinator's view) wins, then the
// most recent last_seen. Removed entries are returned and logged.
func (r *Registry) Deduplicate(master map[string]wire.NodeInfo) ([]wire.NodeInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes, err := r.load()
	if err != nil {
		return nil, err
	}

	byName := make(map[string][]wire.NodeInfo)
	for _, n := range nodes {
		key := strings.ToLower(strings.TrimSpace(n.Name))
		byName[key] = append(byName[key], n)
	}

	var removed []wire.NodeInfo
	for _, group := range byName {
		if len(group) < 2 {
			continue
		}
		keep := group[0]
		for _, n := range group[1:] {
			if betterNode(n, keep, master) {
				keep = n
			}
		}
		for _, n := range group {
			if n.Address == keep.Address {
				continue
			}
			obslog.L().Warn("node_deduplicated",
				zap.String("name", n.Name),
				zap.String("removed", n.Address),
				zap.String("kept", keep.Address),
			)
			delete(nodes, n.Address)
			removed = append(removed, n)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	return removed, r.save(nodes)
}

func betterNode(a, b wire.NodeInfo, master map[string]wire.NodeInfo) bool {
	if master != nil {
		_, aIn := master[a.Address]
		_, bIn := master[b.Address]
		if aIn != bIn {
			return aIn
		}
	}
	return lastSeenTime(a).After(lastSeenTime(b))
}

func lastSeenTime(n wire.NodeInfo) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05Z", time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, n.LastSeen); err == nil {
			return t
		}
	}
	return time.Time{}
}
