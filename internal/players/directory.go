// Package players tracks the users known to play at each remote node,
// populated opportunistically from any packet that carries sender identity.
// Usernames compare case-insensitively; the stored casing follows the most
// recent sighting.
package players

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/anetonline/chesslink/internal/jsonfile"
	"github.com/anetonline/chesslink/internal/obslog"
	"github.com/anetonline/chesslink/pkg/wire"
)

// Directory is the per-node player database backed by players_db.json.
type Directory struct {
	mu   sync.Mutex
	path string
}

func Open(path string) *Directory {
	return &Directory{path: path}
}

func (d *Directory) load() (map[string][]wire.PlayerInfo, error) {
	db := make(map[string][]wire.PlayerInfo)
	if err := jsonfile.Load(d.path, &db); err != nil {
		return nil, err
	}
	return db, nil
}

// Sighting records that username was seen at nodeAddress now. An existing
// record (matched case-insensitively) has its casing and last_seen updated;
// otherwise a fresh record with zeroed counters is added.
func (d *Directory) Sighting(nodeAddress, username string) error {
	if nodeAddress == "" || strings.TrimSpace(username) == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	db, err := d.load()
	if err != nil {
		return err
	}
	list := db[nodeAddress]
	found := false
	for i := range list {
		if strings.EqualFold(list[i].Username, username) {
			if list[i].Username != username {
				obslog.L().Info("player_case_resolved",
					zap.String("node", nodeAddress),
					zap.String("old", list[i].Username),
					zap.String("new", username),
				)
			}
			list[i].Username = username
			list[i].LastSeen = wire.Now()
			found = true
			break
		}
	}
	if !found {
		list = append(list, wire.PlayerInfo{Username: username, LastSeen: wire.Now()})
		obslog.L().Info("player_added",
			zap.String("node", nodeAddress),
			zap.String("username", username),
		)
	}
	db[nodeAddress] = list
	return jsonfile.Save(d.path, db)
}

// RecordResult bumps the counters for username at nodeAddress.
// result is "win", "loss" or "draw".
func (d *Directory) RecordResult(nodeAddress, username, result string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	db, err := d.load()
	if err != nil {
		return err
	}
	list := db[nodeAddress]
	idx := -1
	for i := range list {
		if strings.EqualFold(list[i].Username, username) {
			idx = i
			break
		}
	}
	if idx < 0 {
		list = append(list, wire.PlayerInfo{Username: username})
		idx = len(list) - 1
	}
	list[idx].GamesPlayed++
	switch strings.ToLower(result) {
	case "win":
		list[idx].Wins++
	case "loss":
		list[idx].Losses++
	case "draw":
		list[idx].Draws++
	}
	list[idx].LastSeen = wire.Now()
	db[nodeAddress] = list
	return jsonfile.Save(d.path, db)
}

// ReplaceNode swaps out the entire roster for a node, used when a
// player_list_response arrives.
func (d *Directory) ReplaceNode(nodeAddress string, roster []wire.PlayerInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	db, err := d.load()
	if err != nil {
		return err
	}
	if roster == nil {
		roster = []wire.PlayerInfo{}
	}
	db[nodeAddress] = roster
	return jsonfile.Save(d.path, db)
}

// Resolve finds a player at a node by case-insensitive username.
func (d *Directory) Resolve(nodeAddress, username string) (wire.PlayerInfo, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	db, err := d.load()
	if err != nil {
		return wire.PlayerInfo{}, false, err
	}
	for _, p := range db[nodeAddress] {
		if strings.EqualFold(p.Username, username) {
			return p, true, nil
		}
	}
	return wire.PlayerInfo{}, false, nil
}

// All returns the whole directory keyed by node address.
func (d *Directory) All() (map[string][]wire.PlayerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.load()
}

// Reset clears every roster (league reset).
func (d *Directory) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return jsonfile.Save(d.path, map[string][]wire.PlayerInfo{})
}
