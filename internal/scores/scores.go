// Package scores keeps the per-node, per-player win/loss/draw summary and
// the derived rating. Summaries are a deterministic, order-independent fold
// over result events: rebuilding from the same log always reproduces the
// same table.
package scores

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/anetonline/chesslink/internal/jsonfile"
	"github.com/anetonline/chesslink/internal/obslog"
	"github.com/anetonline/chesslink/pkg/wire"
)

// BaseRating is every player's starting rating.
const BaseRating = 1200

// Rating derives a rating from cumulative wins and losses. Draws do not
// move the rating.
func Rating(wins, losses int) int {
	return BaseRating + 25*wins - 15*losses
}

// ResultEvent is one entry of a flat result log.
type ResultEvent struct {
	User   string `json:"user"`
	Result string `json:"result"` // contains "win", "loss" or "draw"
}

// Summarize folds a result log into per-player entries. The fold is
// commutative: log order never changes the outcome.
func Summarize(events []ResultEvent) map[string]wire.ScoreEntry {
	stats := make(map[string]wire.ScoreEntry)
	for _, ev := range events {
		if strings.TrimSpace(ev.User) == "" {
			continue
		}
		e := stats[ev.User]
		result := strings.ToLower(ev.Result)
		switch {
		case strings.Contains(result, "win"):
			e.Wins++
		case strings.Contains(result, "loss"):
			e.Losses++
		case strings.Contains(result, "draw"):
			e.Draws++
		}
		e.Rating = Rating(e.Wins, e.Losses)
		stats[ev.User] = e
	}
	return stats
}

// Store is the score table backed by scores.json, keyed
// "BBS Name (address)" then username.
type Store struct {
	mu       sync.Mutex
	path     string
	localKey string
}

func Open(path, localKey string) *Store {
	return &Store{path: path, localKey: localKey}
}

// load reads scores.json. A legacy array-form file (flat game history) is
// converted to summary form under the local key.
func (s *Store) load() (map[string]map[string]wire.ScoreEntry, error) {
	table := make(map[string]map[string]wire.ScoreEntry)
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return table, nil
		}
		return nil, fmt.Errorf("read scores: %w", err)
	}
	if len(b) == 0 {
		return table, nil
	}
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "[") {
		var events []ResultEvent
		if err := json.Unmarshal(b, &events); err != nil {
			return nil, fmt.Errorf("parse score history: %w", err)
		}
		table[s.localKey] = Summarize(events)
		return table, nil
	}
	if err := json.Unmarshal(b, &table); err != nil {
		return nil, fmt.Errorf("parse scores: %w", err)
	}
	return table, nil
}

// Merge applies an inbound score payload under bbsKey. Username case
// conflicts keep the previously stored casing.
func (s *Store) Merge(bbsKey string, payload *wire.ScorePayload) error {
	if payload == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.load()
	if err != nil {
		return err
	}
	users := table[bbsKey]
	if users == nil {
		users = make(map[string]wire.ScoreEntry)
	}
	names := make([]string, 0, len(payload.Entries))
	for name := range payload.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stored := name
		for existing := range users {
			if strings.EqualFold(existing, name) {
				stored = existing
				break
			}
		}
		if stored != name {
			obslog.L().Info("score_case_resolved",
				zap.String("bbs", bbsKey),
				zap.String("incoming", name),
				zap.String("stored", stored),
			)
		}
		users[stored] = payload.Entries[name]
	}
	table[bbsKey] = users
	return jsonfile.Save(s.path, table)
}

// RecordResult applies one local game result ("win", "loss" or "draw") for
// username under the local key and rederives the rating.
func (s *Store) RecordResult(username, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.load()
	if err != nil {
		return err
	}
	users := table[s.localKey]
	if users == nil {
		users = make(map[string]wire.ScoreEntry)
	}
	stored := username
	for existing := range users {
		if strings.EqualFold(existing, username) {
			stored = existing
			break
		}
	}
	e := users[stored]
	switch strings.ToLower(result) {
	case "win":
		e.Wins++
	case "loss":
		e.Losses++
	case "draw":
		e.Draws++
	}
	e.Rating = Rating(e.Wins, e.Losses)
	users[stored] = e
	table[s.localKey] = users
	return jsonfile.Save(s.path, table)
}

// Local returns the local system's score entries.
func (s *Store) Local() (map[string]wire.ScoreEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.load()
	if err != nil {
		return nil, err
	}
	users := table[s.localKey]
	if users == nil {
		users = make(map[string]wire.ScoreEntry)
	}
	return users, nil
}

// All returns the full table.
func (s *Store) All() (map[string]map[string]wire.ScoreEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Reset clears the table (league reset).
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return jsonfile.Save(s.path, map[string]map[string]wire.ScoreEntry{})
}
