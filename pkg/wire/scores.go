package wire

import (
	"encoding/json"
	"fmt"
)

// ScoreEntry is one player's cumulative record.
type ScoreEntry struct {
	Wins   int `json:"wins"`
	Losses int `json:"losses"`
	Draws  int `json:"draws"`
	Rating int `json:"rating"`
}

// ScorePayload is the scores field of a score_update packet. Older doors send
// an array of {name|user, wins, losses, draws, rating}; newer ones send a map
// keyed by username. Both decode to the map form; marshalling always emits
// the map form.
type ScorePayload struct {
	Entries map[string]ScoreEntry
}

type scoreArrayEntry struct {
	Name   string `json:"name"`
	User   string `json:"user"`
	Wins   int    `json:"wins"`
	Losses int    `json:"losses"`
	Draws  int    `json:"draws"`
	Rating int    `json:"rating"`
}

func (s *ScorePayload) UnmarshalJSON(b []byte) error {
	s.Entries = make(map[string]ScoreEntry)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '[' {
		var arr []scoreArrayEntry
		if err := json.Unmarshal(b, &arr); err != nil {
			return fmt.Errorf("decode score array: %w", err)
		}
		for _, e := range arr {
			name := e.Name
			if name == "" {
				name = e.User
			}
			if name == "" {
				continue
			}
			s.Entries[name] = ScoreEntry{Wins: e.Wins, Losses: e.Losses, Draws: e.Draws, Rating: e.Rating}
		}
		return nil
	}
	var m map[string]ScoreEntry
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("decode score map: %w", err)
	}
	s.Entries = m
	return nil
}

func (s ScorePayload) MarshalJSON() ([]byte, error) {
	if s.Entries == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.Entries)
}
