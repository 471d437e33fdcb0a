package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Filename patterns older doors have been observed to use, checked over a
// multi-day window when directory listing is unavailable. This is a
// best-effort degraded mode, not a correctness guarantee: prefer real
// enumeration and enable the sweep only where the host cannot list
// directories.
var sweepPrefixes = []string{
	"chess_", "achess_", "packet_", "challenge_", "move_", "message_", "mail_",
}

var sweepSimpleNames = []string{
	"test.json", "packet.json", "chess.json", "challenge.json",
}

const sweepDays = 7

func (s *Store) sweepCandidates() []string {
	var files []string
	now := time.Now()
	for day := 0; day < sweepDays; day++ {
		t := now.AddDate(0, 0, -day)
		stamps := []string{
			t.Format("20060102_150405"),
			t.Format("20060102"),
			fmt.Sprintf("%d", t.Unix()),
		}
		for _, prefix := range sweepPrefixes {
			for _, stamp := range stamps {
				path := filepath.Join(s.inbound, prefix+stamp+".json")
				if _, err := os.Stat(path); err == nil {
					files = append(files, path)
				}
			}
		}
	}
	for _, name := range sweepSimpleNames {
		path := filepath.Join(s.inbound, name)
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}
	return files
}
