package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/anetonline/chesslink/pkg/wire"
)

func newTestStore(t *testing.T) (*Store, string, string) {
	t.Helper()
	dir := t.TempDir()
	in := filepath.Join(dir, "inbound")
	out := filepath.Join(dir, "outbound")
	if err := os.MkdirAll(in, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return New(in, out, false), in, out
}

func TestWriteProducesParseableFile(t *testing.T) {
	s, _, out := newTestStore(t)
	p := &wire.Packet{
		Type:        wire.TypeChallenge,
		ChallengeID: "c1",
		From:        &wire.Identity{User: "Alice", BBS: "A-Net", Address: "21:1/100"},
	}
	path, err := s.Write(p, "challenge", "21:2/200")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if filepath.Dir(path) != out {
		t.Fatalf("written outside outbound: %s", path)
	}
	name := filepath.Base(path)
	if want := "achess_challenge_21_2_200_"; len(name) < len(want) || name[:len(want)] != want {
		t.Fatalf("filename = %q", name)
	}

	// The written file must parse back through Consume.
	got, err := s.Consume(path)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got.ChallengeID != "c1" || got.From.User != "Alice" {
		t.Fatalf("roundtrip: %+v", got)
	}
}

func TestWriteUniqueNames(t *testing.T) {
	s, _, _ := newTestStore(t)
	p := &wire.Packet{Type: wire.TypeMessage, From: &wire.Identity{BBS: "A", Address: "21:1/100"}}
	a, err := s.Write(p, "message", "21:2/200")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	b, err := s.Write(p, "message", "21:2/200")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if a == b {
		t.Fatalf("colliding filenames: %s", a)
	}
}

func TestScanOnlyJSON(t *testing.T) {
	s, in, _ := newTestStore(t)
	for _, name := range []string{"b.json", "a.JSON", "readme.txt", "c.json.bak"} {
		if err := os.WriteFile(filepath.Join(in, name), []byte("{}"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(in, "processed"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	files, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
	if filepath.Base(files[0]) != "a.JSON" || filepath.Base(files[1]) != "b.json" {
		t.Fatalf("not sorted: %v", files)
	}
}

func TestConsumeMalformedQuarantines(t *testing.T) {
	s, in, _ := newTestStore(t)
	bad := filepath.Join(in, "achess_move_bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := s.Consume(bad)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := os.Stat(bad); !os.IsNotExist(err) {
		t.Fatal("malformed file still in inbound")
	}
	moved := filepath.Join(in, "error", "achess_move_bad.json")
	if _, err := os.Stat(moved); err != nil {
		t.Fatalf("not quarantined: %v", err)
	}
}

func TestArchive(t *testing.T) {
	s, in, _ := newTestStore(t)
	f := filepath.Join(in, "achess_message_ok.json")
	if err := os.WriteFile(f, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Archive(f); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(in, "processed", "achess_message_ok.json")); err != nil {
		t.Fatalf("not archived: %v", err)
	}
}

func TestSanitizeAddress(t *testing.T) {
	if got := SanitizeAddress("21:1/100.5@fsxnet"); got != "21_1_100_5_fsxnet" {
		t.Fatalf("SanitizeAddress = %q", got)
	}
}

func TestScanSweepFallback(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "gone")
	s := New(missing, filepath.Join(dir, "outbound"), true)
	files, err := s.Scan()
	if err != nil {
		t.Fatalf("sweep fallback errored: %v", err)
	}
	// Nothing exists, so the sweep finds nothing, but the scan degrades
	// instead of failing.
	if len(files) != 0 {
		t.Fatalf("files = %v", files)
	}

	strict := New(missing, filepath.Join(dir, "outbound"), false)
	if _, err := strict.Scan(); err == nil {
		t.Fatal("expected error without sweep fallback")
	}
}
