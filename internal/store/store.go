// Package store moves packets across the filesystem boundary: atomic writes
// into the outbound directory, enumeration and parsing of the inbound
// directory, and quarantine/archive disposition after processing. It carries
// no protocol logic.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anetonline/chesslink/internal/obslog"
	"github.com/anetonline/chesslink/pkg/wire"
)

// ErrMalformed marks an inbound file that did not parse as a packet. The
// file has already been quarantined when this is returned.
var ErrMalformed = errors.New("malformed packet file")

const (
	quarantineDir = "error"
	archiveDir    = "processed"
)

type Store struct {
	inbound  string
	outbound string
	sweep    bool
}

// New prepares a packet store over the given directories. The quarantine and
// archive subdirectories are created on demand. sweep enables the degraded
// filename-sweep fallback when the inbound directory cannot be listed.
func New(inbound, outbound string, sweep bool) *Store {
	return &Store{inbound: inbound, outbound: outbound, sweep: sweep}
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9]`)

// SanitizeAddress maps a network address to a filename-safe token.
func SanitizeAddress(addr string) string {
	return unsafeChars.ReplaceAllString(addr, "_")
}

// Write serializes the packet into the outbound directory under a unique
// name and returns the written path. kind names the packet family in the
// filename; addr is the destination address.
func (s *Store) Write(p *wire.Packet, kind, addr string) (string, error) {
	if err := os.MkdirAll(s.outbound, 0o755); err != nil {
		return "", fmt.Errorf("outbound dir: %w", err)
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode packet: %w", err)
	}
	name := fmt.Sprintf("achess_%s_%s_%d_%s.json",
		kind, SanitizeAddress(addr), time.Now().UnixNano(), uuid.NewString()[:8])
	path := filepath.Join(s.outbound, name)

	tmp, err := os.CreateTemp(s.outbound, ".out-*")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write packet: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close packet: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("place packet: %w", err)
	}
	obslog.L().Debug("packet_written",
		zap.String("type", string(p.Type)),
		zap.String("file", name),
	)
	return path, nil
}

// Scan returns candidate packet files from the inbound directory, sorted by
// name. When the directory cannot be enumerated and the sweep fallback is
// enabled, candidate names are reconstructed from known patterns instead.
func (s *Store) Scan() ([]string, error) {
	entries, err := os.ReadDir(s.inbound)
	if err != nil {
		if s.sweep {
			obslog.L().Warn("inbound_scan_fallback", zap.Error(err))
			return s.sweepCandidates(), nil
		}
		return nil, fmt.Errorf("scan inbound: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			files = append(files, filepath.Join(s.inbound, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Consume parses the packet file at path. Malformed JSON quarantines the
// file and reports ErrMalformed; the caller's scan loop continues.
func (s *Store) Consume(path string) (*wire.Packet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read packet %s: %w", path, err)
	}
	var p wire.Packet
	if err := json.Unmarshal(b, &p); err != nil {
		obslog.L().Error("packet_parse_error",
			zap.String("file", filepath.Base(path)),
			zap.Error(err),
		)
		if qerr := s.Quarantine(path); qerr != nil {
			obslog.L().Error("quarantine_failed", zap.String("file", path), zap.Error(qerr))
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformed, filepath.Base(path))
	}
	return &p, nil
}

// Quarantine moves a problem file into the error subdirectory for manual
// inspection; it is never deleted.
func (s *Store) Quarantine(path string) error {
	return s.relocate(path, filepath.Join(s.inbound, quarantineDir))
}

// Archive moves a successfully processed file into the processed
// subdirectory.
func (s *Store) Archive(path string) error {
	return s.relocate(path, filepath.Join(s.inbound, archiveDir))
}

func (s *Store) relocate(path, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dst); err == nil {
		return nil
	}
	// rename across filesystems can fail; fall back to copy+remove
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return os.Remove(path)
}
