// Package config loads bbs.cfg, the INI-style configuration every component
// receives by reference. There is no ambient global: main constructs one
// Config and passes it down.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BBSConfig identifies the local system on the network.
type BBSConfig struct {
	Name     string
	Address  string
	Sysop    string
	Location string
}

// DirConfig holds the mailer exchange directories and the local data dir.
type DirConfig struct {
	Inbound  string
	Outbound string
	Data     string
}

// MailerConfig describes how the external mailer is expected to behave and
// how aggressively we poll for its droppings.
type MailerConfig struct {
	Type          string
	PollPackets   bool
	AutoProcess   bool
	PollInterval  time.Duration
	FilenameSweep bool // degraded-mode scan fallback, see store.Scan
}

// LeagueConfig names the coordinator node authoritative for the registry.
type LeagueConfig struct {
	Coordinator string
}

type Config struct {
	BBS    BBSConfig
	Dirs   DirConfig
	Mailer MailerConfig
	League LeagueConfig
}

// Load reads the INI file at path, applies defaults for missing keys, and
// allows CHESSLINK_* environment overrides (e.g. CHESSLINK_BBS_ADDRESS).
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("ini")

	v.SetDefault("bbs.name", "Unknown BBS")
	v.SetDefault("bbs.operator", "SysOp")
	v.SetDefault("bbs.location", "")
	v.SetDefault("directories.inbound", "inbound")
	v.SetDefault("directories.outbound", "outbound")
	v.SetDefault("directories.data", "data")
	v.SetDefault("mailer.type", "binkd")
	v.SetDefault("mailer.poll_packets", true)
	v.SetDefault("mailer.auto_process", true)
	v.SetDefault("mailer.poll_interval", "60s")
	v.SetDefault("mailer.filename_sweep", false)
	v.SetDefault("league.coordinator", "")

	v.SetEnvPrefix("CHESSLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{
		BBS: BBSConfig{
			Name:     strings.TrimSpace(v.GetString("bbs.name")),
			Address:  strings.TrimSpace(v.GetString("bbs.address")),
			Sysop:    strings.TrimSpace(v.GetString("bbs.operator")),
			Location: strings.TrimSpace(v.GetString("bbs.location")),
		},
		Dirs: DirConfig{
			Inbound:  strings.TrimSpace(v.GetString("directories.inbound")),
			Outbound: strings.TrimSpace(v.GetString("directories.outbound")),
			Data:     strings.TrimSpace(v.GetString("directories.data")),
		},
		Mailer: MailerConfig{
			Type:          strings.TrimSpace(v.GetString("mailer.type")),
			PollPackets:   v.GetBool("mailer.poll_packets"),
			AutoProcess:   v.GetBool("mailer.auto_process"),
			PollInterval:  v.GetDuration("mailer.poll_interval"),
			FilenameSweep: v.GetBool("mailer.filename_sweep"),
		},
		League: LeagueConfig{
			Coordinator: strings.TrimSpace(v.GetString("league.coordinator")),
		},
	}

	if cfg.BBS.Address == "" {
		return nil, errors.New("bbs.address is required")
	}
	if cfg.Mailer.PollInterval <= 0 {
		cfg.Mailer.PollInterval = 60 * time.Second
	}
	return cfg, nil
}

// IsCoordinator reports whether the local node is the league coordinator.
func (c *Config) IsCoordinator() bool {
	return c.League.Coordinator != "" &&
		strings.EqualFold(c.League.Coordinator, c.BBS.Address)
}

// LocalKey is the score-table key for the local system,
// e.g. "A-Net Online (21:1/100)".
func (c *Config) LocalKey() string {
	return fmt.Sprintf("%s (%s)", c.BBS.Name, c.BBS.Address)
}

// Data file locations, all under the data directory.

func (c *Config) GamesFile() string    { return filepath.Join(c.Dirs.Data, "interbbs_games.json") }
func (c *Config) PlayersFile() string  { return filepath.Join(c.Dirs.Data, "players_db.json") }
func (c *Config) ScoresFile() string   { return filepath.Join(c.Dirs.Data, "scores.json") }
func (c *Config) MessagesFile() string { return filepath.Join(c.Dirs.Data, "messages.json") }
func (c *Config) NotifyFile() string   { return filepath.Join(c.Dirs.Data, "achess_notify.json") }
func (c *Config) NodesFile() string    { return filepath.Join(c.Dirs.Data, "chess_nodes.ini") }
func (c *Config) UsersFile() string    { return filepath.Join(c.Dirs.Data, "users.txt") }
func (c *Config) LogFile() string      { return filepath.Join(c.Dirs.Data, "interbbs.log") }
