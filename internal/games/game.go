// Package games is the ledger of in-flight and historical InterBBS matches.
package games

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anetonline/chesslink/pkg/wire"
)

// Status is a game's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"  // inbound challenge awaiting a response
	StatusSent     Status = "sent"     // outbound challenge awaiting the remote response
	StatusActive   Status = "active"
	StatusDeclined Status = "declined"
	StatusFinished Status = "finished"
)

// Terminal reports whether the status accepts no further packets.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusDeclined
}

// Color identifies a side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Flip() Color {
	if c == White {
		return Black
	}
	return White
}

// Seat is one side's occupant.
type Seat struct {
	User    string `json:"user"`
	BBS     string `json:"bbs"`
	Address string `json:"address"`
}

// Players holds both seats. Exactly one side is white and one is black.
type Players struct {
	White Seat `json:"white"`
	Black Seat `json:"black"`
}

// Game is one match played across two BBS systems. Timestamps are stored as
// packet-format strings so the ledger file round-trips with other AChess
// installations. Turn is authoritative; MoveHistory is advisory, kept for
// display and duplicate detection.
type Game struct {
	GameID           string   `json:"game_id"`
	ChallengeID      string   `json:"challenge_id"`
	Status           Status   `json:"status"`
	Players          Players  `json:"players"`
	FEN              string   `json:"fen"`
	Turn             Color    `json:"turn"`
	MoveHistory      []string `json:"move_history"`
	Created          string   `json:"created"`
	LastUpdate       string   `json:"last_update"`
	ChallengeMessage string   `json:"challenge_message,omitempty"`
	TimeControl      string   `json:"time_control,omitempty"`
	Result           string   `json:"result,omitempty"`
}

// Matches reports whether id refers to this game by either identifier.
func (g *Game) Matches(id string) bool {
	return id != "" && (g.GameID == id || g.ChallengeID == id)
}

// SeatOf returns the color seated by user (case-insensitive), if any.
func (g *Game) SeatOf(user string) (Color, bool) {
	if strings.EqualFold(g.Players.White.User, user) {
		return White, true
	}
	if strings.EqualFold(g.Players.Black.User, user) {
		return Black, true
	}
	return "", false
}

// SeatFor returns the seat record for a color.
func (g *Game) SeatFor(c Color) Seat {
	if c == White {
		return g.Players.White
	}
	return g.Players.Black
}

// Opponent returns the other seat relative to user.
func (g *Game) Opponent(user string) (Seat, bool) {
	c, ok := g.SeatOf(user)
	if !ok {
		return Seat{}, false
	}
	return g.SeatFor(c.Flip()), true
}

var nonDigits = regexp.MustCompile(`[^0-9]`)

// NewGameID builds a globally unique game identifier from the local
// address, a timestamp and a random suffix.
func NewGameID(localAddress string) string {
	return fmt.Sprintf("%s_%s_%s",
		nonDigits.ReplaceAllString(localAddress, ""),
		time.Now().UTC().Format("20060102T150405"),
		uuid.NewString()[:8])
}

// NewChallengeID derives the challenge identifier for a fresh challenge.
func NewChallengeID(localAddress string) string {
	return "challenge_" + NewGameID(localAddress)
}

func identityToSeat(id *wire.Identity) Seat {
	if id == nil {
		return Seat{}
	}
	return Seat{User: id.User, BBS: id.BBS, Address: id.Address}
}
