// Package wire defines the JSON packet schema exchanged between BBS nodes.
// A packet is one file dropped into a mailer outbound directory; the remote
// side picks it up from its inbound directory. Packets are immutable once
// written and carry everything a handler needs in explicit fields.
package wire

import (
	"encoding/json"
	"strings"
	"time"
)

// Type tags a packet variant.
type Type string

const (
	TypeChallenge          Type = "challenge"
	TypeChallengeResponse  Type = "challenge_response"
	TypeAccept             Type = "accept"
	TypeDecline            Type = "decline"
	TypeMove               Type = "move"
	TypeMessage            Type = "message"
	TypeScoreUpdate        Type = "score_update"
	TypeNodeInfo           Type = "node_info"
	TypePlayerListRequest  Type = "player_list_request"
	TypePlayerListResponse Type = "player_list_response"
	TypeLeagueReset        Type = "league_reset"
	TypeResetAck           Type = "reset_acknowledgment"
	TypeNodeRegistryUpdate Type = "node_registry_update"
	TypeForfeit            Type = "forfeit"
)

// Identity names a user at a BBS. User may be empty for node-level packets.
type Identity struct {
	User     string `json:"user,omitempty"`
	BBS      string `json:"bbs"`
	Address  string `json:"address"`
	Sysop    string `json:"sysop,omitempty"`
	Location string `json:"location,omitempty"`
}

// NodeInfo is one entry of a distributed node registry.
type NodeInfo struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Sysop    string `json:"sysop,omitempty"`
	Location string `json:"location,omitempty"`
	LastSeen string `json:"last_seen,omitempty"`
}

// PlayerInfo is one entry of a player_list_response. Field names follow the
// on-disk player database so lists round-trip without translation.
type PlayerInfo struct {
	Username    string `json:"username"`
	LastSeen    string `json:"lastSeen,omitempty"`
	GamesPlayed int    `json:"gamesPlayed"`
	Wins        int    `json:"wins"`
	Losses      int    `json:"losses"`
	Draws       int    `json:"draws"`
}

// PlayerPair carries corrected seat identities on a challenge response.
type PlayerPair struct {
	White *Identity `json:"white,omitempty"`
	Black *Identity `json:"black,omitempty"`
}

// ResetComponents selects which local stores a league_reset clears.
type ResetComponents struct {
	Players  bool `json:"players"`
	Scores   bool `json:"scores"`
	Messages bool `json:"messages"`
	Games    bool `json:"games"`
}

// Packet is the wire unit. Only the fields relevant to Type are populated;
// Validate reports which ones a given type requires.
type Packet struct {
	Type        Type   `json:"type"`
	GameID      string `json:"game_id,omitempty"`
	ChallengeID string `json:"challenge_id,omitempty"`
	RequestID   string `json:"request_id,omitempty"`

	From *Identity `json:"from,omitempty"`
	To   *Identity `json:"to,omitempty"`

	Color       string   `json:"color,omitempty"`
	Move        string   `json:"move,omitempty"`
	FEN         string   `json:"fen,omitempty"`
	MoveHistory []string `json:"move_history,omitempty"`
	GameStatus  string   `json:"game_status,omitempty"`
	Accepted    *bool    `json:"accepted,omitempty"`

	// Players is either a {white,black} pair (challenge_response) or an
	// array of PlayerInfo (player_list_response); see PlayerPair/PlayerList.
	Players json.RawMessage `json:"players,omitempty"`

	Scores            *ScorePayload       `json:"scores,omitempty"`
	NodeRegistry      map[string]NodeInfo `json:"node_registry,omitempty"`
	ResetComponents   *ResetComponents    `json:"reset_components,omitempty"`
	LeagueCoordinator string              `json:"league_coordinator,omitempty"`

	Subject     string `json:"subject,omitempty"`
	Message     string `json:"message,omitempty"`
	Body        string `json:"body,omitempty"`
	TimeControl string `json:"time_control,omitempty"`
	Created     string `json:"created,omitempty"`

	// Legacy flat sender fields still emitted by old door versions.
	FromUser    string `json:"from_user,omitempty"`
	FromBBS     string `json:"bbs,omitempty"`
	FromAddress string `json:"address,omitempty"`
	ToUser      string `json:"to_user,omitempty"`
}

// Sender returns the packet sender identity, accepting both the nested from
// object and the legacy flat fields. Returns nil when neither is usable.
func (p *Packet) Sender() *Identity {
	if p.From != nil && (p.From.BBS != "" || p.From.Address != "") {
		return p.From
	}
	if p.FromUser != "" || p.FromBBS != "" || p.FromAddress != "" {
		return &Identity{User: p.FromUser, BBS: p.FromBBS, Address: p.FromAddress}
	}
	return nil
}

// RefID returns the challenge or game identifier, whichever is present.
func (p *Packet) RefID() string {
	if p.ChallengeID != "" {
		return p.ChallengeID
	}
	return p.GameID
}

// BodyText returns the message body, accepting either field name.
func (p *Packet) BodyText() string {
	if p.Message != "" {
		return p.Message
	}
	return p.Body
}

// TargetUser returns the addressed local user, accepting both shapes.
func (p *Packet) TargetUser() string {
	if p.To != nil && p.To.User != "" {
		return p.To.User
	}
	return p.ToUser
}

// PlayerPair decodes the players field as a white/black seat pair.
func (p *Packet) PlayerPair() (*PlayerPair, bool) {
	if len(p.Players) == 0 || p.Players[0] == '[' {
		return nil, false
	}
	var pair PlayerPair
	if err := json.Unmarshal(p.Players, &pair); err != nil {
		return nil, false
	}
	return &pair, true
}

// PlayerList decodes the players field as a roster array.
func (p *Packet) PlayerList() ([]PlayerInfo, bool) {
	if len(p.Players) == 0 || p.Players[0] != '[' {
		return nil, false
	}
	var list []PlayerInfo
	if err := json.Unmarshal(p.Players, &list); err != nil {
		return nil, false
	}
	return list, true
}

// SetPlayerPair and SetPlayerList populate the polymorphic players field.
func (p *Packet) SetPlayerPair(pair PlayerPair) {
	p.Players, _ = json.Marshal(pair)
}

func (p *Packet) SetPlayerList(list []PlayerInfo) {
	p.Players, _ = json.Marshal(list)
}

// NormalType lower-cases the declared type for dispatch.
func (p *Packet) NormalType() Type {
	return Type(strings.ToLower(strings.TrimSpace(string(p.Type))))
}

// Timestamp formats t the way packets and store files record time.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// Now returns the current packet timestamp.
func Now() string {
	return Timestamp(time.Now())
}
