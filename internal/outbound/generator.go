// Package outbound turns local actions into packets in the outbound
// directory and keeps the local stores consistent with what was sent.
package outbound

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/anetonline/chesslink/internal/config"
	"github.com/anetonline/chesslink/internal/engine"
	"github.com/anetonline/chesslink/internal/games"
	"github.com/anetonline/chesslink/internal/nodes"
	"github.com/anetonline/chesslink/internal/obslog"
	"github.com/anetonline/chesslink/internal/players"
	"github.com/anetonline/chesslink/internal/scores"
	"github.com/anetonline/chesslink/internal/store"
	"github.com/anetonline/chesslink/pkg/wire"
)

var (
	ErrUnknownTarget = errors.New("unknown target node")
	ErrNotYourTurn   = errors.New("not this player's turn")
)

// Generator writes outbound packets. One per process.
type Generator struct {
	cfg     *config.Config
	store   *store.Store
	nodes   *nodes.Registry
	games   *games.Ledger
	scores  *scores.Store
	players *players.Directory
}

func New(cfg *config.Config, st *store.Store, reg *nodes.Registry, ledger *games.Ledger, sc *scores.Store, dir *players.Directory) *Generator {
	return &Generator{cfg: cfg, store: st, nodes: reg, games: ledger, scores: sc, players: dir}
}

// localIdentity builds the from block for an outbound packet.
func (g *Generator) localIdentity(user string) *wire.Identity {
	return &wire.Identity{
		User:     user,
		BBS:      g.cfg.BBS.Name,
		Address:  g.cfg.BBS.Address,
		Sysop:    g.cfg.BBS.Sysop,
		Location: g.cfg.BBS.Location,
	}
}

// resolveTarget finds a node by exact address first, then by
// case-insensitive BBS name.
func (g *Generator) resolveTarget(target string) (wire.NodeInfo, error) {
	if n, ok, err := g.nodes.Get(target); err != nil {
		return wire.NodeInfo{}, err
	} else if ok {
		return n, nil
	}
	if n, ok, err := g.nodes.FindByName(target); err != nil {
		return wire.NodeInfo{}, err
	} else if ok {
		return n, nil
	}
	return wire.NodeInfo{}, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
}

func nodeIdentity(n wire.NodeInfo, user string) *wire.Identity {
	return &wire.Identity{User: user, BBS: n.Name, Address: n.Address}
}

// Challenge records an outbound challenge in the ledger and writes the
// packet. toUser may be empty; the remote side treats the challenge as open.
func (g *Generator) Challenge(target, fromUser, toUser, message, timeControl string) (string, error) {
	node, err := g.resolveTarget(target)
	if err != nil {
		return "", err
	}
	id := games.NewChallengeID(g.cfg.BBS.Address)
	challenger := g.localIdentity(fromUser)
	challenged := nodeIdentity(node, toUser)
	if _, err := g.games.CreateChallenge(id, challenger, challenged, games.StatusSent, message); err != nil {
		return "", err
	}
	p := &wire.Packet{
		Type:        wire.TypeChallenge,
		ChallengeID: id,
		GameID:      id,
		From:        challenger,
		To:          challenged,
		Color:       "white",
		Message:     message,
		TimeControl: timeControl,
		Created:     wire.Now(),
	}
	if _, err := g.store.Write(p, "challenge", node.Address); err != nil {
		return "", err
	}
	obslog.L().Info("challenge_sent",
		zap.String("challenge_id", id),
		zap.String("to", node.Address),
	)
	return id, nil
}

// Accept answers an inbound challenge positively: the ledger entry becomes
// active with acceptor seated black, and a challenge_response goes back to
// the challenger carrying the final seat pair.
func (g *Generator) Accept(id, acceptingUser string) error {
	game, err := g.games.Accept(id, g.localIdentity(acceptingUser))
	if err != nil {
		return err
	}
	accepted := true
	p := &wire.Packet{
		Type:        wire.TypeChallengeResponse,
		ChallengeID: game.ChallengeID,
		GameID:      game.GameID,
		Accepted:    &accepted,
		From:        g.localIdentity(acceptingUser),
		To:          seatIdentity(game.Players.White),
		Created:     wire.Now(),
	}
	p.SetPlayerPair(wire.PlayerPair{
		White: seatIdentity(game.Players.White),
		Black: seatIdentity(game.Players.Black),
	})
	_, err = g.store.Write(p, "accept", game.Players.White.Address)
	return err
}

// Decline answers an inbound challenge negatively.
func (g *Generator) Decline(id, decliningUser string) error {
	game, err := g.games.Decline(id)
	if err != nil {
		return err
	}
	accepted := false
	p := &wire.Packet{
		Type:        wire.TypeChallengeResponse,
		ChallengeID: game.ChallengeID,
		GameID:      game.GameID,
		Accepted:    &accepted,
		From:        g.localIdentity(decliningUser),
		To:          seatIdentity(game.Players.White),
		Created:     wire.Now(),
	}
	_, err = g.store.Write(p, "decline", game.Players.White.Address)
	return err
}

// Move applies a local player's move through the rules engine, updates the
// ledger, and sends the move packet to the opponent. Terminal positions are
// scored locally; the packet carries game_status so the remote side agrees.
func (g *Generator) Move(id, user, move string) (*engine.Result, error) {
	game, err := g.games.Find(id)
	if err != nil {
		return nil, err
	}
	seat, ok := game.SeatOf(user)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", games.ErrNotPlaying, user, id)
	}
	if seat != game.Turn {
		return nil, fmt.Errorf("%w: %s", ErrNotYourTurn, user)
	}
	res, err := engine.ApplyMove(game.FEN, move)
	if err != nil {
		return nil, err
	}

	var status string
	switch res.Termination {
	case engine.TermCheckmate:
		status = "checkmate"
	case engine.TermStalemate:
		status = "stalemate"
	}
	game, _, err = g.games.ApplyMove(id, res.UCI, res.FEN, games.Color(res.Turn), status, res.Winner)
	if err != nil {
		return nil, err
	}
	if status != "" {
		g.scoreTerminal(game, status, res.Winner)
	}

	opponent, _ := game.Opponent(user)
	p := &wire.Packet{
		Type:        wire.TypeMove,
		GameID:      game.GameID,
		From:        g.localIdentity(user),
		To:          seatIdentity(opponent),
		Move:        res.UCI,
		FEN:         res.FEN,
		MoveHistory: game.MoveHistory,
		GameStatus:  status,
		Color:       res.Winner,
		Created:     wire.Now(),
	}
	if _, err := g.store.Write(p, "move", opponent.Address); err != nil {
		return nil, err
	}
	return res, nil
}

// scoreTerminal records a finished game's outcome for any locally seated
// players.
func (g *Generator) scoreTerminal(game *games.Game, status, winner string) {
	for _, c := range []games.Color{games.White, games.Black} {
		seat := game.SeatFor(c)
		if !strings.EqualFold(seat.Address, g.cfg.BBS.Address) || seat.User == "" {
			continue
		}
		result := "draw"
		if status == "checkmate" {
			if string(c) == winner {
				result = "win"
			} else {
				result = "loss"
			}
		}
		if err := g.scores.RecordResult(seat.User, result); err != nil {
			obslog.L().Error("score_record_failed", zap.String("user", seat.User), zap.Error(err))
		}
	}
}

// Forfeit resigns a game for a local user and notifies the opponent.
func (g *Generator) Forfeit(id, user string) error {
	game, winner, err := g.games.Forfeit(id, user)
	if err != nil {
		return err
	}
	if err := g.scores.RecordResult(user, "loss"); err != nil {
		obslog.L().Error("score_record_failed", zap.String("user", user), zap.Error(err))
	}
	p := &wire.Packet{
		Type:    wire.TypeForfeit,
		GameID:  game.GameID,
		From:    g.localIdentity(user),
		To:      seatIdentity(winner),
		Created: wire.Now(),
	}
	_, err = g.store.Write(p, "forfeit", winner.Address)
	return err
}

// MessageTo sends InterBBS mail to a user at a remote node.
func (g *Generator) MessageTo(target, fromUser, toUser, subject, body string) error {
	node, err := g.resolveTarget(target)
	if err != nil {
		return err
	}
	p := &wire.Packet{
		Type:    wire.TypeMessage,
		From:    g.localIdentity(fromUser),
		To:      nodeIdentity(node, toUser),
		Subject: subject,
		Message: body,
		Created: wire.Now(),
	}
	_, err = g.store.Write(p, "message", node.Address)
	return err
}

// remotes returns every registered node except the local system.
func (g *Generator) remotes() ([]wire.NodeInfo, error) {
	all, err := g.nodes.All()
	if err != nil {
		return nil, err
	}
	list := make([]wire.NodeInfo, 0, len(all))
	for addr, n := range all {
		if strings.EqualFold(addr, g.cfg.BBS.Address) {
			continue
		}
		list = append(list, n)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Address < list[j].Address })
	return list, nil
}

// BroadcastScores sends the local score table to every known node.
func (g *Generator) BroadcastScores() (int, error) {
	local, err := g.scores.Local()
	if err != nil {
		return 0, err
	}
	targets, err := g.remotes()
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, node := range targets {
		p := &wire.Packet{
			Type:    wire.TypeScoreUpdate,
			From:    g.localIdentity(""),
			To:      nodeIdentity(node, ""),
			Scores:  &wire.ScorePayload{Entries: local},
			Created: wire.Now(),
		}
		if _, err := g.store.Write(p, "scores", node.Address); err != nil {
			return sent, err
		}
		sent++
	}
	obslog.L().Info("scores_broadcast", zap.Int("nodes", sent))
	return sent, nil
}

// NodeHello announces the local system. With an empty target it goes to
// every known node.
func (g *Generator) NodeHello(target string) (int, error) {
	var targets []wire.NodeInfo
	if target != "" {
		node, err := g.resolveTarget(target)
		if err != nil {
			return 0, err
		}
		targets = []wire.NodeInfo{node}
	} else {
		var err error
		targets, err = g.remotes()
		if err != nil {
			return 0, err
		}
	}
	sent := 0
	for _, node := range targets {
		p := &wire.Packet{
			Type:    wire.TypeNodeInfo,
			From:    g.localIdentity(""),
			To:      nodeIdentity(node, ""),
			Created: wire.Now(),
		}
		if _, err := g.store.Write(p, "nodeinfo", node.Address); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// RequestPlayers asks a node (or every node) for its player roster.
func (g *Generator) RequestPlayers(target string) (int, error) {
	var targets []wire.NodeInfo
	if target != "" {
		node, err := g.resolveTarget(target)
		if err != nil {
			return 0, err
		}
		targets = []wire.NodeInfo{node}
	} else {
		var err error
		targets, err = g.remotes()
		if err != nil {
			return 0, err
		}
	}
	sent := 0
	for _, node := range targets {
		p := &wire.Packet{
			Type:      wire.TypePlayerListRequest,
			RequestID: games.NewGameID(g.cfg.BBS.Address),
			From:      g.localIdentity(""),
			To:        nodeIdentity(node, ""),
			Created:   wire.Now(),
		}
		if _, err := g.store.Write(p, "playerreq", node.Address); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// SendPlayerList answers a player_list_request with the local roster: every
// local account alias, carrying stats for the ones present in the score
// table.
func (g *Generator) SendPlayerList(toAddress, requestID string, aliases []string) error {
	local, err := g.scores.Local()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(local)+len(aliases))
	for name := range local {
		names = append(names, name)
	}
	for _, alias := range aliases {
		known := false
		for name := range local {
			if strings.EqualFold(name, alias) {
				known = true
				break
			}
		}
		if !known {
			names = append(names, alias)
		}
	}
	sort.Strings(names)
	roster := make([]wire.PlayerInfo, 0, len(names))
	for _, name := range names {
		e := local[name]
		roster = append(roster, wire.PlayerInfo{
			Username:    name,
			GamesPlayed: e.Wins + e.Losses + e.Draws,
			Wins:        e.Wins,
			Losses:      e.Losses,
			Draws:       e.Draws,
			LastSeen:    wire.Now(),
		})
	}
	p := &wire.Packet{
		Type:      wire.TypePlayerListResponse,
		RequestID: requestID,
		From:      g.localIdentity(""),
		To:        &wire.Identity{Address: toAddress},
		Created:   wire.Now(),
	}
	p.SetPlayerList(roster)
	_, err = g.store.Write(p, "playerlist", toAddress)
	return err
}

// DistributeRegistry pushes the full node registry to every node. Only the
// coordinator may call this; it deduplicates first so followers converge on
// a clean view.
func (g *Generator) DistributeRegistry() (int, error) {
	if !g.cfg.IsCoordinator() {
		return 0, nodes.ErrNotCoordinator
	}
	if _, err := g.nodes.Deduplicate(nil); err != nil {
		return 0, err
	}
	all, err := g.nodes.All()
	if err != nil {
		return 0, err
	}
	targets, err := g.remotes()
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, node := range targets {
		p := &wire.Packet{
			Type:         wire.TypeNodeRegistryUpdate,
			From:         g.localIdentity(""),
			To:           nodeIdentity(node, ""),
			NodeRegistry: all,
			Created:      wire.Now(),
		}
		if _, err := g.store.Write(p, "registry", node.Address); err != nil {
			return sent, err
		}
		sent++
	}
	obslog.L().Info("registry_distributed",
		zap.Int("nodes", sent),
		zap.Int("entries", len(all)),
	)
	return sent, nil
}

// LeagueReset clears the selected local stores and broadcasts the reset.
// Coordinator only. msgReset clears the message store, which the generator
// does not otherwise touch.
func (g *Generator) LeagueReset(components wire.ResetComponents, msgReset func() error) (int, error) {
	if !g.cfg.IsCoordinator() {
		return 0, nodes.ErrNotCoordinator
	}
	if components.Scores {
		if err := g.scores.Reset(); err != nil {
			return 0, err
		}
	}
	if components.Games {
		if err := g.games.Reset(); err != nil {
			return 0, err
		}
	}
	if components.Messages && msgReset != nil {
		if err := msgReset(); err != nil {
			return 0, err
		}
	}
	if components.Players {
		if err := g.players.Reset(); err != nil {
			return 0, err
		}
	}
	targets, err := g.remotes()
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, node := range targets {
		p := &wire.Packet{
			Type:              wire.TypeLeagueReset,
			From:              g.localIdentity(""),
			To:                nodeIdentity(node, ""),
			LeagueCoordinator: g.cfg.BBS.Address,
			ResetComponents:   &components,
			Created:           wire.Now(),
		}
		if _, err := g.store.Write(p, "reset", node.Address); err != nil {
			return sent, err
		}
		sent++
	}
	obslog.L().Warn("league_reset_broadcast", zap.Int("nodes", sent))
	return sent, nil
}

// AckReset confirms a processed league_reset back to the coordinator.
func (g *Generator) AckReset(toAddress string) error {
	p := &wire.Packet{
		Type:    wire.TypeResetAck,
		From:    g.localIdentity(""),
		To:      &wire.Identity{Address: toAddress},
		Created: wire.Now(),
	}
	_, err := g.store.Write(p, "resetack", toAddress)
	return err
}

func seatIdentity(s games.Seat) *wire.Identity {
	return &wire.Identity{User: s.User, BBS: s.BBS, Address: s.Address}
}
