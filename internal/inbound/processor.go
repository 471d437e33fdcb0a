// Package inbound drains the inbound directory: parse, validate, dispatch,
// then archive or quarantine. Processing is idempotent so a mailer that
// redelivers a packet never corrupts local state.
package inbound

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/anetonline/chesslink/internal/accounts"
	"github.com/anetonline/chesslink/internal/config"
	"github.com/anetonline/chesslink/internal/engine"
	"github.com/anetonline/chesslink/internal/games"
	"github.com/anetonline/chesslink/internal/messages"
	"github.com/anetonline/chesslink/internal/msgcat"
	"github.com/anetonline/chesslink/internal/nodes"
	"github.com/anetonline/chesslink/internal/obslog"
	"github.com/anetonline/chesslink/internal/outbound"
	"github.com/anetonline/chesslink/internal/players"
	"github.com/anetonline/chesslink/internal/scores"
	"github.com/anetonline/chesslink/internal/store"
	"github.com/anetonline/chesslink/pkg/wire"
)

// ErrUnauthorized rejects a packet claiming authority its sender does not
// hold (league resets and registry updates from non-coordinators).
var ErrUnauthorized = errors.New("packet not authorized")

// Report summarizes one processing run.
type Report struct {
	Scanned     int
	Processed   int
	Quarantined int
}

// Processor wires every store a packet handler can touch.
type Processor struct {
	cfg      *config.Config
	store    *store.Store
	nodes    *nodes.Registry
	games    *games.Ledger
	players  *players.Directory
	scores   *scores.Store
	mail     *messages.Store
	notifier *messages.Notifier
	accounts *accounts.Directory
	catalog  *msgcat.Catalog
	out      *outbound.Generator
}

func New(cfg *config.Config, st *store.Store, reg *nodes.Registry, ledger *games.Ledger,
	dir *players.Directory, sc *scores.Store, mail *messages.Store, notifier *messages.Notifier,
	acc *accounts.Directory, catalog *msgcat.Catalog, out *outbound.Generator) *Processor {
	return &Processor{
		cfg: cfg, store: st, nodes: reg, games: ledger, players: dir,
		scores: sc, mail: mail, notifier: notifier, accounts: acc,
		catalog: catalog, out: out,
	}
}

// Run processes every packet currently in the inbound directory. A failing
// packet is quarantined and never stops the run.
func (p *Processor) Run() (Report, error) {
	files, err := p.store.Scan()
	if err != nil {
		return Report{}, err
	}
	var rep Report
	rep.Scanned = len(files)
	for _, path := range files {
		pkt, err := p.store.Consume(path)
		if err != nil {
			if !errors.Is(err, store.ErrMalformed) {
				// Unreadable file: same disposition as a malformed one, and
				// the rest of the scan still runs.
				obslog.L().Error("packet_read_failed",
					zap.String("file", filepath.Base(path)),
					zap.Error(err),
				)
				if qerr := p.store.Quarantine(path); qerr != nil {
					obslog.L().Error("quarantine_failed", zap.String("file", path), zap.Error(qerr))
				}
			}
			rep.Quarantined++
			continue
		}
		if err := p.handleIsolated(pkt); err != nil {
			obslog.L().Error("packet_rejected",
				zap.String("file", filepath.Base(path)),
				zap.String("type", string(pkt.Type)),
				zap.Error(err),
			)
			if qerr := p.store.Quarantine(path); qerr != nil {
				obslog.L().Error("quarantine_failed", zap.String("file", path), zap.Error(qerr))
			}
			rep.Quarantined++
			continue
		}
		if err := p.store.Archive(path); err != nil {
			obslog.L().Error("archive_failed", zap.String("file", path), zap.Error(err))
		}
		rep.Processed++
	}
	obslog.L().Info("inbound_run",
		zap.Int("scanned", rep.Scanned),
		zap.Int("processed", rep.Processed),
		zap.Int("quarantined", rep.Quarantined),
	)
	return rep, nil
}

// handleIsolated wraps Handle so a panicking handler costs one packet, not
// the whole scan.
func (p *Processor) handleIsolated(pkt *wire.Packet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.Handle(pkt)
}

// Handle validates and dispatches one packet.
func (p *Processor) Handle(pkt *wire.Packet) error {
	if err := pkt.Validate(); err != nil {
		return err
	}
	sender := pkt.Sender()
	p.sighting(sender)

	switch pkt.NormalType() {
	case wire.TypeChallenge:
		return p.handleChallenge(pkt, sender)
	case wire.TypeChallengeResponse:
		return p.handleChallengeResponse(pkt, sender, pkt.Accepted == nil || *pkt.Accepted)
	case wire.TypeAccept:
		return p.handleChallengeResponse(pkt, sender, true)
	case wire.TypeDecline:
		return p.handleChallengeResponse(pkt, sender, false)
	case wire.TypeMove:
		return p.handleMove(pkt, sender)
	case wire.TypeMessage:
		return p.handleMessage(pkt, sender)
	case wire.TypeScoreUpdate:
		return p.handleScoreUpdate(pkt, sender)
	case wire.TypeNodeInfo:
		return p.handleNodeInfo(pkt, sender)
	case wire.TypePlayerListRequest:
		return p.out.SendPlayerList(sender.Address, pkt.RequestID, p.accounts.List())
	case wire.TypePlayerListResponse:
		return p.handlePlayerList(pkt, sender)
	case wire.TypeLeagueReset:
		return p.handleLeagueReset(pkt, sender)
	case wire.TypeResetAck:
		obslog.L().Info("reset_acknowledged", zap.String("from", sender.Address))
		return nil
	case wire.TypeNodeRegistryUpdate:
		return p.handleRegistryUpdate(pkt, sender)
	case wire.TypeForfeit:
		return p.handleForfeit(pkt, sender)
	}
	return fmt.Errorf("%w: %q", wire.ErrUnknownType, pkt.Type)
}

// sighting opportunistically refreshes the node registry and player
// directory from any sender identity. Failures are logged, never fatal.
func (p *Processor) sighting(id *wire.Identity) {
	if id == nil {
		return
	}
	if err := p.nodes.Seen(id); err != nil {
		obslog.L().Error("node_sighting_failed", zap.String("address", id.Address), zap.Error(err))
	}
	if id.User != "" {
		if err := p.players.Sighting(id.Address, id.User); err != nil {
			obslog.L().Error("player_sighting_failed", zap.String("address", id.Address), zap.Error(err))
		}
	}
}

func (p *Processor) handleChallenge(pkt *wire.Packet, sender *wire.Identity) error {
	target := strings.TrimSpace(pkt.TargetUser())
	if target == "" {
		target = accounts.Pending
	} else {
		target = p.accounts.ResolveOrLiteral(target)
	}
	challenged := &wire.Identity{
		User:    target,
		BBS:     p.cfg.BBS.Name,
		Address: p.cfg.BBS.Address,
	}
	created, err := p.games.CreateChallenge(pkt.RefID(), sender, challenged, games.StatusPending, pkt.BodyText())
	if err != nil {
		return err
	}
	if !created {
		return nil // redelivery
	}
	data := map[string]any{
		"User": sender.User, "BBS": sender.BBS, "Address": sender.Address,
		"GameID": pkt.RefID(), "Message": pkt.BodyText(),
	}
	return p.notify(target,
		p.catalog.MustRender("challenge.received.subject", data, "New chess challenge"),
		p.catalog.MustRender("challenge.received.body", data, "You have been challenged."))
}

func (p *Processor) handleChallengeResponse(pkt *wire.Packet, sender *wire.Identity, accepted bool) error {
	id := pkt.RefID()
	data := map[string]any{"User": sender.User, "BBS": sender.BBS, "GameID": id}
	if !accepted {
		game, err := p.games.Decline(id)
		if err != nil {
			return err
		}
		return p.notify(game.Players.White.User,
			p.catalog.MustRender("challenge.declined.subject", data, "Challenge declined"),
			p.catalog.MustRender("challenge.declined.body", data, "Your challenge was declined."))
	}
	game, err := p.games.Accept(id, sender)
	if err != nil {
		return err
	}
	// A response may carry corrected seat identities.
	if pair, ok := pkt.PlayerPair(); ok {
		game, err = p.games.Update(id, func(g *games.Game) error {
			if pair.White != nil && pair.White.User != "" {
				g.Players.White = identitySeat(pair.White)
			}
			if pair.Black != nil && pair.Black.User != "" {
				g.Players.Black = identitySeat(pair.Black)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return p.notify(game.Players.White.User,
		p.catalog.MustRender("challenge.accepted.subject", data, "Challenge accepted"),
		p.catalog.MustRender("challenge.accepted.body", data, "Your challenge was accepted."))
}

func (p *Processor) handleMove(pkt *wire.Packet, sender *wire.Identity) error {
	id := pkt.RefID()
	game, err := p.games.Find(id)
	if err != nil {
		return err
	}

	// Replay the move locally as a consistency check. The packet's fen stays
	// authoritative either way; a divergence only warns.
	if res, rerr := engine.ApplyMove(game.FEN, pkt.Move); rerr != nil {
		obslog.L().Warn("move_verify_failed",
			zap.String("game_id", id),
			zap.String("move", pkt.Move),
			zap.Error(rerr),
		)
	} else if pkt.FEN != "" && res.FEN != pkt.FEN {
		obslog.L().Warn("move_fen_divergence",
			zap.String("game_id", id),
			zap.String("computed", res.FEN),
			zap.String("received", pkt.FEN),
		)
	}

	game, duplicate, err := p.games.ApplyMove(id, pkt.Move, pkt.FEN, turnFromFEN(pkt.FEN), pkt.GameStatus, pkt.Color)
	if err != nil {
		return err
	}
	if duplicate {
		return nil
	}
	if game.Status == games.StatusFinished {
		p.scoreLocal(game, pkt.GameStatus, pkt.Color)
	}

	local, ok := game.Opponent(sender.User)
	if !ok {
		return nil
	}
	data := map[string]any{
		"User": sender.User, "BBS": sender.BBS,
		"Move": pkt.Move, "GameID": game.GameID,
	}
	key := "move.received"
	switch pkt.GameStatus {
	case "checkmate":
		key = "move.checkmate"
	case "stalemate", "draw":
		key = "move.stalemate"
	}
	return p.notify(local.User,
		p.catalog.MustRender(key+".subject", data, "Move received"),
		p.catalog.MustRender(key+".body", data, "A move arrived in your game."))
}

// scoreLocal records a remote-reported terminal outcome for locally seated
// players and bumps the player directory for the remote ones.
func (p *Processor) scoreLocal(game *games.Game, status, winner string) {
	for _, c := range []games.Color{games.White, games.Black} {
		seat := game.SeatFor(c)
		if seat.User == "" {
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
		if strings.EqualFold(seat.Address, p.cfg.BBS.Address) {
			if err := p.scores.RecordResult(seat.User, result); err != nil {
				obslog.L().Error("score_record_failed", zap.String("user", seat.User), zap.Error(err))
			}
		} else {
			if err := p.players.RecordResult(seat.Address, seat.User, result); err != nil {
				obslog.L().Error("player_record_failed", zap.String("user", seat.User), zap.Error(err))
			}
		}
	}
}

func (p *Processor) handleMessage(pkt *wire.Packet, sender *wire.Identity) error {
	target := p.accounts.ResolveOrLiteral(pkt.TargetUser())
	m := messages.Message{
		FromUser: sender.User,
		FromBBS:  sender.BBS,
		FromAddr: sender.Address,
		ToUser:   target,
		ToBBS:    p.cfg.BBS.Name,
		ToAddr:   p.cfg.BBS.Address,
		Subject:  pkt.Subject,
		Body:     pkt.BodyText(),
		Created:  pkt.Created,
	}
	if err := p.mail.Append(m); err != nil {
		return err
	}
	data := map[string]any{
		"User": sender.User, "BBS": sender.BBS, "Address": sender.Address,
		"Subject": pkt.Subject, "Body": pkt.BodyText(),
	}
	return p.notify(target,
		p.catalog.MustRender("message.received.subject", data, "New message"),
		p.catalog.MustRender("message.received.body", data, pkt.BodyText()))
}

func (p *Processor) handleScoreUpdate(pkt *wire.Packet, sender *wire.Identity) error {
	key := sender.Address
	if sender.BBS != "" {
		key = fmt.Sprintf("%s (%s)", sender.BBS, sender.Address)
	}
	return p.scores.Merge(key, pkt.Scores)
}

func (p *Processor) handleNodeInfo(pkt *wire.Packet, sender *wire.Identity) error {
	info := wire.NodeInfo{
		Name:     sender.BBS,
		Address:  sender.Address,
		Sysop:    sender.Sysop,
		Location: sender.Location,
	}
	if err := p.nodes.Register(info); err != nil {
		// Invalid registrations are rejected but the packet itself was
		// well-formed; log and archive rather than quarantine.
		obslog.L().Warn("node_registration_rejected",
			zap.String("address", info.Address),
			zap.Error(err),
		)
	}
	return nil
}

func (p *Processor) handlePlayerList(pkt *wire.Packet, sender *wire.Identity) error {
	roster, ok := pkt.PlayerList()
	if !ok {
		return fmt.Errorf("%w: players", wire.ErrMissingField)
	}
	if err := p.players.ReplaceNode(sender.Address, roster); err != nil {
		return err
	}
	data := map[string]any{"BBS": sender.BBS, "Address": sender.Address, "Count": len(roster)}
	return p.notify(messages.TargetAll,
		p.catalog.MustRender("playerlist.received.subject", data, "Player list updated"),
		p.catalog.MustRender("playerlist.received.body", data, "Player list updated."))
}

// handleLeagueReset clears local stores on the coordinator's order. Both the
// packet's league_coordinator claim and the actual sender address must match
// the locally configured coordinator.
func (p *Processor) handleLeagueReset(pkt *wire.Packet, sender *wire.Identity) error {
	coord := p.cfg.League.Coordinator
	if coord == "" ||
		!strings.EqualFold(pkt.LeagueCoordinator, coord) ||
		!strings.EqualFold(sender.Address, coord) {
		obslog.L().Warn("league_reset_unauthorized",
			zap.String("claimed", pkt.LeagueCoordinator),
			zap.String("sender", sender.Address),
			zap.String("configured", coord),
		)
		return fmt.Errorf("%w: league_reset from %s", ErrUnauthorized, sender.Address)
	}
	comps := wire.ResetComponents{Players: true, Scores: true, Messages: true, Games: true}
	if pkt.ResetComponents != nil {
		comps = *pkt.ResetComponents
	}
	if comps.Scores {
		if err := p.scores.Reset(); err != nil {
			return err
		}
	}
	if comps.Games {
		if err := p.games.Reset(); err != nil {
			return err
		}
	}
	if comps.Messages {
		if err := p.mail.Reset(); err != nil {
			return err
		}
	}
	if comps.Players {
		if err := p.players.Reset(); err != nil {
			return err
		}
	}
	obslog.L().Warn("league_reset_applied", zap.String("coordinator", sender.Address))
	if err := p.out.AckReset(sender.Address); err != nil {
		return err
	}
	data := map[string]any{"BBS": sender.BBS}
	return p.notify(messages.TargetAll,
		p.catalog.MustRender("reset.received.subject", data, "League reset"),
		p.catalog.MustRender("reset.received.body", data, "The league has been reset."))
}

// handleRegistryUpdate merges the coordinator's registry. Non-coordinator
// senders are rejected.
func (p *Processor) handleRegistryUpdate(pkt *wire.Packet, sender *wire.Identity) error {
	coord := p.cfg.League.Coordinator
	if coord == "" || !strings.EqualFold(sender.Address, coord) {
		obslog.L().Warn("registry_update_unauthorized",
			zap.String("sender", sender.Address),
			zap.String("configured", coord),
		)
		return fmt.Errorf("%w: node_registry_update from %s", ErrUnauthorized, sender.Address)
	}
	applied, err := p.nodes.Merge(pkt.NodeRegistry)
	if err != nil {
		return err
	}
	obslog.L().Info("registry_merged",
		zap.String("coordinator", sender.Address),
		zap.Int("entries", applied),
	)
	if _, err := p.nodes.Deduplicate(pkt.NodeRegistry); err != nil {
		return err
	}
	return nil
}

func (p *Processor) handleForfeit(pkt *wire.Packet, sender *wire.Identity) error {
	game, winner, err := p.games.Forfeit(pkt.RefID(), sender.User)
	if err != nil {
		return err
	}
	if strings.EqualFold(winner.Address, p.cfg.BBS.Address) && winner.User != "" {
		if err := p.scores.RecordResult(winner.User, "win"); err != nil {
			obslog.L().Error("score_record_failed", zap.String("user", winner.User), zap.Error(err))
		}
	}
	data := map[string]any{"User": sender.User, "BBS": sender.BBS, "GameID": game.GameID}
	return p.notify(winner.User,
		p.catalog.MustRender("forfeit.received.subject", data, "Game forfeited"),
		p.catalog.MustRender("forfeit.received.body", data, "Your opponent forfeited."))
}

func (p *Processor) notify(target, subject, body string) error {
	return p.notifier.Notify(target, subject, body)
}

// turnFromFEN reads the side-to-move field of a FEN string.
func turnFromFEN(fen string) games.Color {
	fields := strings.Fields(fen)
	if len(fields) >= 2 && fields[1] == "b" {
		return games.Black
	}
	if len(fields) >= 2 && fields[1] == "w" {
		return games.White
	}
	return ""
}

func identitySeat(id *wire.Identity) games.Seat {
	return games.Seat{User: id.User, BBS: id.BBS, Address: id.Address}
}
