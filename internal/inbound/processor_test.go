package inbound

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/anetonline/chesslink/internal/accounts"
	"github.com/anetonline/chesslink/internal/config"
	"github.com/anetonline/chesslink/internal/engine"
	"github.com/anetonline/chesslink/internal/games"
	"github.com/anetonline/chesslink/internal/messages"
	"github.com/anetonline/chesslink/internal/msgcat"
	"github.com/anetonline/chesslink/internal/nodes"
	"github.com/anetonline/chesslink/internal/outbound"
	"github.com/anetonline/chesslink/internal/players"
	"github.com/anetonline/chesslink/internal/scores"
	"github.com/anetonline/chesslink/internal/store"
	"github.com/anetonline/chesslink/pkg/wire"
)

const coordinatorAddr = "21:9/900"

type fixture struct {
	cfg      *config.Config
	proc     *Processor
	store    *store.Store
	ledger   *games.Ledger
	players  *players.Directory
	scores   *scores.Store
	mail     *messages.Store
	notifier *messages.Notifier
	nodes    *nodes.Registry
	inDir    string
	outDir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		BBS:    config.BBSConfig{Name: "A-Net Online", Address: "21:1/100", Sysop: "StackFault"},
		Dirs:   config.DirConfig{Inbound: filepath.Join(dir, "in"), Outbound: filepath.Join(dir, "out"), Data: filepath.Join(dir, "data")},
		League: config.LeagueConfig{Coordinator: coordinatorAddr},
	}
	if err := os.MkdirAll(cfg.Dirs.Inbound, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// users.txt gives the local alias resolver something to match.
	if err := os.MkdirAll(cfg.Dirs.Data, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cfg.UsersFile(), []byte("Bob\nCarol\n"), 0o644); err != nil {
		t.Fatalf("users.txt: %v", err)
	}

	st := store.New(cfg.Dirs.Inbound, cfg.Dirs.Outbound, false)
	reg := nodes.Open(cfg.NodesFile(), coordinatorAddr, cfg.BBS.Address)
	if _, err := reg.Merge(map[string]wire.NodeInfo{
		"21:2/200":      {Name: "Retro BBS", Address: "21:2/200"},
		coordinatorAddr: {Name: "Hub BBS", Address: coordinatorAddr},
	}); err != nil {
		t.Fatalf("seed nodes: %v", err)
	}
	ledger := games.Open(cfg.GamesFile())
	dirp := players.Open(cfg.PlayersFile())
	sc := scores.Open(cfg.ScoresFile(), cfg.LocalKey())
	mail := messages.Open(cfg.MessagesFile())
	notifier := messages.OpenNotifier(cfg.NotifyFile())
	acc := accounts.Open(cfg.UsersFile())
	catalog, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat: %v", err)
	}
	out := outbound.New(cfg, st, reg, ledger, sc, dirp)
	return &fixture{
		cfg:      cfg,
		proc:     New(cfg, st, reg, ledger, dirp, sc, mail, notifier, acc, catalog, out),
		store:    st,
		ledger:   ledger,
		players:  dirp,
		scores:   sc,
		mail:     mail,
		notifier: notifier,
		nodes:    reg,
		inDir:    cfg.Dirs.Inbound,
		outDir:   cfg.Dirs.Outbound,
	}
}

func remoteAlice() *wire.Identity {
	return &wire.Identity{User: "Alice", BBS: "Retro BBS", Address: "21:2/200"}
}

func (f *fixture) drop(t *testing.T, name string, pkt *wire.Packet) string {
	t.Helper()
	b, err := json.MarshalIndent(pkt, "", "  ")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(f.inDir, name)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("drop: %v", err)
	}
	return path
}

func (f *fixture) outboundPackets(t *testing.T) []*wire.Packet {
	t.Helper()
	entries, err := os.ReadDir(f.outDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read outbound: %v", err)
	}
	var pkts []*wire.Packet
	for _, e := range entries {
		b, err := os.ReadFile(filepath.Join(f.outDir, e.Name()))
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var p wire.Packet
		if err := json.Unmarshal(b, &p); err != nil {
			t.Fatalf("parse: %v", err)
		}
		pkts = append(pkts, &p)
	}
	return pkts
}

// TestGameLifecycle drives a full match from a remote system's perspective:
// challenge in, accept out, moves in both directions, forfeit in.
func TestGameLifecycle(t *testing.T) {
	f := newFixture(t)

	// 1. Challenge arrives addressed to "bob" (wrong case on purpose).
	challenge := &wire.Packet{
		Type:        wire.TypeChallenge,
		ChallengeID: "challenge_200_1",
		From:        remoteAlice(),
		To:          &wire.Identity{User: "bob", BBS: "A-Net Online", Address: "21:1/100"},
		Message:     "good luck!",
		Created:     wire.Now(),
	}
	f.drop(t, "achess_challenge_1.json", challenge)
	rep, err := f.proc.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Processed != 1 || rep.Quarantined != 0 {
		t.Fatalf("report: %+v", rep)
	}
	g, err := f.ledger.Find("challenge_200_1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if g.Status != games.StatusPending || g.Players.White.User != "Alice" {
		t.Fatalf("game: %+v", g)
	}
	// Case-insensitive alias resolution gives the stored casing.
	if g.Players.Black.User != "Bob" {
		t.Fatalf("challenged user = %q", g.Players.Black.User)
	}
	notes, _ := f.notifier.List()
	if len(notes) != 1 || notes[0].To != "Bob" {
		t.Fatalf("notifications: %+v", notes)
	}

	// 2. Redelivery of the same challenge changes nothing.
	f.drop(t, "achess_challenge_1_redelivered.json", challenge)
	if _, err := f.proc.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	list, _ := f.ledger.List()
	if len(list) != 1 {
		t.Fatalf("redelivery duplicated the game: %d entries", len(list))
	}
	notes, _ = f.notifier.List()
	if len(notes) != 1 {
		t.Fatalf("redelivery re-notified: %+v", notes)
	}

	// 3. Local Bob accepts; an outbound response appears and the game is on.
	if err := f.proc.out.Accept("challenge_200_1", "Bob"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	g, _ = f.ledger.Find("challenge_200_1")
	if g.Status != games.StatusActive {
		t.Fatalf("status = %s", g.Status)
	}

	// 4. Alice's first move arrives.
	res, err := engine.ApplyMove(engine.StartingFEN, "e2e4")
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	move := &wire.Packet{
		Type:        wire.TypeMove,
		GameID:      "challenge_200_1",
		From:        remoteAlice(),
		Move:        res.UCI,
		FEN:         res.FEN,
		MoveHistory: []string{res.UCI},
		Created:     wire.Now(),
	}
	f.drop(t, "achess_move_1.json", move)
	if _, err := f.proc.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	g, _ = f.ledger.Find("challenge_200_1")
	if g.Turn != games.Black || g.FEN != res.FEN || len(g.MoveHistory) != 1 {
		t.Fatalf("after move: %+v", g)
	}

	// 5. Redelivered move is a no-op.
	f.drop(t, "achess_move_1_redelivered.json", move)
	if _, err := f.proc.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	g, _ = f.ledger.Find("challenge_200_1")
	if len(g.MoveHistory) != 1 {
		t.Fatalf("duplicate move appended: %v", g.MoveHistory)
	}

	// 6. Alice forfeits; Bob gets the win on the local score table.
	f.drop(t, "achess_forfeit_1.json", &wire.Packet{
		Type:    wire.TypeForfeit,
		GameID:  "challenge_200_1",
		From:    remoteAlice(),
		Created: wire.Now(),
	})
	if _, err := f.proc.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	g, _ = f.ledger.Find("challenge_200_1")
	if g.Status != games.StatusFinished {
		t.Fatalf("status = %s", g.Status)
	}
	local, _ := f.scores.Local()
	if e := local["Bob"]; e.Wins != 1 || e.Rating != scores.Rating(1, 0) {
		t.Fatalf("bob's score: %+v", e)
	}

	// Both inbound directories dispositions happened.
	archived, _ := os.ReadDir(filepath.Join(f.inDir, "processed"))
	if len(archived) != 5 {
		t.Fatalf("archived = %d", len(archived))
	}
}

func TestMalformedPacketQuarantined(t *testing.T) {
	f := newFixture(t)
	bad := filepath.Join(f.inDir, "achess_move_bad.json")
	if err := os.WriteFile(bad, []byte("{this is not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rep, err := f.proc.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Quarantined != 1 || rep.Processed != 0 {
		t.Fatalf("report: %+v", rep)
	}
	if _, err := os.Stat(filepath.Join(f.inDir, "error", "achess_move_bad.json")); err != nil {
		t.Fatalf("not quarantined: %v", err)
	}
}

func TestUnknownTypeQuarantined(t *testing.T) {
	f := newFixture(t)
	f.drop(t, "achess_weird.json", &wire.Packet{Type: "carrier_pigeon", From: remoteAlice()})
	rep, err := f.proc.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Quarantined != 1 {
		t.Fatalf("report: %+v", rep)
	}
}

func TestOneBadPacketDoesNotStopTheRun(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(filepath.Join(f.inDir, "a_bad.json"), []byte("nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.drop(t, "b_good.json", &wire.Packet{
		Type: wire.TypeMessage, From: remoteAlice(),
		To: &wire.Identity{User: "Bob"}, Subject: "hi", Message: "hello",
	})
	rep, err := f.proc.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Processed != 1 || rep.Quarantined != 1 {
		t.Fatalf("report: %+v", rep)
	}
	msgs, _ := f.mail.List()
	if len(msgs) != 1 || msgs[0].Subject != "hi" {
		t.Fatalf("messages: %+v", msgs)
	}
}

func TestScoreUpdateBothForms(t *testing.T) {
	f := newFixture(t)
	// Map form through the typed payload.
	if err := f.proc.Handle(&wire.Packet{
		Type: wire.TypeScoreUpdate,
		From: remoteAlice(),
		Scores: &wire.ScorePayload{Entries: map[string]wire.ScoreEntry{
			"Alice": {Wins: 3, Losses: 1, Rating: scores.Rating(3, 1)},
		}},
	}); err != nil {
		t.Fatalf("Handle map form: %v", err)
	}
	// Array form straight off the wire.
	raw := `{"type":"score_update",
		"from":{"user":"","bbs":"Hub BBS","address":"21:9/900"},
		"scores":[{"name":"Carol","wins":1,"losses":0,"draws":2}]}`
	var pkt wire.Packet
	if err := json.Unmarshal([]byte(raw), &pkt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := f.proc.Handle(&pkt); err != nil {
		t.Fatalf("Handle array form: %v", err)
	}

	all, _ := f.scores.All()
	if e := all["Retro BBS (21:2/200)"]["Alice"]; e.Wins != 3 {
		t.Fatalf("map-form merge: %+v", all)
	}
	if e := all["Hub BBS (21:9/900)"]["Carol"]; e.Draws != 2 {
		t.Fatalf("array-form merge: %+v", all)
	}
}

func TestLeagueResetAuthorization(t *testing.T) {
	f := newFixture(t)
	if err := f.scores.RecordResult("Bob", "win"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Impostor: from a non-coordinator address.
	err := f.proc.Handle(&wire.Packet{
		Type:              wire.TypeLeagueReset,
		From:              remoteAlice(),
		LeagueCoordinator: coordinatorAddr,
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	// Impostor: right sender claim, wrong coordinator field.
	err = f.proc.Handle(&wire.Packet{
		Type:              wire.TypeLeagueReset,
		From:              &wire.Identity{BBS: "Hub BBS", Address: coordinatorAddr},
		LeagueCoordinator: "21:2/200",
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	local, _ := f.scores.Local()
	if local["Bob"].Wins != 1 {
		t.Fatal("unauthorized reset cleared scores")
	}

	// The real coordinator resets scores only.
	if err := f.proc.Handle(&wire.Packet{
		Type:              wire.TypeLeagueReset,
		From:              &wire.Identity{BBS: "Hub BBS", Address: coordinatorAddr},
		LeagueCoordinator: coordinatorAddr,
		ResetComponents:   &wire.ResetComponents{Scores: true},
	}); err != nil {
		t.Fatalf("authorized reset: %v", err)
	}
	all, _ := f.scores.All()
	if len(all) != 0 {
		t.Fatalf("scores not cleared: %+v", all)
	}
	// Acknowledgment goes back to the coordinator.
	pkts := f.outboundPackets(t)
	found := false
	for _, p := range pkts {
		if p.Type == wire.TypeResetAck && p.To.Address == coordinatorAddr {
			found = true
		}
	}
	if !found {
		t.Fatalf("no reset acknowledgment in outbound: %+v", pkts)
	}
}

func TestRegistryUpdateAuthority(t *testing.T) {
	f := newFixture(t)
	registry := map[string]wire.NodeInfo{
		"21:5/500": {Name: "New BBS", Address: "21:5/500"},
	}
	err := f.proc.Handle(&wire.Packet{
		Type:         wire.TypeNodeRegistryUpdate,
		From:         remoteAlice(),
		NodeRegistry: registry,
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, ok, _ := f.nodes.Get("21:5/500"); ok {
		t.Fatal("unauthorized registry update applied")
	}

	if err := f.proc.Handle(&wire.Packet{
		Type:         wire.TypeNodeRegistryUpdate,
		From:         &wire.Identity{BBS: "Hub BBS", Address: coordinatorAddr},
		NodeRegistry: registry,
	}); err != nil {
		t.Fatalf("authorized update: %v", err)
	}
	if _, ok, _ := f.nodes.Get("21:5/500"); !ok {
		t.Fatal("coordinator registry update not applied")
	}
}

func TestPlayerListRequestAnswered(t *testing.T) {
	f := newFixture(t)
	if err := f.scores.RecordResult("Bob", "draw"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := f.proc.Handle(&wire.Packet{
		Type:      wire.TypePlayerListRequest,
		RequestID: "req-7",
		From:      remoteAlice(),
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	pkts := f.outboundPackets(t)
	if len(pkts) != 1 || pkts[0].Type != wire.TypePlayerListResponse || pkts[0].RequestID != "req-7" {
		t.Fatalf("packets: %+v", pkts)
	}
	// Bob carries his recorded draw; Carol is listed from users.txt with no
	// games yet.
	roster, ok := pkts[0].PlayerList()
	if !ok || len(roster) != 2 || roster[0].Username != "Bob" || roster[0].Draws != 1 ||
		roster[1].Username != "Carol" {
		t.Fatalf("roster: %+v", roster)
	}
}

func TestPlayerListResponseReplacesRoster(t *testing.T) {
	f := newFixture(t)
	if err := f.players.Sighting("21:2/200", "Stale Player"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	pkt := &wire.Packet{Type: wire.TypePlayerListResponse, From: remoteAlice()}
	pkt.SetPlayerList([]wire.PlayerInfo{
		{Username: "Alice", Wins: 4},
		{Username: "Eve", Losses: 2},
	})
	if err := f.proc.Handle(pkt); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	db, _ := f.players.All()
	roster := db["21:2/200"]
	if len(roster) != 2 || roster[0].Username != "Alice" || roster[1].Username != "Eve" {
		t.Fatalf("roster: %+v", roster)
	}
}

func TestSightingUpdatesPlayersNotNodes(t *testing.T) {
	f := newFixture(t)
	// A message from an unknown node: the follower must not create the node,
	// but the player directory still records the sighting.
	if err := f.proc.Handle(&wire.Packet{
		Type:    wire.TypeMessage,
		From:    &wire.Identity{User: "Zed", BBS: "Ghost BBS", Address: "21:7/700"},
		Message: "hello",
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, ok, _ := f.nodes.Get("21:7/700"); ok {
		t.Fatal("follower created node from sighting")
	}
	p, ok, _ := f.players.Resolve("21:7/700", "zed")
	if !ok || p.Username != "Zed" {
		t.Fatalf("player sighting missing: %+v ok=%v", p, ok)
	}
}

func TestChallengeWithoutTargetGoesPending(t *testing.T) {
	f := newFixture(t)
	if err := f.proc.Handle(&wire.Packet{
		Type:        wire.TypeChallenge,
		ChallengeID: "open_1",
		From:        remoteAlice(),
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	g, err := f.ledger.Find("open_1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if g.Players.Black.User != accounts.Pending {
		t.Fatalf("open challenge target = %q", g.Players.Black.User)
	}
	notes, _ := f.notifier.List()
	if len(notes) != 1 || notes[0].To != accounts.Pending {
		t.Fatalf("notifications: %+v", notes)
	}
}

func TestSenderlessPacketsQuarantinedNotFatal(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ledger.CreateChallenge("g1",
		remoteAlice(),
		&wire.Identity{User: "Bob", BBS: "A-Net Online", Address: "21:1/100"},
		games.StatusActive, ""); err != nil {
		t.Fatalf("seed game: %v", err)
	}
	// Both files are valid JSON of a known type but carry no sender at all;
	// they must be rejected by validation and quarantined, and the scan must
	// reach the well-formed message behind them.
	f.drop(t, "a_move_no_from.json", &wire.Packet{
		Type:   wire.TypeMove,
		GameID: "g1",
		Move:   "e2e4",
		FEN:    engine.StartingFEN,
	})
	f.drop(t, "b_accept_no_from.json", &wire.Packet{
		Type:   wire.TypeAccept,
		GameID: "g1",
	})
	f.drop(t, "c_good_message.json", &wire.Packet{
		Type: wire.TypeMessage, From: remoteAlice(), Subject: "still here", Message: "hi",
	})
	rep, err := f.proc.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Quarantined != 2 || rep.Processed != 1 {
		t.Fatalf("report: %+v", rep)
	}
	g, _ := f.ledger.Find("g1")
	if len(g.MoveHistory) != 0 {
		t.Fatalf("senderless move mutated the game: %v", g.MoveHistory)
	}
	msgs, _ := f.mail.List()
	if len(msgs) != 1 || msgs[0].Subject != "still here" {
		t.Fatalf("trailing packet not processed: %+v", msgs)
	}
}

func TestUnreadableFileDoesNotStopTheRun(t *testing.T) {
	f := newFixture(t)
	// A dangling symlink enumerates as a .json candidate but cannot be read.
	if err := os.Symlink(filepath.Join(f.inDir, "gone-target"),
		filepath.Join(f.inDir, "a_unreadable.json")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	f.drop(t, "b_good.json", &wire.Packet{
		Type: wire.TypeMessage, From: remoteAlice(), Subject: "hi", Message: "hello",
	})
	rep, err := f.proc.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Processed != 1 || rep.Quarantined != 1 {
		t.Fatalf("report: %+v", rep)
	}
	msgs, _ := f.mail.List()
	if len(msgs) != 1 {
		t.Fatalf("messages: %+v", msgs)
	}
}

func TestEmptyMessageStoredAsPing(t *testing.T) {
	f := newFixture(t)
	if err := f.proc.Handle(&wire.Packet{
		Type: wire.TypeMessage,
		From: remoteAlice(),
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	msgs, _ := f.mail.List()
	if len(msgs) != 1 {
		t.Fatalf("ping not stored: %+v", msgs)
	}
	if msgs[0].Body != "" || msgs[0].Subject != "" {
		t.Fatalf("ping gained content: %+v", msgs[0])
	}
	if msgs[0].FromUser != "Alice" {
		t.Fatalf("sender lost: %+v", msgs[0])
	}
}

func TestMoveForUnknownGameRejected(t *testing.T) {
	f := newFixture(t)
	err := f.proc.Handle(&wire.Packet{
		Type:   wire.TypeMove,
		GameID: "never_heard_of_it",
		From:   remoteAlice(),
		Move:   "e2e4",
		FEN:    engine.StartingFEN,
	})
	if !errors.Is(err, games.ErrUnknownGame) {
		t.Fatalf("expected ErrUnknownGame, got %v", err)
	}
}
