package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/anetonline/chesslink/internal/accounts"
	appcfg "github.com/anetonline/chesslink/internal/config"
	"github.com/anetonline/chesslink/internal/games"
	"github.com/anetonline/chesslink/internal/inbound"
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

const usage = `usage: chesslink [-config FILE] <command> [args]

commands:
  config                                   show effective configuration
  inbound                                  process inbound packets once
  outbound                                 list queued outbound packets
  all                                      process inbound, then broadcast
  daemon                                   watch inbound and run schedules
  challenge <node> <from> [to] [message]   send a challenge
  accept <game-id> <user>                  accept an inbound challenge
  decline <game-id> <user>                 decline an inbound challenge
  move <game-id> <user> <move>             play a move (UCI or SAN)
  forfeit <game-id> <user>                 resign a game
  send <node> <from> <to> <subj> <body>    send InterBBS mail
  games                                    list the game ledger
  scores [broadcast]                       show or broadcast the score table
  nodes [hello [node]]                     list nodes or announce ourselves
  players [request [node]]                 list rosters or request updates
  messages                                 list received InterBBS mail
  request-players [node]                   shorthand for "players request"
  distribute                               push node registry (coordinator)
  reset [players|scores|messages|games]... league reset (coordinator)
`

type app struct {
	cfg      *appcfg.Config
	store    *store.Store
	nodes    *nodes.Registry
	games    *games.Ledger
	players  *players.Directory
	scores   *scores.Store
	mail     *messages.Store
	notifier *messages.Notifier
	accounts *accounts.Directory
	out      *outbound.Generator
	in       *inbound.Processor
}

func newApp(cfg *appcfg.Config) (*app, error) {
	catalog, err := msgcat.New(filepath.Join(cfg.Dirs.Data, "templates"))
	if err != nil {
		// Override dir is optional; fall back to embedded defaults.
		catalog, err = msgcat.New("")
		if err != nil {
			return nil, err
		}
	}
	a := &app{cfg: cfg}
	a.store = store.New(cfg.Dirs.Inbound, cfg.Dirs.Outbound, cfg.Mailer.FilenameSweep)
	a.nodes = nodes.Open(cfg.NodesFile(), cfg.League.Coordinator, cfg.BBS.Address)
	a.games = games.Open(cfg.GamesFile())
	a.players = players.Open(cfg.PlayersFile())
	a.scores = scores.Open(cfg.ScoresFile(), cfg.LocalKey())
	a.mail = messages.Open(cfg.MessagesFile())
	a.notifier = messages.OpenNotifier(cfg.NotifyFile())
	a.accounts = accounts.Open(cfg.UsersFile())
	a.out = outbound.New(cfg, a.store, a.nodes, a.games, a.scores, a.players)
	a.in = inbound.New(cfg, a.store, a.nodes, a.games, a.players, a.scores,
		a.mail, a.notifier, a.accounts, catalog, a.out)
	return a, nil
}

func main() {
	configPath := flag.String("config", "bbs.cfg", "configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := appcfg.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.Init(cfg.LogFile()); err != nil {
		log.Fatalf("log init error: %v", err)
	}
	defer obslog.L().Sync() //nolint:errcheck

	a, err := newApp(cfg)
	if err != nil {
		log.Fatalf("init error: %v", err)
	}
	if err := a.run(args[0], args[1:]); err != nil {
		obslog.L().Error("command_failed", zap.String("command", args[0]), zap.Error(err))
		fmt.Fprintf(os.Stderr, "chesslink: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) run(cmd string, args []string) error {
	switch cmd {
	case "config":
		return a.showConfig()
	case "inbound":
		rep, err := a.in.Run()
		if err != nil {
			return err
		}
		fmt.Printf("scanned %d, processed %d, quarantined %d\n",
			rep.Scanned, rep.Processed, rep.Quarantined)
		return nil
	case "outbound":
		return a.listOutbound()
	case "all":
		rep, err := a.in.Run()
		if err != nil {
			return err
		}
		n, err := a.out.BroadcastScores()
		if err != nil {
			return err
		}
		fmt.Printf("processed %d inbound, scores queued for %d nodes\n", rep.Processed, n)
		if a.cfg.IsCoordinator() {
			if _, err := a.out.DistributeRegistry(); err != nil {
				return err
			}
		}
		return nil
	case "daemon":
		return a.daemon()
	case "challenge":
		return a.cmdChallenge(args)
	case "accept":
		if len(args) < 2 {
			return fmt.Errorf("usage: accept <game-id> <user>")
		}
		return a.out.Accept(args[0], args[1])
	case "decline":
		if len(args) < 2 {
			return fmt.Errorf("usage: decline <game-id> <user>")
		}
		return a.out.Decline(args[0], args[1])
	case "move":
		return a.cmdMove(args)
	case "forfeit":
		if len(args) < 2 {
			return fmt.Errorf("usage: forfeit <game-id> <user>")
		}
		return a.out.Forfeit(args[0], args[1])
	case "send":
		if len(args) < 5 {
			return fmt.Errorf("usage: send <node> <from> <to> <subject> <body>")
		}
		return a.out.MessageTo(args[0], args[1], args[2], args[3], strings.Join(args[4:], " "))
	case "games":
		return a.listGames()
	case "scores":
		if len(args) > 0 && args[0] == "broadcast" {
			n, err := a.out.BroadcastScores()
			if err != nil {
				return err
			}
			fmt.Printf("score update queued for %d nodes\n", n)
			return nil
		}
		return a.listScores()
	case "nodes":
		if len(args) > 0 && args[0] == "hello" {
			target := ""
			if len(args) > 1 {
				target = args[1]
			}
			n, err := a.out.NodeHello(target)
			if err != nil {
				return err
			}
			fmt.Printf("node_info queued for %d nodes\n", n)
			return nil
		}
		return a.listNodes()
	case "players":
		if len(args) > 0 && args[0] == "request" {
			return a.requestPlayers(args[1:])
		}
		return a.listPlayers()
	case "request-players":
		return a.requestPlayers(args)
	case "messages":
		return a.listMessages()
	case "distribute":
		n, err := a.out.DistributeRegistry()
		if err != nil {
			return err
		}
		fmt.Printf("registry queued for %d nodes\n", n)
		return nil
	case "reset":
		return a.cmdReset(args)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) cmdChallenge(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: challenge <node> <from> [to] [message]")
	}
	toUser, message := "", ""
	if len(args) > 2 {
		toUser = args[2]
	}
	if len(args) > 3 {
		message = strings.Join(args[3:], " ")
	}
	id, err := a.out.Challenge(args[0], args[1], toUser, message, "")
	if err != nil {
		return err
	}
	fmt.Printf("challenge %s queued\n", id)
	return nil
}

func (a *app) cmdMove(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: move <game-id> <user> <move>")
	}
	res, err := a.out.Move(args[0], args[1], args[2])
	if err != nil {
		return err
	}
	fmt.Printf("played %s (%s)\n", res.SAN, res.UCI)
	if res.Termination != "none" {
		fmt.Printf("game over: %s %s\n", res.Termination, res.Winner)
	}
	return nil
}

func (a *app) cmdReset(args []string) error {
	comps := wire.ResetComponents{}
	if len(args) == 0 {
		comps = wire.ResetComponents{Players: true, Scores: true, Messages: true, Games: true}
	}
	for _, arg := range args {
		switch strings.ToLower(arg) {
		case "players":
			comps.Players = true
		case "scores":
			comps.Scores = true
		case "messages":
			comps.Messages = true
		case "games":
			comps.Games = true
		default:
			return fmt.Errorf("unknown reset component %q", arg)
		}
	}
	n, err := a.out.LeagueReset(comps, a.mail.Reset)
	if err != nil {
		return err
	}
	fmt.Printf("league reset broadcast to %d nodes\n", n)
	return nil
}

// daemon watches the inbound directory and runs the periodic schedules
// until interrupted.
func (a *app) daemon() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runInbound := func() {
		if _, err := a.in.Run(); err != nil {
			obslog.L().Error("inbound_run_failed", zap.Error(err))
		}
	}
	runInbound()

	c := cron.New()
	if _, err := c.AddFunc("@hourly", func() {
		if _, err := a.out.BroadcastScores(); err != nil {
			obslog.L().Error("score_broadcast_failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	if a.cfg.IsCoordinator() {
		if _, err := c.AddFunc("@daily", func() {
			if _, err := a.out.DistributeRegistry(); err != nil {
				obslog.L().Error("registry_distribute_failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}
	c.Start()
	defer c.Stop()

	var events <-chan fsnotify.Event
	if a.cfg.Mailer.AutoProcess {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("inbound watcher: %w", err)
		}
		defer watcher.Close()
		if err := os.MkdirAll(a.cfg.Dirs.Inbound, 0o755); err != nil {
			return err
		}
		if err := watcher.Add(a.cfg.Dirs.Inbound); err != nil {
			return fmt.Errorf("watch %s: %w", a.cfg.Dirs.Inbound, err)
		}
		events = watcher.Events
		go func() {
			for err := range watcher.Errors {
				obslog.L().Warn("watcher_error", zap.Error(err))
			}
		}()
	}

	var poll <-chan time.Time
	if a.cfg.Mailer.PollPackets {
		ticker := time.NewTicker(a.cfg.Mailer.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	obslog.L().Info("daemon_started",
		zap.String("inbound", a.cfg.Dirs.Inbound),
		zap.Bool("watch", a.cfg.Mailer.AutoProcess),
		zap.Bool("poll", a.cfg.Mailer.PollPackets),
	)
	// Debounce bursts of create events; mailers drop many files at once.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			obslog.L().Info("daemon_stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 &&
				strings.EqualFold(filepath.Ext(ev.Name), ".json") {
				pending = time.After(500 * time.Millisecond)
			}
		case <-pending:
			pending = nil
			runInbound()
		case <-poll:
			runInbound()
		}
	}
}

func (a *app) showConfig() error {
	fmt.Printf("bbs:      %s (%s)\n", a.cfg.BBS.Name, a.cfg.BBS.Address)
	fmt.Printf("sysop:    %s\n", a.cfg.BBS.Sysop)
	fmt.Printf("location: %s\n", a.cfg.BBS.Location)
	fmt.Printf("inbound:  %s\n", a.cfg.Dirs.Inbound)
	fmt.Printf("outbound: %s\n", a.cfg.Dirs.Outbound)
	fmt.Printf("data:     %s\n", a.cfg.Dirs.Data)
	fmt.Printf("mailer:   %s (poll=%v auto=%v interval=%s)\n",
		a.cfg.Mailer.Type, a.cfg.Mailer.PollPackets, a.cfg.Mailer.AutoProcess, a.cfg.Mailer.PollInterval)
	coordinator := a.cfg.League.Coordinator
	if coordinator == "" {
		coordinator = "(none)"
	}
	fmt.Printf("league:   coordinator %s", coordinator)
	if a.cfg.IsCoordinator() {
		fmt.Print(" (this node)")
	}
	fmt.Println()
	return nil
}

func (a *app) listGames() error {
	list, err := a.games.List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no games")
		return nil
	}
	for _, g := range list {
		fmt.Printf("%-40s %-9s %s vs %s  moves=%d turn=%s\n",
			g.GameID, g.Status,
			seatLabel(g.Players.White), seatLabel(g.Players.Black),
			len(g.MoveHistory), g.Turn)
	}
	return nil
}

func seatLabel(s games.Seat) string {
	if s.User == "" {
		return "(open)"
	}
	return fmt.Sprintf("%s@%s", s.User, s.BBS)
}

func (a *app) listScores() error {
	table, err := a.scores.All()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Println(key)
		names := make([]string, 0, len(table[key]))
		for n := range table[key] {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			e := table[key][n]
			fmt.Printf("  %-24s %4d  W%d L%d D%d\n", n, e.Rating, e.Wins, e.Losses, e.Draws)
		}
	}
	return nil
}

func (a *app) listNodes() error {
	all, err := a.nodes.All()
	if err != nil {
		return err
	}
	addrs := make([]string, 0, len(all))
	for addr := range all {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		n := all[addr]
		tag := ""
		if strings.EqualFold(addr, a.cfg.League.Coordinator) {
			tag = " [coordinator]"
		}
		fmt.Printf("%-16s %s (%s) last_seen=%s%s\n", addr, n.Name, n.Sysop, n.LastSeen, tag)
	}
	return nil
}

func (a *app) requestPlayers(args []string) error {
	target := ""
	if len(args) > 0 {
		target = args[0]
	}
	n, err := a.out.RequestPlayers(target)
	if err != nil {
		return err
	}
	fmt.Printf("player list requested from %d nodes\n", n)
	return nil
}

func (a *app) listOutbound() error {
	entries, err := os.ReadDir(a.cfg.Dirs.Outbound)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no queued packets")
			return nil
		}
		return err
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		fmt.Println(e.Name())
		count++
	}
	if count == 0 {
		fmt.Println("no queued packets")
	}
	return nil
}

func (a *app) listPlayers() error {
	db, err := a.players.All()
	if err != nil {
		return err
	}
	addrs := make([]string, 0, len(db))
	for addr := range db {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		fmt.Println(addr)
		for _, p := range db[addr] {
			fmt.Printf("  %-24s games=%d W%d L%d D%d\n",
				p.Username, p.GamesPlayed, p.Wins, p.Losses, p.Draws)
		}
	}
	return nil
}

func (a *app) listMessages() error {
	list, err := a.mail.List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no messages")
		return nil
	}
	for _, m := range list {
		fmt.Printf("%s  %s@%s -> %s: %s\n", m.Created, m.FromUser, m.FromBBS, m.ToUser, m.Subject)
	}
	return nil
}
