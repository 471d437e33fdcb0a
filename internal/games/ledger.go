package games

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/anetonline/chesslink/internal/engine"
	"github.com/anetonline/chesslink/internal/jsonfile"
	"github.com/anetonline/chesslink/internal/obslog"
	"github.com/anetonline/chesslink/pkg/wire"
)

var (
	ErrUnknownGame = errors.New("unknown game")
	ErrGameOver    = errors.New("game already over")
	ErrNotPlaying  = errors.New("user is not seated in this game")
)

// Ledger is the game table backed by interbbs_games.json.
type Ledger struct {
	mu   sync.Mutex
	path string
}

func Open(path string) *Ledger {
	return &Ledger{path: path}
}

func (l *Ledger) load() ([]Game, error) {
	var list []Game
	if err := jsonfile.Load(l.path, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (l *Ledger) save(list []Game) error {
	return jsonfile.Save(l.path, list)
}

func findGame(list []Game, id string) int {
	for i := range list {
		if list[i].Matches(id) {
			return i
		}
	}
	return -1
}

// CreateChallenge records an inbound or outbound challenge. Replaying the
// same challenge id is a no-op: created reports whether a new record was
// added. The challenger always takes white.
func (l *Ledger) CreateChallenge(challengeID string, challenger, challenged *wire.Identity, status Status, message string) (created bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list, err := l.load()
	if err != nil {
		return false, err
	}
	if findGame(list, challengeID) >= 0 {
		obslog.L().Debug("challenge_replayed", zap.String("challenge_id", challengeID))
		return false, nil
	}
	now := wire.Now()
	list = append(list, Game{
		GameID:      challengeID,
		ChallengeID: challengeID,
		Status:      status,
		Players: Players{
			White: identityToSeat(challenger),
			Black: identityToSeat(challenged),
		},
		FEN:              engine.StartingFEN,
		Turn:             White,
		MoveHistory:      []string{},
		Created:          now,
		LastUpdate:       now,
		ChallengeMessage: message,
	})
	if err := l.save(list); err != nil {
		return false, err
	}
	obslog.L().Info("challenge_recorded",
		zap.String("challenge_id", challengeID),
		zap.String("status", string(status)),
	)
	return true, nil
}

// Accept marks a challenge active. The accepting identity fills the black
// seat when it was left open (PENDING challenges). Accepting an already
// active game is a no-op.
func (l *Ledger) Accept(id string, acceptor *wire.Identity) (*Game, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list, err := l.load()
	if err != nil {
		return nil, err
	}
	i := findGame(list, id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, id)
	}
	g := &list[i]
	if g.Status == StatusActive {
		return g, nil
	}
	if g.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrGameOver, id)
	}
	if acceptor != nil && g.Players.Black.User == "" {
		g.Players.Black = identityToSeat(acceptor)
	}
	g.Status = StatusActive
	g.LastUpdate = wire.Now()
	if err := l.save(list); err != nil {
		return nil, err
	}
	obslog.L().Info("challenge_accepted", zap.String("game_id", g.GameID))
	return g, nil
}

// Decline marks a challenge declined. Declining twice is a no-op.
func (l *Ledger) Decline(id string) (*Game, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list, err := l.load()
	if err != nil {
		return nil, err
	}
	i := findGame(list, id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, id)
	}
	g := &list[i]
	if g.Status == StatusDeclined {
		return g, nil
	}
	if g.Status == StatusFinished {
		return nil, fmt.Errorf("%w: %s", ErrGameOver, id)
	}
	g.Status = StatusDeclined
	g.LastUpdate = wire.Now()
	if err := l.save(list); err != nil {
		return nil, err
	}
	obslog.L().Info("challenge_declined", zap.String("game_id", g.GameID))
	return g, nil
}

// ApplyMove applies an inbound move packet to the ledger. The packet's fen
// and turn are authoritative. A replay of the last recorded move (same fen,
// same trailing history entry) is a successful no-op with duplicate=true.
// gameStatus, when non-empty, carries a terminal state ("checkmate",
// "stalemate", "draw") plus the winner's color for checkmate.
func (l *Ledger) ApplyMove(id, move, fen string, turn Color, gameStatus, winner string) (g *Game, duplicate bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list, err := l.load()
	if err != nil {
		return nil, false, err
	}
	i := findGame(list, id)
	if i < 0 {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownGame, id)
	}
	g = &list[i]
	if g.Status.Terminal() {
		return nil, false, fmt.Errorf("%w: %s", ErrGameOver, id)
	}
	n := len(g.MoveHistory)
	if n > 0 && g.MoveHistory[n-1] == move && g.FEN == fen {
		obslog.L().Debug("move_replayed",
			zap.String("game_id", g.GameID),
			zap.String("move", move),
		)
		return g, true, nil
	}
	g.FEN = fen
	g.MoveHistory = append(g.MoveHistory, move)
	if turn == White || turn == Black {
		g.Turn = turn
	} else {
		g.Turn = g.Turn.Flip()
	}
	if g.Status == StatusSent || g.Status == StatusPending {
		// First move over a challenge the remote side accepted implicitly.
		g.Status = StatusActive
	}
	g.LastUpdate = wire.Now()
	if gameStatus != "" {
		l.finish(g, gameStatus, winner)
	}
	if err := l.save(list); err != nil {
		return nil, false, err
	}
	obslog.L().Info("move_applied",
		zap.String("game_id", g.GameID),
		zap.String("move", move),
		zap.String("turn", string(g.Turn)),
	)
	return g, false, nil
}

func (l *Ledger) finish(g *Game, gameStatus, winner string) {
	g.Status = StatusFinished
	switch gameStatus {
	case "checkmate":
		if winner == string(Black) {
			g.Result = "0-1"
		} else {
			g.Result = "1-0"
		}
	case "stalemate", "draw":
		g.Result = "1/2-1/2"
	default:
		g.Result = gameStatus
	}
	obslog.L().Info("game_finished",
		zap.String("game_id", g.GameID),
		zap.String("result", g.Result),
	)
}

// Forfeit ends a game in favor of the seat opposite user and returns the
// updated game plus the winning seat.
func (l *Ledger) Forfeit(id, user string) (*Game, Seat, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list, err := l.load()
	if err != nil {
		return nil, Seat{}, err
	}
	i := findGame(list, id)
	if i < 0 {
		return nil, Seat{}, fmt.Errorf("%w: %s", ErrUnknownGame, id)
	}
	g := &list[i]
	if g.Status.Terminal() {
		return nil, Seat{}, fmt.Errorf("%w: %s", ErrGameOver, id)
	}
	loser, ok := g.SeatOf(user)
	if !ok {
		return nil, Seat{}, fmt.Errorf("%w: %s in %s", ErrNotPlaying, user, id)
	}
	winnerColor := loser.Flip()
	g.Status = StatusFinished
	if winnerColor == White {
		g.Result = "1-0"
	} else {
		g.Result = "0-1"
	}
	g.LastUpdate = wire.Now()
	if err := l.save(list); err != nil {
		return nil, Seat{}, err
	}
	obslog.L().Info("game_forfeited",
		zap.String("game_id", g.GameID),
		zap.String("forfeited_by", user),
	)
	return g, g.SeatFor(winnerColor), nil
}

// Find looks up a game by game or challenge id.
func (l *Ledger) Find(id string) (*Game, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list, err := l.load()
	if err != nil {
		return nil, err
	}
	i := findGame(list, id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, id)
	}
	g := list[i]
	return &g, nil
}

// List returns every ledger entry.
func (l *Ledger) List() ([]Game, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

// Update persists an in-place mutation of a game under the ledger lock.
func (l *Ledger) Update(id string, fn func(*Game) error) (*Game, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list, err := l.load()
	if err != nil {
		return nil, err
	}
	i := findGame(list, id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, id)
	}
	if err := fn(&list[i]); err != nil {
		return nil, err
	}
	list[i].LastUpdate = wire.Now()
	if err := l.save(list); err != nil {
		return nil, err
	}
	g := list[i]
	return &g, nil
}

// Reset clears the ledger (league reset).
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.save([]Game{})
}
