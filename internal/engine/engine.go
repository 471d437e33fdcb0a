// Package engine wraps the chess rules library behind the small capability
// the InterBBS layer needs: apply a move to a position, list legal moves,
// and classify a position as terminal. Positions travel as FEN strings.
package engine

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// StartingFEN is the standard initial position every new game begins from.
const StartingFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// ErrIllegalMove reports a move the rules engine rejected for the position.
var ErrIllegalMove = errors.New("illegal move")

// Termination classifies a position.
type Termination string

const (
	TermNone      Termination = "none"
	TermCheckmate Termination = "checkmate"
	TermStalemate Termination = "stalemate"
)

// Result describes a successfully applied move.
type Result struct {
	FEN         string
	UCI         string
	SAN         string
	Turn        string // side to move after the move: "white" | "black"
	Termination Termination
	Winner      string // "white" | "black" on checkmate, else ""
}

// ApplyMove applies move (UCI preferred, SAN fallback) to the position in
// fen and returns the resulting position. Illegal or unparsable moves return
// ErrIllegalMove.
func ApplyMove(fen, move string) (*Result, error) {
	game, err := gameFromFEN(fen)
	if err != nil {
		return nil, err
	}
	pos := game.Position()

	raw := strings.TrimSpace(move)
	if raw == "" {
		return nil, ErrIllegalMove
	}

	var uciStr, sanStr string
	notationUCI := nchess.UCINotation{}
	mv, derr := notationUCI.Decode(pos, strings.ToLower(raw))
	if derr == nil {
		// A move can parse as UCI yet be illegal for the position.
		derr = game.Move(mv, nil)
	}
	if derr == nil {
		uciStr = strings.ToLower(raw)
		sanStr = nchess.AlgebraicNotation{}.Encode(pos, mv)
	} else {
		if err := game.PushNotationMove(raw, nchess.AlgebraicNotation{}, nil); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrIllegalMove, raw)
		}
		last := lastMove(game)
		if last == nil {
			return nil, fmt.Errorf("%w: %q", ErrIllegalMove, raw)
		}
		uciStr = last.String()
		sanStr = nchess.AlgebraicNotation{}.Encode(pos, last)
	}

	res := &Result{
		FEN:         game.FEN(),
		UCI:         uciStr,
		SAN:         sanStr,
		Turn:        colorName(game.Position().Turn()),
		Termination: TermNone,
	}
	switch game.Outcome() {
	case nchess.WhiteWon:
		res.Termination = TermCheckmate
		res.Winner = "white"
	case nchess.BlackWon:
		res.Termination = TermCheckmate
		res.Winner = "black"
	case nchess.Draw:
		res.Termination = TermStalemate
	}
	return res, nil
}

// LegalMoves returns the legal moves for the position in UCI notation.
func LegalMoves(fen string) ([]string, error) {
	game, err := gameFromFEN(fen)
	if err != nil {
		return nil, err
	}
	valid := game.ValidMoves()
	moves := make([]string, 0, len(valid))
	for _, mv := range valid {
		moves = append(moves, mv.String())
	}
	return moves, nil
}

// Terminal classifies the position in fen without applying a move.
func Terminal(fen string) (Termination, error) {
	game, err := gameFromFEN(fen)
	if err != nil {
		return TermNone, err
	}
	switch game.Position().Status() {
	case nchess.Checkmate:
		return TermCheckmate, nil
	case nchess.Stalemate:
		return TermStalemate, nil
	}
	return TermNone, nil
}

func gameFromFEN(fen string) (*nchess.Game, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" || fen == "startpos" || fen == StartingFEN {
		return nchess.NewGame(), nil
	}
	option, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen %q: %w", fen, err)
	}
	return nchess.NewGame(option), nil
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

func colorName(c nchess.Color) string {
	if c == nchess.White {
		return "white"
	}
	return "black"
}
