package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownType marks a packet whose type has no handler. Recoverable:
	// the file is left for quarantine, the scan continues.
	ErrUnknownType = errors.New("unknown packet type")

	// ErrMissingField marks a packet missing a field its type requires.
	ErrMissingField = errors.New("missing required field")
)

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

// Validate checks the required fields for the packet's declared type before
// any handler runs. It fails closed: a packet that does not carry what its
// type needs is rejected here, not on first field access.
func (p *Packet) Validate() error {
	switch p.NormalType() {
	case TypeChallenge:
		if p.Sender() == nil {
			return missing("from")
		}
		if p.RefID() == "" {
			return missing("challenge_id or game_id")
		}
	case TypeChallengeResponse, TypeAccept, TypeDecline:
		if p.Sender() == nil {
			return missing("from")
		}
		if p.RefID() == "" {
			return missing("challenge_id or game_id")
		}
	case TypeMove:
		if p.Sender() == nil {
			return missing("from")
		}
		if p.GameID == "" {
			return missing("game_id")
		}
		if p.Move == "" {
			return missing("move")
		}
		if p.FEN == "" {
			return missing("fen")
		}
	case TypeMessage:
		// An empty body with a valid sender is tolerated as a ping.
		if p.Sender() == nil {
			return missing("from")
		}
	case TypeScoreUpdate:
		if p.Sender() == nil {
			return missing("from")
		}
		if p.Scores == nil {
			return missing("scores")
		}
	case TypeNodeInfo, TypePlayerListRequest, TypePlayerListResponse, TypeResetAck:
		if p.Sender() == nil {
			return missing("from")
		}
	case TypeLeagueReset:
		if p.Sender() == nil {
			return missing("from")
		}
		if p.LeagueCoordinator == "" {
			return missing("league_coordinator")
		}
	case TypeNodeRegistryUpdate:
		if p.Sender() == nil {
			return missing("from")
		}
		if p.NodeRegistry == nil {
			return missing("node_registry")
		}
	case TypeForfeit:
		if p.Sender() == nil {
			return missing("from")
		}
		if p.GameID == "" {
			return missing("game_id")
		}
	case "":
		return missing("type")
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
	}
	return nil
}
