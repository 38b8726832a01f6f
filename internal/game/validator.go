// Package game is the authoritative chess engine of game rooms.
package game

import (
	"fmt"
	"strings"

	"github.com/mossy-p/session-coordinator/internal/apperr"
	"github.com/mossy-p/session-coordinator/internal/models"
	"github.com/notnil/chess"
)

// Termination reasons reported in game.over.
const (
	ReasonCheckmate            = "checkmate"
	ReasonStalemate            = "stalemate"
	ReasonInsufficientMaterial = "insufficient_material"
	ReasonThreefoldRepetition  = "threefold_repetition"
	ReasonFivefoldRepetition   = "fivefold_repetition"
	ReasonFiftyMoveRule        = "fifty_move_rule"
	ReasonSeventyFiveMoveRule  = "seventy_five_move_rule"
	ReasonResignation          = "resignation"
	ReasonForfeit              = "forfeit"
)

// Outcome is the position reached after a move.
type Outcome struct {
	Board    string
	Turn     models.Role
	Finished bool
	Result   string // "1-0", "0-1" or "1/2-1/2" once finished
	Winner   models.Role
	Reason   string
}

// Validator replays a move history and checks the next move against the
// full rules of chess. It keeps no state between calls.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// Replay rebuilds the game from its UCI move history.
func (v *Validator) Replay(moves []string) (*chess.Game, error) {
	g := chess.NewGame(chess.UseNotation(chess.UCINotation{}))
	for i, m := range moves {
		if err := g.MoveStr(m); err != nil {
			return nil, fmt.Errorf("replay move %d %q: %w", i+1, m, err)
		}
	}
	return g, nil
}

// NormalizeMove builds a UCI move from squares and an optional promotion piece.
func NormalizeMove(from, to, promotion string) (string, error) {
	from, to = strings.ToLower(strings.TrimSpace(from)), strings.ToLower(strings.TrimSpace(to))
	if !validSquare(from) || !validSquare(to) {
		return "", apperr.Validation("move needs from and to squares like e2 and e4")
	}
	promotion = strings.ToLower(strings.TrimSpace(promotion))
	switch promotion {
	case "", "q", "r", "b", "n":
	default:
		return "", apperr.Validation("promotion must be one of q, r, b, n")
	}
	return from + to + promotion, nil
}

func validSquare(s string) bool {
	return len(s) == 2 && s[0] >= 'a' && s[0] <= 'h' && s[1] >= '1' && s[1] <= '8'
}

// Apply plays move after history and reports the resulting position.
// Threefold repetition and the fifty-move rule are claimed automatically.
func (v *Validator) Apply(history []string, move string) (*Outcome, error) {
	g, err := v.Replay(history)
	if err != nil {
		return nil, apperr.Internal("corrupt game history", err)
	}
	if g.Outcome() != chess.NoOutcome {
		return nil, apperr.Permission("game is not active")
	}
	if err := g.MoveStr(move); err != nil {
		return nil, apperr.IllegalMove(fmt.Sprintf("illegal move %s", move))
	}
	if g.Outcome() == chess.NoOutcome {
		for _, m := range g.EligibleDraws() {
			if m == chess.ThreefoldRepetition || m == chess.FiftyMoveRule {
				if err := g.Draw(m); err == nil {
					break
				}
			}
		}
	}
	return outcomeOf(g), nil
}

func outcomeOf(g *chess.Game) *Outcome {
	out := &Outcome{
		Board: g.Position().String(),
		Turn:  roleOf(g.Position().Turn()),
	}
	if g.Outcome() == chess.NoOutcome {
		return out
	}
	out.Finished = true
	out.Result = string(g.Outcome())
	out.Reason = reasonOf(g.Method())
	switch g.Outcome() {
	case chess.WhiteWon:
		out.Winner = models.RoleWhite
	case chess.BlackWon:
		out.Winner = models.RoleBlack
	}
	return out
}

func roleOf(c chess.Color) models.Role {
	if c == chess.Black {
		return models.RoleBlack
	}
	return models.RoleWhite
}

// Opponent returns the other side of a two-player game.
func Opponent(r models.Role) models.Role {
	if r == models.RoleWhite {
		return models.RoleBlack
	}
	return models.RoleWhite
}

// ResultFor is the score line of a game won by winner.
func ResultFor(winner models.Role) string {
	if winner == models.RoleWhite {
		return string(chess.WhiteWon)
	}
	return string(chess.BlackWon)
}

func reasonOf(m chess.Method) string {
	switch m {
	case chess.Checkmate:
		return ReasonCheckmate
	case chess.Stalemate:
		return ReasonStalemate
	case chess.InsufficientMaterial:
		return ReasonInsufficientMaterial
	case chess.ThreefoldRepetition:
		return ReasonThreefoldRepetition
	case chess.FivefoldRepetition:
		return ReasonFivefoldRepetition
	case chess.FiftyMoveRule:
		return ReasonFiftyMoveRule
	case chess.SeventyFiveMoveRule:
		return ReasonSeventyFiveMoveRule
	case chess.Resignation:
		return ReasonResignation
	}
	return "draw"
}
