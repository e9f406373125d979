package session

import (
	"errors"

	"github.com/talgya/shellcloud/internal/params"
)

var (
	// ErrInvalidQuantumState is params.ErrInvalidQuantumState, re-exported so
	// callers of ProposeChange need not import params to match it.
	ErrInvalidQuantumState = params.ErrInvalidQuantumState

	ErrBadOptions = errors.New("session: invalid options")
)
