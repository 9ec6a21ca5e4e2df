package leaderboard

import "errors"

// ErrNegativeDelta rejects increments that would lower a score. Posted
// scores only ever grow.
var ErrNegativeDelta = errors.New("leaderboard delta must be non-negative")
