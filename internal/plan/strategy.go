package plan

import "github.com/openmirror/syncbox/internal/state"

// Strategy selects how a session treats the conflict set.
type Strategy string

const (
	// StrategyAsk surfaces conflicts and aborts the session with no
	// state mutation.
	StrategyAsk Strategy = "ask"

	// StrategyLocal forces the local side to win: uploads on push,
	// skips on pull.
	StrategyLocal Strategy = "local"

	// StrategyRemote forces the remote side to win: skips on push,
	// downloads on pull.
	StrategyRemote Strategy = "remote"

	// StrategySkip drops the conflicting entries from the plan and
	// leaves both sides untouched.
	StrategySkip Strategy = "skip"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyAsk, StrategyLocal, StrategyRemote, StrategySkip:
		return true
	}
	return false
}

// Resolve applies a strategy to the plan's conflicts, returning a new
// plan. Under ask the plan is unchanged and the caller must surface the
// conflict set. Under the forcing strategies the winning side's entry
// is promoted into the transfer or delete set; under skip the conflicts
// are simply dropped.
func Resolve(p *Plan, local, remote *state.SyncState, s Strategy, mode Mode) *Plan {
	if s == StrategyAsk || !p.HasConflicts() {
		return p
	}

	resolved := &Plan{
		Transfers: append([]Action(nil), p.Transfers...),
		Deletes:   append([]Action(nil), p.Deletes...),
	}

	force := (s == StrategyLocal && mode == ModePush) ||
		(s == StrategyRemote && mode == ModePull)
	if !force {
		// skip, or the losing side of a forcing strategy: drop
		return resolved
	}

	for _, c := range p.Conflicts {
		if mode == ModePush {
			l := local.Get(c.Path)
			switch {
			case l == nil:
			case l.Active():
				resolved.addUpload(l)
			default:
				resolved.addDelete(OpDeleteRemote, l)
			}
		} else {
			r := remote.Get(c.Path)
			switch {
			case r == nil:
			case r.Active():
				resolved.addDownload(r)
			default:
				resolved.addDelete(OpDeleteLocal, r)
			}
		}
	}

	return resolved
}
