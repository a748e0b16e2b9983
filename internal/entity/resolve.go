package entity

// Resolution strategy names recorded with every conflict decision. Resolution
// is lossy, so the chosen strategy is logged by the caller for audit.
const (
	StrategyLocalWins  = "local-wins"
	StrategyRemoteWins = "remote-wins"
)

// Resolution captures the outcome of comparing a diverged local and remote
// copy of one entity.
type Resolution struct {
	Winner   Entity
	Strategy string
}

// RemoteWon reports whether the remote copy was kept.
func (r Resolution) RemoteWon() bool {
	return r.Strategy == StrategyRemoteWins
}

// Resolve picks a winner between a diverged local and remote copy. The copy
// with the later UpdatedAtMs wins wholesale; ties go to the remote so replicas
// converge on server state.
func Resolve(local Entity, remote Entity) Resolution {
	switch {
	case local.UpdatedAtMs > remote.UpdatedAtMs:
		winner := local
		// The server id is remote-owned metadata; keep it even when the
		// local payload wins.
		if !winner.Synced() && remote.Synced() {
			serverID := *remote.ServerID
			winner.ServerID = &serverID
		}
		return Resolution{Winner: winner, Strategy: StrategyLocalWins}
	default:
		return Resolution{Winner: remote, Strategy: StrategyRemoteWins}
	}
}

// ResolveDeletion decides a deletion conflict: the local copy was pushed
// before but the remote record is gone. The local copy survives only when it
// was modified strictly after the remote's last known delete timestamp.
func ResolveDeletion(local Entity, remoteDeletedAtMs int64) Resolution {
	if local.UpdatedAtMs > remoteDeletedAtMs {
		return Resolution{Winner: local, Strategy: StrategyLocalWins}
	}
	discarded := local
	discarded.IsDeleted = true
	discarded.UpdatedAtMs = remoteDeletedAtMs
	return Resolution{Winner: discarded, Strategy: StrategyRemoteWins}
}
