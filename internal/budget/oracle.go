// Package budget answers "may I select one more torrent?" against a per-tick
// snapshot of account counters.
//
// The selector refreshes the snapshot at the start of each tick and commits
// grabs optimistically, so buffers hold across a single tick's grabs without
// re-querying the tracker. Across concurrent specs the buffers hold only up
// to snapshot staleness; the per-spec override is strict within its spec.
package budget

import (
	"mlm/internal/config"
	"mlm/internal/mam"
	"mlm/internal/store"
)

// Deny reasons surfaced in Decision.Reason.
const (
	ReasonUnsat = "unsat"
	ReasonWedge = "wedge"
	ReasonRatio = "ratio"
)

// Decision is the oracle's answer for one hypothetical grab.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow is the positive decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny is a negative decision with a machine-readable reason.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// Oracle holds one tick's snapshot of account counters plus the grabs the
// tick has committed against it.
type Oracle struct {
	status mam.UserStatus

	globalUnsatBuffer uint64
	globalWedgeBuffer uint64
	minRatio          float64

	// pendingBytes accumulates this tick's committed download sizes so the
	// ratio floor holds across multiple grabs.
	pendingBytes int64
}

// NewOracle snapshots account state for one tick.
func NewOracle(cfg *config.Config, status mam.UserStatus) *Oracle {
	return &Oracle{
		status:            status,
		globalUnsatBuffer: cfg.UnsatBuffer,
		globalWedgeBuffer: cfg.WedgeBuffer,
		minRatio:          cfg.MinRatio,
	}
}

// Snapshot returns the current (optimistically decremented) counters.
func (o *Oracle) Snapshot() mam.UserStatus {
	return o.status
}

// MayGrab decides whether one more selection with the given cost fits the
// budgets. sizeBytes is the candidate's download size, charged against the
// ratio floor for ratio grabs.
func (o *Oracle) MayGrab(cost store.CostKind, spec *config.SearchSpec, sizeBytes int64) Decision {
	unsatBuffer := o.globalUnsatBuffer
	if spec != nil && spec.UnsatBuffer != nil && *spec.UnsatBuffer > unsatBuffer {
		unsatBuffer = *spec.UnsatBuffer
	}
	free := o.status.UnsatLimit - min64(o.status.UnsatLimit, o.status.UnsatUsed)
	if free == 0 || free-1 < unsatBuffer {
		return Deny(ReasonUnsat)
	}

	if cost == store.CostWedge {
		wedgeBuffer := o.globalWedgeBuffer
		if spec != nil && spec.WedgeBuffer != nil {
			wedgeBuffer = *spec.WedgeBuffer
		}
		if o.status.Wedges == 0 || o.status.Wedges-1 < wedgeBuffer {
			return Deny(ReasonWedge)
		}
	}

	if cost == store.CostRatio {
		downloaded := o.status.DownloadedBytes + o.pendingBytes + sizeBytes
		if downloaded > 0 {
			ratio := float64(o.status.UploadedBytes) / float64(downloaded)
			if ratio < o.minRatio {
				return Deny(ReasonRatio)
			}
		}
	}

	return Allow()
}

// ChooseCost picks the cheapest cost kind consistent with the spec's policy
// for a candidate; ok is false when the policy cannot pay for it.
func (o *Oracle) ChooseCost(spec *config.SearchSpec, candidate *mam.CandidateTorrent) (store.CostKind, bool) {
	if cost, free := candidate.FreeCost(); free {
		return cost, true
	}

	switch spec.CostPolicy {
	case config.CostFreeOnly:
		return "", false
	case config.CostWedge:
		return store.CostWedge, true
	case config.CostTryWedge:
		wedgeBuffer := o.globalWedgeBuffer
		if spec.WedgeBuffer != nil {
			wedgeBuffer = *spec.WedgeBuffer
		}
		if o.status.Wedges > 0 && o.status.Wedges-1 >= wedgeBuffer {
			return store.CostWedge, true
		}
		return store.CostRatio, true
	case config.CostRatio, config.CostAll:
		return store.CostRatio, true
	default:
		return "", false
	}
}

// CommitGrab decrements the snapshot after a successful selection.
func (o *Oracle) CommitGrab(cost store.CostKind, sizeBytes int64) {
	o.status.UnsatUsed++
	switch cost {
	case store.CostWedge:
		if o.status.Wedges > 0 {
			o.status.Wedges--
		}
	case store.CostRatio:
		o.pendingBytes += sizeBytes
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
