// internal/state/account.go
package state

import (
	fpmath "PerpSettle/internal/math"
)

// Account is one holder's state in one market. The zero value is a fresh account.
type Account struct {
	LatestVersion  uint64          `json:"latest_version"`
	Position       Position        `json:"position"`        // settled
	Next           Position        `json:"next"`            // target once PendingVersion settles
	PendingVersion uint64          `json:"pending_version"` // 0 when Next == Position
	Collateral     fpmath.Fixed18  `json:"collateral"`
	Reward         fpmath.UFixed18 `json:"reward"`
	Liquidation    bool            `json:"liquidation"`
}

func (a Account) IsEmpty() bool {
	return a.Position.IsEmpty() && a.Next.IsEmpty() && a.Collateral.IsZero() && a.Reward.IsZero()
}

// Accrue credits the value and reward earned by the settled position between
// two stamped versions.
func (a *Account) Accrue(from, to Version) (value fpmath.Fixed18, reward fpmath.UFixed18) {
	if a.Position.IsEmpty() {
		return fpmath.Fixed18Zero, fpmath.UFixed18Zero
	}
	value = to.Value.Sub(from.Value).ValueOf(a.Position)
	reward = to.Reward.Sub(from.Reward).ValueOf(a.Position).UFixed()

	a.Collateral = a.Collateral.Add(value)
	a.Reward = a.Reward.Add(reward)
	return value, reward
}

// FoldNext makes the pending target the settled position.
func (a *Account) FoldNext() {
	a.Position = a.Next
	a.PendingVersion = 0
}

// SetTarget records a new pending target at version.
func (a *Account) SetTarget(target Position, version uint64) {
	if target.Equal(a.Next) {
		return
	}
	a.Next = target
	a.PendingVersion = version
}
