package care

// DefaultCooldown is the interval, in seconds, an asset has to rest between
// two interact calls.
const DefaultCooldown int64 = 12 * 60 * 60

// Eligible reports whether an asset last interacted with at lastInteractedAt
// is due at now. The comparison is strict: an asset whose cooldown ends
// exactly at now is not yet due. Negative timestamps are never due.
func Eligible(lastInteractedAt, now, cooldownSeconds int64) bool {
	if lastInteractedAt < 0 || now < 0 {
		return false
	}
	// now > last+cooldown, rearranged so a large last cannot overflow.
	return now-lastInteractedAt > cooldownSeconds
}

// SelectEligible returns the assets of snapshot that are due at now, in
// snapshot order.
func SelectEligible(snapshot Snapshot, now, cooldownSeconds int64) []Asset {
	eligible := make([]Asset, 0, len(snapshot.Assets))
	for _, asset := range snapshot.Assets {
		if Eligible(asset.LastInteractedAt, now, cooldownSeconds) {
			eligible = append(eligible, asset)
		}
	}
	return eligible
}
