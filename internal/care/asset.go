package care

import (
	"github.com/ethereum/go-ethereum/common"
)

// Asset is a read-only view of one owned collectible as reported by the
// ownership source.
type Asset struct {
	// ID is the decimal token identifier exactly as the indexer returned it.
	ID string `json:"id"`
	// LastInteractedAt is the unix time (seconds) of the last interact call.
	LastInteractedAt int64 `json:"last_interacted_at"`
}

// Snapshot is the ordered set of assets owned by one address at query time.
type Snapshot struct {
	Owner  common.Address `json:"owner"`
	Assets []Asset        `json:"assets"`
}

// IDs returns the identifiers of assets in their original order.
func IDs(assets []Asset) []string {
	ids := make([]string, 0, len(assets))
	for _, asset := range assets {
		ids = append(ids, asset.ID)
	}
	return ids
}
