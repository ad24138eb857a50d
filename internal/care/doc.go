// Package care holds the decision logic of a care run: the asset snapshot
// model, the cooldown-based eligibility filter and the encoding of eligible
// asset identifiers into the uint256[] argument of the interact call.
package care
