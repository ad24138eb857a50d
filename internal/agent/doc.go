// Package agent runs one care pass for a wallet: it reads the wallet's assets
// from the ownership index, keeps those past the cooldown, and sends a single
// batched interact transaction when there are enough of them.
package agent
