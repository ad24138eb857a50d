// Package subgraph reads wallet ownership and last-interaction times from the
// game's GraphQL indexer.
package subgraph
