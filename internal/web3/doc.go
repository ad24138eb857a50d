// Package web3 houses blockchain connectivity for the caretaker: the node
// backend abstraction shared by the submitter and its tests, the wallet
// identity, and the interact transaction lifecycle.
package web3
