package pipeline

// kvDesc tracks the fixed KV-cache capacity and how many token positions
// currently occupy it. numStoredTokens resets to zero at the start of every
// request: the static path keeps no state across calls.
type kvDesc struct {
	totalSize       uint32
	numStoredTokens uint32
}

func (d *kvDesc) reset() { d.numStoredTokens = 0 }

func (d *kvDesc) full() bool { return d.numStoredTokens >= d.totalSize }
