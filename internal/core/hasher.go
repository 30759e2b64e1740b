package core

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

const GenesisHashSeed = "TokenLedger:genesis:v1"

// StateHasher computes deterministic state hashes
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// GenesisHash is the chain tip before the first event.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the chain tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash

	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash restores the chain tip from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

const (
	digestRejected byte = 0
	digestApplied  byte = 1
)

// computeStateDigest serializes an event outcome: a status byte, then each
// touched account as key || owner || len(data) LE || data, in key order.
func computeStateDigest(status byte, accounts []*Account) []byte {
	sorted := make([]*Account, len(accounts))
	copy(sorted, accounts)
	sort.Slice(sorted, func(i, j int) bool {
		return lessKey(sorted[i].Key, sorted[j].Key)
	})

	size := 1
	for _, acc := range sorted {
		size += 32 + 32 + 4 + len(acc.Data)
	}

	digest := make([]byte, 0, size)
	digest = append(digest, status)
	for _, acc := range sorted {
		digest = append(digest, acc.Key[:]...)
		digest = append(digest, acc.Owner[:]...)
		digest = binary.LittleEndian.AppendUint32(digest, uint32(len(acc.Data)))
		digest = append(digest, acc.Data...)
	}
	return digest
}
