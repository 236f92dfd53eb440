package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

const digestSeed = "SwapGate:balances:v1"

// StateDigest hashes a balance sheet keyed by AccountPath:
// SHA-256(seed || journal_count || path || balance ...) over paths in sorted
// order. Zero balances are skipped, so an emptied account and a missing one
// hash alike.
func StateDigest(balances map[string]int64, journalCount int64) [32]byte {
	paths := make([]string, 0, len(balances))
	for path, bal := range balances {
		if bal != 0 {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	h := sha256.New()
	h.Write([]byte(digestSeed))

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(journalCount))
	h.Write(buf[:])

	for _, path := range paths {
		h.Write([]byte(path))
		h.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:], uint64(balances[path]))
		h.Write(buf[:])
	}

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// PathBalances re-keys a balance snapshot by AccountPath.
func PathBalances(balances map[AccountKey]int64) map[string]int64 {
	out := make(map[string]int64, len(balances))
	for key, bal := range balances {
		out[key.AccountPath()] = bal
	}
	return out
}
