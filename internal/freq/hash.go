package freq

// NBuckets is the number of hash buckets in a table. It is part of the
// persisted layout and never changes.
const NBuckets = 10007

// Hash maps word to a bucket index in [0, NBuckets).
//
// The function is fixed by the on-disk format: a table written by one
// build must hash identically in every other. word must not be empty;
// Hash returns 0 for an empty word.
//
// Only ASCII input is defined. Bytes >= 0x80 are taken as unsigned, which
// other readers of the format may not agree on, so [Table.Record] refuses
// such words.
func Hash(word []byte) uint32 {
	n := len(word)
	if n == 0 {
		return 0
	}

	h := uint32(NBuckets) ^ (uint32(word[0]) << 2)

	for i := 1; i < n; i++ {
		shift := uint32(i % 3)
		h ^= (uint32(word[i]) << shift) + (uint32(word[i-1]) << (shift + 7))
	}

	h ^= uint32(n - 1)

	return h % NBuckets
}
