package bins

import "github.com/cespare/xxhash/v2"

// HistogramKey hashes a (rank, bin) pair into a single uint64, used to key
// the optional debug bin-histogram dump without formatting a string on the
// hot rebuild/migrate path.
func HistogramKey(rank, bin int) uint64 {
	var buf [16]byte
	putInt(buf[0:8], int64(rank))
	putInt(buf[8:16], int64(bin))
	return xxhash.Sum64(buf[:])
}

func putInt(buf []byte, v int64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * uint(i)))
	}
}
