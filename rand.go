package flease

import (
	cryrand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// returns r >= 0
func cryptoRandNonNegInt64() (r int64) {
	b := make([]byte, 8)
	_, err := cryrand.Read(b)
	panicOn(err)
	r = int64(binary.LittleEndian.Uint64(b))
	if r < 0 {
		if r == math.MinInt64 {
			return 0
		}
		r = -r
	}
	return r
}

// return r in [0, nChoices) without modulo bias,
// by rejection sampling. nChoices must be > 1.
func cryptoRandNonNegInt64Range(nChoices int64) (r int64) {
	if nChoices <= 1 {
		panic(fmt.Sprintf("nChoices must be in [2, MaxInt64]; we see %v", nChoices))
	}
	if nChoices == math.MaxInt64 {
		return cryptoRandNonNegInt64()
	}
	// accept all values <= redrawAbove, then mod by nChoices.
	redrawAbove := math.MaxInt64 - (((math.MaxInt64 % nChoices) + 1) % nChoices)
	// INVAR: redrawAbove % nChoices == (nChoices - 1).

	b := make([]byte, 8)
	for {
		_, err := cryrand.Read(b)
		panicOn(err)
		r = int64(binary.LittleEndian.Uint64(b))
		if r < 0 {
			// give 0 the last negative number too,
			// else it is drawn half as often.
			if r == math.MinInt64 {
				return 0
			}
			r = -r
		}
		if r > redrawAbove {
			continue
		}
		return r % nChoices
	}
}

// cryptoRandInt64RangePosOrNeg returns r in
// [-largestPositiveChoice, largestPositiveChoice].
// largestPositiveChoice must be in [1, MaxInt64/2).
func cryptoRandInt64RangePosOrNeg(largestPositiveChoice int64) (r int64) {
	if largestPositiveChoice < 1 || largestPositiveChoice >= (math.MaxInt64>>1) {
		panic(fmt.Sprintf("cryptoRandInt64RangePosOrNeg: largestPositiveChoice out of range: %v", largestPositiveChoice))
	}
	r = cryptoRandNonNegInt64Range(1 + (largestPositiveChoice << 1))
	return -largestPositiveChoice + r
}

// randDur returns a duration uniform in [lo, hi].
func randDur(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(cryptoRandNonNegInt64Range(int64(hi-lo)+1))
}

// randCounterSalt returns a small random amount to add
// to a seeded proposal counter, so two stages started in
// the same millisecond on one host still start apart.
func randCounterSalt() uint64 {
	return uint64(cryptoRandNonNegInt64Range(1000))
}
