// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package similarity implements the measures used to drop near-duplicate
// target outputs and already known execution traces.
package similarity

// Inputs longer than this are only compared if their lengths match exactly.
const maxFuzzyLen = 512

// Jaro computes the Jaro similarity of two byte strings, a value in [0, 1].
// Equal strings (including two empty ones) have similarity 1.
func Jaro(a, b []byte) float64 {
	if string(a) == string(b) {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	searchRange := max(len(a), len(b))/2 - 1
	if searchRange < 0 {
		searchRange = 0
	}
	matchedA := make([]bool, len(a))
	matchedB := make([]bool, len(b))
	matches := 0
	for i := range a {
		lo := max(0, i-searchRange)
		hi := min(len(b)-1, i+searchRange)
		for j := lo; j <= hi; j++ {
			if matchedB[j] || b[j] != a[i] {
				continue
			}
			matchedA[i], matchedB[j] = true, true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}
	// Half the number of matched characters that appear in a different order.
	transpositions := 0
	for i, j := 0, 0; i < len(a); i++ {
		if !matchedA[i] {
			continue
		}
		for !matchedB[j] {
			j++
		}
		if a[i] != b[j] {
			transpositions++
		}
		j++
	}
	transpositions /= 2
	m := float64(matches)
	return (m/float64(len(a)) + m/float64(len(b)) + (m-float64(transpositions))/m) / 3
}

// Output compares two target outputs. Outputs whose lengths differ by more
// than a factor of two are unrelated, and long outputs are only compared
// when their lengths are equal, as Jaro is quadratic.
func Output(a, b []byte) float64 {
	la, lb := len(a), len(b)
	if la > 2*lb || lb > 2*la {
		return 0
	}
	if max(la, lb) > maxFuzzyLen && la != lb {
		return 0
	}
	return Jaro(a, b)
}

// Redundant reports whether out is more similar than threshold to any entry of pool.
func Redundant(pool [][]byte, out []byte, threshold float64) bool {
	for _, known := range pool {
		if Output(known, out) > threshold {
			return true
		}
	}
	return false
}

// TraceSeen reports whether trace is already present in pool.
// Traces are compared for exact equality.
func TraceSeen(pool []string, trace string) bool {
	for _, known := range pool {
		if known == trace {
			return true
		}
	}
	return false
}
