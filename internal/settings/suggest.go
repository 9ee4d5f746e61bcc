package settings

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/a2dpd/pkg/codec"
)

// suggestThreshold is the minimum Jaro-Winkler similarity for a hint.
const suggestThreshold = 0.80

// SuggestCodec returns the known codec identifier most similar to name.
// Comparison is case-insensitive so "aptx hd" suggests "aptX HD". ok is false
// when nothing is similar enough.
func SuggestCodec(name string) (codec.ID, bool) {
	in := strings.ToLower(strings.TrimSpace(name))
	if in == "" {
		return "", false
	}

	var (
		best  codec.ID
		score float64
	)
	for _, id := range codec.Known() {
		s := matchr.JaroWinkler(in, strings.ToLower(string(id)), false)
		if s > score {
			best, score = id, s
		}
	}
	if score < suggestThreshold {
		return "", false
	}
	return best, true
}
