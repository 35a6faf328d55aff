package vector

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// fallbackEmbedding builds a deterministic hashed bag-of-words vector. It
// carries no semantics, but identical texts always land on identical
// vectors, so exact and near-duplicate lookups still work when no embedding
// provider is reachable.
func fallbackEmbedding(text string) []float32 {
	vec := make([]float32, fallbackDimension)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[h.Sum32()%fallbackDimension]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
