// Package randkey generates deterministic pseudo-random keys and values for
// the store's scale tests and for cmd/yakvdb-bench's load-generation
// subcommand. It always uses an explicit seeded *rand.Rand, never the
// global math/rand source, so a given seed reproduces the same sequence
// regardless of what else in the process has consumed randomness.
package randkey

import "math/rand"

// Generator produces fixed-width byte-string keys and values from a seeded
// source.
type Generator struct {
	rnd *rand.Rand
}

// New returns a Generator seeded deterministically from seed.
func New(seed int64) *Generator {
	return &Generator{rnd: rand.New(rand.NewSource(seed))}
}

// Bytes returns n pseudo-random bytes.
func (g *Generator) Bytes(n int) []byte {
	b := make([]byte, n)
	g.rnd.Read(b)
	return b
}

// KV generates count distinct (key, value) pairs, each keyLen/valLen bytes,
// re-rolling on key collision so every key in the returned set is unique.
func (g *Generator) KV(count, keyLen, valLen int) [][2][]byte {
	seen := make(map[string]struct{}, count)
	out := make([][2][]byte, 0, count)
	for len(out) < count {
		k := g.Bytes(keyLen)
		if _, dup := seen[string(k)]; dup {
			continue
		}
		seen[string(k)] = struct{}{}
		out = append(out, [2][]byte{k, g.Bytes(valLen)})
	}
	return out
}

// Shuffle permutes a slice of keys in place using the generator's source,
// mirroring math/rand.Rand.Shuffle.
func (g *Generator) Shuffle(keys [][]byte) {
	g.rnd.Shuffle(len(keys), func(i, j int) {
		keys[i], keys[j] = keys[j], keys[i]
	})
}
