// Package chunker implements the content-defined chunkers that split byte
// streams into plaintext chunks: FastCDC, a nonce-randomized BuzHash rolling
// hash, and a fixed-size splitter.
//
// All chunkers guarantee that concatenating the emitted chunks reproduces the
// input exactly, that the same input with the same settings produces the same
// boundaries, and (for the size-bounded chunkers) that no chunk exceeds the
// maximum size and at most the final chunk is below the minimum.
package chunker

import "io"

// Chunker splits a byte source into an ordered sequence of plaintext chunks.
type Chunker interface {
	// Chunk returns an iterator over the chunks of r.
	Chunk(r io.Reader) Iterator
}

// Iterator yields successive chunks. Next returns io.EOF once the source is
// exhausted; an empty source yields io.EOF on the first call. Errors from the
// underlying reader are returned verbatim.
type Iterator interface {
	Next() ([]byte, error)
}

// splitmix64 steps the SplitMix64 generator, used to derive deterministic
// hash tables. It must never change: chunk boundaries, and therefore
// deduplication across repository versions, depend on it.
func splitmix64(state *uint64) uint64 {
	*state += 0x9e3779b97f4a7c15
	z := *state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// fill reads from r until buf is full or the reader is exhausted, returning
// the number of bytes read. Unlike io.ReadFull it treats EOF as a normal
// terminal condition.
func fill(r io.Reader, buf []byte) (int, bool, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err == io.EOF {
			return total, true, nil
		}
		if err != nil {
			return total, false, err
		}
		if n == 0 {
			return total, true, nil
		}
	}
	return total, false, nil
}
