package chunker

import "io"

// FastCDC default parameters.
const (
	DefaultFastCDCMinSize = 32 * 1024
	DefaultFastCDCAvgSize = 64 * 1024
	DefaultFastCDCMaxSize = 128 * 1024

	// fastCDCNormalization shifts the boundary masks around the average
	// size, tightening the chunk size distribution.
	fastCDCNormalization = 2
)

// gearTable is the fixed gear hash table used by FastCDC boundary detection.
// Generated deterministically at startup; the seed must never change.
var gearTable [256]uint64

func init() {
	state := uint64(0x5c72_19a1_0f5c_a4d9)
	for i := range gearTable {
		gearTable[i] = splitmix64(&state)
	}
}

// FastCDC holds the settings for a FastCDC chunker. Sizes are limited to int
// because the implementation keeps an in-memory buffer of MaxSize bytes.
type FastCDC struct {
	MinSize int
	AvgSize int
	MaxSize int
}

// NewFastCDC returns a FastCDC chunker with the default 32 KiB / 64 KiB /
// 128 KiB parameters.
func NewFastCDC() FastCDC {
	return FastCDC{
		MinSize: DefaultFastCDCMinSize,
		AvgSize: DefaultFastCDCAvgSize,
		MaxSize: DefaultFastCDCMaxSize,
	}
}

// Chunk implements Chunker.
func (f FastCDC) Chunk(r io.Reader) Iterator {
	maskS, maskL := fastCDCMasks(uint64(f.AvgSize))
	return &fastCDCIterator{
		settings: f,
		maskS:    maskS,
		maskL:    maskL,
		buffer:   make([]byte, f.MaxSize),
		read:     r,
	}
}

type fastCDCIterator struct {
	settings FastCDC
	maskS    uint64
	maskL    uint64
	// buffer always has capacity MaxSize; length tracks the valid prefix
	buffer []byte
	length int
	read   io.Reader
	eof    bool
}

// Next refills the buffer to MaxSize where possible, finds the next cut
// point over the buffered prefix, and drains it as the next chunk.
func (it *fastCDCIterator) Next() ([]byte, error) {
	if err := it.fillBuffer(); err != nil {
		return nil, err
	}
	if it.length == 0 {
		return nil, io.EOF
	}
	cut := fastCDCBoundary(it.buffer[:it.length], it.settings.MinSize, it.settings.AvgSize, it.settings.MaxSize, it.maskS, it.maskL)
	out := make([]byte, cut)
	copy(out, it.buffer[:cut])
	copy(it.buffer, it.buffer[cut:it.length])
	it.length -= cut
	return out, nil
}

func (it *fastCDCIterator) fillBuffer() error {
	if it.eof || it.length == len(it.buffer) {
		return nil
	}
	n, eof, err := fill(it.read, it.buffer[it.length:])
	it.length += n
	it.eof = eof
	return err
}

// fastCDCBoundary finds the next cut point over data using the two-phase
// FastCDC scheme: a strict mask below the average size, a loose mask above
// it.
func fastCDCBoundary(data []byte, minSize, avgSize, maxSize int, maskS, maskL uint64) int {
	n := len(data)
	if n <= minSize {
		return n
	}
	if n > maxSize {
		n = maxSize
	}
	normal := avgSize
	if normal > n {
		normal = n
	}

	var fp uint64
	i := minSize
	for ; i < normal; i++ {
		fp = (fp << 1) + gearTable[data[i]]
		if fp&maskS == 0 {
			return i + 1
		}
	}
	for ; i < n; i++ {
		fp = (fp << 1) + gearTable[data[i]]
		if fp&maskL == 0 {
			return i + 1
		}
	}
	return n
}

// fastCDCMasks derives the strict and loose masks from the average chunk
// size. Effective bits are spread across the 64-bit word, which empirically
// yields a better boundary distribution than compact low-bit masks.
func fastCDCMasks(avgSize uint64) (maskS, maskL uint64) {
	bits := uint64(0)
	for n := avgSize; n > 1; n >>= 1 {
		bits++
	}
	bitsS := bits + fastCDCNormalization
	bitsL := bits - fastCDCNormalization
	if bitsL < 1 {
		bitsL = 1
	}
	if bitsS > 63 {
		bitsS = 63
	}
	return spreadMask(bitsS), spreadMask(bitsL)
}

func spreadMask(effectiveBits uint64) uint64 {
	if effectiveBits >= 64 {
		return ^uint64(0)
	}
	var mask uint64
	spacing := 64 / effectiveBits
	for i := uint64(0); i < effectiveBits; i++ {
		mask |= 1 << (i * spacing)
	}
	return mask
}
