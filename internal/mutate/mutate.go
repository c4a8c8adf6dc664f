// Package mutate implements the byte-level mutation engine. Mutations never
// change the length of the input.
package mutate

import (
	"errors"
	"math/rand/v2"
)

var ErrEmptySeed = errors.New("cannot mutate an empty seed")

const maxPasses = 5

// Strategy identifies one mutation pass.
type Strategy int

const (
	BitFlip Strategy = iota
	ByteReplace
	MagicNumber
	strategyCount
)

func (s Strategy) String() string {
	switch s {
	case BitFlip:
		return "bit_flip"
	case ByteReplace:
		return "byte_replace"
	case MagicNumber:
		return "magic_number"
	default:
		return "unknown"
	}
}

// Magic is a boundary value written little-endian over Width bytes.
type Magic struct {
	Width int
	Value uint32
}

// MagicNumbers holds 0, signed max, signed max+1 and all-ones for widths 1, 2 and 4.
var MagicNumbers = []Magic{
	{1, 0x0},
	{1, 0x7f},
	{1, 0x80},
	{1, 0xff},
	{2, 0x0},
	{2, 0x7fff},
	{2, 0x8000},
	{2, 0xffff},
	{4, 0x0},
	{4, 0x7fffffff},
	{4, 0x80000000},
	{4, 0xffffffff},
}

// Mutate returns a mutated copy of seed after 1 to 5 randomly chosen passes.
// seed itself is never modified.
func Mutate(rng *rand.Rand, seed []byte) ([]byte, error) {
	if len(seed) == 0 {
		return nil, ErrEmptySeed
	}
	candidate := make([]byte, len(seed))
	copy(candidate, seed)

	passes := 1 + rng.IntN(maxPasses)
	for range passes {
		Apply(rng, Strategy(rng.IntN(int(strategyCount))), candidate)
	}
	return candidate, nil
}

// Apply runs one pass of strategy over buf in place. buf must not be empty.
func Apply(rng *rand.Rand, strategy Strategy, buf []byte) {
	switch strategy {
	case BitFlip:
		FlipBit(buf, rng.IntN(len(buf)), uint(rng.IntN(8)))
	case ByteReplace:
		buf[rng.IntN(len(buf))] = byte(rng.IntN(256))
	case MagicNumber:
		fits := fittingMagics(len(buf))
		magic := fits[rng.IntN(len(fits))]
		InsertMagic(buf, rng.IntN(len(buf)-magic.Width+1), magic)
	}
}

func FlipBit(buf []byte, offset int, bit uint) {
	buf[offset] ^= 1 << bit
}

// InsertMagic overwrites exactly magic.Width bytes starting at offset.
func InsertMagic(buf []byte, offset int, magic Magic) {
	for i := range magic.Width {
		buf[offset+i] = byte(magic.Value >> (8 * i))
	}
}

func fittingMagics(length int) []Magic {
	if length >= 4 {
		return MagicNumbers
	}
	fits := make([]Magic, 0, len(MagicNumbers))
	for _, m := range MagicNumbers {
		if m.Width <= length {
			fits = append(fits, m)
		}
	}
	return fits
}
