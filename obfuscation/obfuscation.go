// Copyright (c) 2014, Yawning Angel <yawning at torproject dot org>
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
//  * Redistributions of source code must retain the above copyright notice,
//    this list of conditions and the following disclaimer.
//
//  * Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
// ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
// LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
// CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
// SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
// CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
// ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
// POSSIBILITY OF SUCH DAMAGE.

// Package obfuscation implements the xr-proxy wire obfuscation transform: a
// keyed, position-dependent XOR applied with a per-frame offset so that
// identical plaintext never produces identical ciphertext twice in a row.
//
// This is obfuscation, not encryption. It defeats static signature matching
// by a passive observer; it does not resist an active attacker who can
// search the key space or who already knows the key. See Apply and the
// ModifierStrategy constants for the exact transform.
package obfuscation

import (
	"fmt"
	"math/bits"
)

// ModifierStrategy selects how the position-dependent modifier byte is
// derived. Client and server must agree on the same strategy.
type ModifierStrategy int

const (
	// PositionalXorRotate computes modifier(i) = (i * salt) & 0xFF.
	PositionalXorRotate ModifierStrategy = iota
	// RotatingSalt computes modifier(i) = rotl32(salt, i % 32) & 0xFF.
	RotatingSalt
	// SubstitutionTable computes modifier(i) = table[(i + salt) % 256].
	SubstitutionTable
)

// ParseModifierStrategy maps a config string to a ModifierStrategy.
func ParseModifierStrategy(s string) (ModifierStrategy, error) {
	switch s {
	case "positional_xor_rotate":
		return PositionalXorRotate, nil
	case "rotating_salt":
		return RotatingSalt, nil
	case "substitution_table":
		return SubstitutionTable, nil
	default:
		return 0, fmt.Errorf("obfuscation: unknown modifier strategy %q", s)
	}
}

func (m ModifierStrategy) String() string {
	switch m {
	case PositionalXorRotate:
		return "positional_xor_rotate"
	case RotatingSalt:
		return "rotating_salt"
	case SubstitutionTable:
		return "substitution_table"
	default:
		return "unknown"
	}
}

// Obfuscator holds a key, salt, and modifier strategy, built once per
// process and reused for every frame on every flow. It has no mutable state
// past construction and is safe for concurrent use by multiple goroutines.
type Obfuscator struct {
	key      []byte
	salt     uint32
	strategy ModifierStrategy
	subTable [256]byte
}

// New builds an Obfuscator from a non-empty key, a 32-bit salt, and a
// modifier strategy. An empty key is a configuration error and must be
// rejected before this is ever called; New panics on it, since by the time
// an Obfuscator is being constructed the key has already been validated at
// config-parse time.
func New(key []byte, salt uint32, strategy ModifierStrategy) *Obfuscator {
	if len(key) == 0 {
		panic("obfuscation: BUG: key must not be empty")
	}

	o := &Obfuscator{
		key:      append([]byte(nil), key...),
		salt:     salt,
		strategy: strategy,
	}
	o.buildSubTable()
	return o
}

// buildSubTable derives the 256-byte substitution table from the key and
// salt using a linear congruential generator. This is deliberately
// non-cryptographic: it only needs to be deterministic and hard to guess
// without the key, not to resist cryptanalysis.
func (o *Obfuscator) buildSubTable() {
	state := o.salt
	for i := range o.subTable {
		state = state*1664525 + 1013904223
		state ^= uint32(o.key[i%len(o.key)])
		o.subTable[i] = byte(state >> 16)
	}
}

// modifier computes the position-dependent modifier byte for absolute
// position j (which already includes the frame's offset).
func (o *Obfuscator) modifier(j uint32) byte {
	switch o.strategy {
	case PositionalXorRotate:
		return byte(j * o.salt)
	case RotatingSalt:
		return byte(bits.RotateLeft32(o.salt, int(j%32)))
	case SubstitutionTable:
		return o.subTable[(uint64(j)+uint64(o.salt))%256]
	default:
		panic("obfuscation: BUG: unknown modifier strategy")
	}
}

// Apply obfuscates or deobfuscates buf in place, starting the keystream at
// offset. It is its own inverse: calling Apply twice with the same offset
// restores the original contents.
func (o *Obfuscator) Apply(buf []byte, offset uint32) {
	keyLen := uint32(len(o.key))
	for i := range buf {
		j := offset + uint32(i)
		keyByte := o.key[j%keyLen]
		buf[i] ^= keyByte ^ o.modifier(j)
	}
}
