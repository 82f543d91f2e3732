// Package evmabi packs call data for the fixed-shape contract calls the
// planner emits and reads. Every call this engine touches takes only static
// 32-byte arguments, so the packing is a selector plus padded words; pulling
// in a full JSON-ABI encoder would add nothing but a parsing step.
package evmabi

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// WordSize is the width of one ABI-encoded argument.
const WordSize = 32

// SelectorSize is the width of a function selector.
const SelectorSize = 4

// Selector returns the 4-byte selector for a canonical function signature,
// e.g. "transfer(address,uint256)".
func Selector(signature string) [SelectorSize]byte {
	var sel [SelectorSize]byte
	copy(sel[:], crypto.Keccak256([]byte(signature))[:SelectorSize])
	return sel
}

// AddressWord left-pads an address to one ABI word.
func AddressWord(addr common.Address) [WordSize]byte {
	var w [WordSize]byte
	copy(w[WordSize-common.AddressLength:], addr.Bytes())
	return w
}

// UintWord encodes a non-negative integer as one ABI word.
// Values wider than 256 bits are a caller bug.
func UintWord(v *big.Int) [WordSize]byte {
	var w [WordSize]byte
	if v == nil || v.Sign() == 0 {
		return w
	}
	v.FillBytes(w[:])
	return w
}

// Uint64Word encodes a uint64 as one ABI word.
func Uint64Word(v uint64) [WordSize]byte {
	var w [WordSize]byte
	binary.BigEndian.PutUint64(w[WordSize-8:], v)
	return w
}

// BoolWord encodes a boolean as one ABI word.
func BoolWord(v bool) [WordSize]byte {
	var w [WordSize]byte
	if v {
		w[WordSize-1] = 1
	}
	return w
}

// Pack concatenates the selector for signature with the given words.
func Pack(signature string, words ...[WordSize]byte) []byte {
	sel := Selector(signature)
	out := make([]byte, 0, SelectorSize+len(words)*WordSize)
	out = append(out, sel[:]...)
	for _, w := range words {
		out = append(out, w[:]...)
	}
	return out
}

// ArgOffset returns the byte offset of the n-th (zero-based) static argument
// within a packed payload. Builder code uses this to know where a runtime
// value must be pasted.
func ArgOffset(n int) int {
	return SelectorSize + n*WordSize
}

// WordAt extracts the n-th 32-byte word from raw return data.
func WordAt(data []byte, n int) ([WordSize]byte, error) {
	var w [WordSize]byte
	start := n * WordSize
	if len(data) < start+WordSize {
		return w, fmt.Errorf("return data too short: want word %d, have %d bytes", n, len(data))
	}
	copy(w[:], data[start:start+WordSize])
	return w, nil
}

// UintFromReturn decodes the n-th return word as a big integer.
func UintFromReturn(data []byte, n int) (*big.Int, error) {
	w, err := WordAt(data, n)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(w[:]), nil
}
