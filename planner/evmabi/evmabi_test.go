package evmabi_test

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zeebo/assert"

	"github.com/driftline-labs/trade-engine/planner/evmabi"
)

func TestSelectorKnownValues(t *testing.T) {
	// Canonical selectors verifiable against any ABI tool.
	cases := map[string]string{
		"transfer(address,uint256)": "a9059cbb",
		"approve(address,uint256)":  "095ea7b3",
		"deposit()":                 "d0e30db0",
		"withdraw(uint256)":         "2e1a7d4d",
	}
	for sig, want := range cases {
		sel := evmabi.Selector(sig)
		assert.Equal(t, want, hex.EncodeToString(sel[:]))
	}
}

func TestPackLayout(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000DeaDBeef")
	amount := big.NewInt(1_000_000)

	data := evmabi.Pack("approve(address,uint256)",
		evmabi.AddressWord(addr),
		evmabi.UintWord(amount),
	)

	assert.Equal(t, evmabi.SelectorSize+2*evmabi.WordSize, len(data))

	sel := evmabi.Selector("approve(address,uint256)")
	assert.True(t, bytes.Equal(data[:4], sel[:]))

	// Address is left-padded into the first argument word.
	word0 := data[evmabi.ArgOffset(0):evmabi.ArgOffset(1)]
	assert.True(t, bytes.Equal(word0[12:], addr.Bytes()))
	for _, b := range word0[:12] {
		assert.Equal(t, byte(0), b)
	}

	// Amount occupies the second argument word.
	word1 := data[evmabi.ArgOffset(1):]
	assert.Equal(t, "1000000", new(big.Int).SetBytes(word1).String())
}

func TestArgOffset(t *testing.T) {
	assert.Equal(t, 4, evmabi.ArgOffset(0))
	assert.Equal(t, 36, evmabi.ArgOffset(1))
	assert.Equal(t, 68, evmabi.ArgOffset(2))
}

func TestWords(t *testing.T) {
	assert.Equal(t, byte(1), evmabi.BoolWord(true)[31])
	assert.Equal(t, byte(0), evmabi.BoolWord(false)[31])

	w := evmabi.Uint64Word(0xdead)
	assert.Equal(t, byte(0xde), w[30])
	assert.Equal(t, byte(0xad), w[31])

	zero := evmabi.UintWord(nil)
	assert.True(t, bytes.Equal(zero[:], make([]byte, 32)))
}

func TestReturnDecoding(t *testing.T) {
	ret := make([]byte, 64)
	ret[31] = 7
	ret[63] = 9

	v0, err := evmabi.UintFromReturn(ret, 0)
	assert.NoError(t, err)
	assert.Equal(t, int64(7), v0.Int64())

	v1, err := evmabi.UintFromReturn(ret, 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(9), v1.Int64())

	_, err = evmabi.UintFromReturn(ret, 2)
	assert.Error(t, err)

	_, err = evmabi.WordAt(nil, 0)
	assert.Error(t, err)
}
