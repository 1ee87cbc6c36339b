package chain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func sum(w []float64) float64 {
	var s float64
	for _, v := range w {
		s += v
	}
	return s
}

func TestNormalizeDropsDuplicatesOutOfRangeAndZeros(t *testing.T) {
	uids, weights, err := Normalize(5, []uint16{2, 2, 99, 1, 4}, []float64{3, 10, 5, 1, 0}, 0, 1)
	require.NoError(t, err)
	require.Equal(t, []uint16{1, 2}, uids)
	require.InDelta(t, 0.25, weights[0], 1e-12)
	require.InDelta(t, 0.75, weights[1], 1e-12)
}

func TestNormalizeFallsBackToUniform(t *testing.T) {
	uids, weights, err := Normalize(4, []uint16{0, 1}, []float64{0, 0}, 0, 1)
	require.NoError(t, err)
	require.Equal(t, []uint16{0, 1, 2, 3}, uids)
	for _, w := range weights {
		require.InDelta(t, 0.25, w, 1e-12)
	}

	// A registry smaller than the minimum weight count is also uniform.
	uids, weights, err = Normalize(2, []uint16{0}, []float64{1}, 8, 1)
	require.NoError(t, err)
	require.Equal(t, []uint16{0, 1}, uids)
	require.InDelta(t, 0.5, weights[1], 1e-12)
}

func TestNormalizePadsToMinimum(t *testing.T) {
	uids, weights, err := Normalize(4, []uint16{1}, []float64{1}, 3, 1)
	require.NoError(t, err)
	require.Equal(t, []uint16{0, 1, 2, 3}, uids)
	require.InDelta(t, 1.0, sum(weights), 1e-12)
	require.Greater(t, weights[1], 0.99)
	require.Positive(t, weights[0])
	require.InDelta(t, weights[0], weights[3], 1e-15)
}

func TestNormalizeCapsByWaterFilling(t *testing.T) {
	uids, weights, err := Normalize(4, []uint16{0, 1, 2, 3}, []float64{100, 50, 1, 1}, 0, 0.4)
	require.NoError(t, err)
	require.Len(t, uids, 4)
	require.InDelta(t, 1.0, sum(weights), 1e-12)
	for _, w := range weights {
		require.LessOrEqual(t, w, 0.4+1e-12)
	}
	require.InDelta(t, 0.4, weights[0], 1e-12)
	require.InDelta(t, 0.4, weights[1], 1e-12)
	require.InDelta(t, 0.1, weights[2], 1e-12)
	require.InDelta(t, 0.1, weights[3], 1e-12)
}

func TestNormalizeUnreachableCapIsUniform(t *testing.T) {
	_, weights, err := Normalize(3, []uint16{0, 1}, []float64{9, 1}, 0, 0.3)
	require.NoError(t, err)
	require.InDelta(t, 0.5, weights[0], 1e-12)
	require.InDelta(t, 0.5, weights[1], 1e-12)
}

func TestNormalizeErrors(t *testing.T) {
	_, _, err := Normalize(0, nil, nil, 0, 1)
	require.True(t, errors.Is(err, ErrEmptyRegistry))

	_, _, err = Normalize(3, []uint16{0}, []float64{1, 2}, 0, 1)
	require.Error(t, err)

	_, _, err = Normalize(3, []uint16{0}, []float64{-1}, 0, 1)
	require.Error(t, err)
}

func TestToEmit(t *testing.T) {
	dests, values, err := ToEmit([]uint16{1, 2, 3, 4}, []float64{0.5, 0.25, 0, 1e-9})
	require.NoError(t, err)
	require.Equal(t, []uint16{1, 2}, dests)
	require.Equal(t, []uint16{65535, 32768}, values)

	_, _, err = ToEmit([]uint16{1}, []float64{0})
	require.Error(t, err)

	_, _, err = ToEmit([]uint16{1, 2}, []float64{1})
	require.Error(t, err)
}

func TestStakeCodec(t *testing.T) {
	tokens, err := DecodeStake("12500000000")
	require.NoError(t, err)
	require.InDelta(t, 12.5, tokens, 1e-12)

	tokens, err = DecodeStake("")
	require.NoError(t, err)
	require.Zero(t, tokens)

	_, err = DecodeStake("-5")
	require.Error(t, err)
	_, err = DecodeStake("1.5")
	require.Error(t, err)
}

func TestAxonCodec(t *testing.T) {
	require.Empty(t, FormatAxon(AxonInfo{}))
	require.Empty(t, FormatAxon(AxonInfo{IP: "0.0.0.0", Port: 8080}))

	in := AxonInfo{Block: 12, Version: 3, IP: "192.168.1.20", Port: 8091, IPType: 4, Protocol: 4}
	out, err := ParseAxon(FormatAxon(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
	require.Equal(t, "192.168.1.20:8091", out.Endpoint())

	v6, err := ParseAxon(FormatAxon(AxonInfo{IP: "::1", Port: 9000, IPType: 6}))
	require.NoError(t, err)
	require.Equal(t, "[::1]:9000", v6.Endpoint())

	empty, err := ParseAxon("")
	require.NoError(t, err)
	require.False(t, empty.IsServing())

	_, err = ParseAxon(`{"ip":"not-an-ip","port":1}`)
	require.Error(t, err)
	_, err = ParseAxon("garbage")
	require.Error(t, err)
}
