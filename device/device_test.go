package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	d, err := Parse("CPU")
	require.NoError(t, err)
	require.Equal(t, Default(), d)
	require.Equal(t, "cpu", d.String())

	d, err = Parse("cpu:0")
	require.NoError(t, err)
	require.Equal(t, 0, d.Index)

	_, err = Parse("cpu:x")
	require.Error(t, err)
}

func TestParseUnavailable(t *testing.T) {
	_, err := Parse("cuda:0")
	require.True(t, errors.Is(err, ErrUnavailable))

	_, err = Parse("cpu:100000")
	require.True(t, errors.Is(err, ErrUnavailable))
}

func TestParseList(t *testing.T) {
	devices, err := ParseList("")
	require.NoError(t, err)
	require.Equal(t, []Device{Default()}, devices)

	devices, err = ParseList("cpu, ,cpu")
	require.Error(t, err)
	require.Nil(t, devices)
}
