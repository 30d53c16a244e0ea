package fn

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Parallel()

	require.Equal(
		t, []string{"1", "2", "3"},
		Map([]int{1, 2, 3}, strconv.Itoa),
	)
}

func TestMapErr(t *testing.T) {
	t.Parallel()

	out, err := MapErr([]string{"1", "2"}, strconv.Atoi)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, out)

	_, err = MapErr([]string{"1", "x"}, strconv.Atoi)
	require.Error(t, err)
}

func TestFilter(t *testing.T) {
	t.Parallel()

	even := func(x int) bool { return x%2 == 0 }
	require.Equal(t, []int{2, 4}, Filter([]int{1, 2, 3, 4, 5}, even))
	require.Equal(t, 2, Count([]int{1, 2, 3, 4, 5}, even))
}

func TestPredicates(t *testing.T) {
	t.Parallel()

	positive := func(x int) bool { return x > 0 }
	require.True(t, All([]int{1, 2, 3}, positive))
	require.False(t, All([]int{1, -2, 3}, positive))
	require.True(t, Any([]int{-1, 2}, positive))
	require.False(t, Any([]int{-1, -2}, positive))
}

func TestReduce(t *testing.T) {
	t.Parallel()

	sum := Reduce([]int{1, 2, 3}, func(accum, value int) int {
		return accum + value
	})
	require.Equal(t, 6, sum)
}
