// Package fn holds the small set of generic slice helpers shared across the
// library.
package fn

// Reducer represents a function that takes an accumulator and the value, then
// returns a new accumulator.
type Reducer[T, V any] func(accum T, value V) T

// Reduce takes a slice of something, and a reducer, and produces a final
// accumulated value.
func Reduce[T any, V any, S []V](s S, f Reducer[T, V]) T {
	var accum T

	for _, x := range s {
		accum = f(accum, x)
	}

	return accum
}

// Map applies the given mapping function to each element of the given slice
// and generates a new slice.
func Map[I, O any, S []I](s S, f func(I) O) []O {
	output := make([]O, len(s))

	for i, x := range s {
		output[i] = f(x)
	}

	return output
}

// MapErr applies the given fallible mapping function to each element of the
// given slice and generates a new slice. This is identical to Map, but
// returns early if any single mapping fails.
func MapErr[I, O any, S []I](s S, f func(I) (O, error)) ([]O, error) {
	output := make([]O, len(s))
	var err error

	for i, x := range s {
		output[i], err = f(x)
		if err != nil {
			return nil, err
		}
	}

	return output, nil
}

// Filter applies the given predicate function to each element of the given
// slice and generates a new slice containing only the elements for which the
// predicate returned true.
func Filter[T any](s []T, f func(T) bool) []T {
	output := make([]T, 0, len(s))

	for _, x := range s {
		if f(x) {
			output = append(output, x)
		}
	}

	return output
}

// All returns true if the passed predicate returns true for all items in the
// slice.
func All[T any](xs []T, pred func(T) bool) bool {
	for i := range xs {
		if !pred(xs[i]) {
			return false
		}
	}

	return true
}

// Any returns true if the passed predicate returns true for any item in the
// slice.
func Any[T any](xs []T, pred func(T) bool) bool {
	for i := range xs {
		if pred(xs[i]) {
			return true
		}
	}

	return false
}

// Count returns the number of items in the slice that match the predicate.
func Count[T any](xs []T, pred func(T) bool) int {
	var count int

	for i := range xs {
		if pred(xs[i]) {
			count++
		}
	}

	return count
}
