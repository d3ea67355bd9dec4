package common

import (
	"context"
	"os"
	"slices"
	"unicode/utf8"
)

func Contains[T comparable](elems []T, v T) bool {
	for _, s := range elems {
		if v == s {
			return true
		}
	}

	return false
}

// Difference returns the elements of base which are in none of the excluded slices, keeping base order.
func Difference(base []string, excluded ...[]string) []string {
	skip := make(map[string]struct{})

	for _, list := range excluded {
		for _, item := range list {
			skip[item] = struct{}{}
		}
	}

	result := make([]string, 0, len(base))

	for _, item := range base {
		if _, ok := skip[item]; !ok {
			result = append(result, item)
		}
	}

	return result
}

// SortedDescending returns a sorted copy of the input, highest string first.
func SortedDescending(items []string) []string {
	sorted := slices.Clone(items)
	slices.Sort(sorted)
	slices.Reverse(sorted)

	return sorted
}

// DirExists reports whether d names a directory, any stat failure counts as absent.
func DirExists(d string) bool {
	if !utf8.ValidString(d) {
		return false
	}

	fileInfo, err := os.Stat(d)
	if err != nil {
		return false
	}

	return fileInfo.IsDir()
}

func IsContextDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
