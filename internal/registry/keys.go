package registry

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Keys derives the resource keys of payload using e.ResourceKeys.
//
// Keys are NFC-normalized so visually identical keys lock the same resource,
// de-duplicated with first occurrence order preserved, and checked against
// e.KeySpaces. An instruction must touch at least one resource.
func Keys(e Entry, payload any) ([]string, error) {
	raw, err := e.ResourceKeys(payload)
	if err != nil {
		return nil, fmt.Errorf("derive resource keys: %w", err)
	}

	keys := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, k := range raw {
		k = norm.NFC.String(strings.TrimSpace(k))
		if k == "" {
			return nil, fmt.Errorf("derive resource keys: empty key")
		}
		if seen[k] {
			continue
		}
		if !inKeySpaces(k, e.KeySpaces) {
			return nil, fmt.Errorf("resource key %q outside declared key spaces %v", k, e.KeySpaces)
		}
		seen[k] = true
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("derive resource keys: instruction touches no resource")
	}
	return keys, nil
}

func inKeySpaces(key string, spaces []string) bool {
	for _, s := range spaces {
		if strings.HasPrefix(key, s) {
			return true
		}
	}
	return false
}

// normalizeKeySpaces trims, NFC-normalizes and drops empty prefixes.
func normalizeKeySpaces(spaces []string) []string {
	out := make([]string, 0, len(spaces))
	for _, s := range spaces {
		s = norm.NFC.String(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// overlappingSpace returns the first pair of prefixes where one is a prefix
// of the other: any key in the shorter space could then also be in the longer.
func overlappingSpace(a, b []string) (string, string, bool) {
	for _, x := range a {
		for _, y := range b {
			if strings.HasPrefix(x, y) || strings.HasPrefix(y, x) {
				return x, y, true
			}
		}
	}
	return "", "", false
}
