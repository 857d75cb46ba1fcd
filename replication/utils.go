package replication

import (
	"fmt"
	"strconv"
	"strings"
)

// lssNumber parses a 2-hex-digit LSS ID into its numeric value.
func lssNumber(id string) (int, error) {
	n, err := strconv.ParseInt(id, 16, 32)
	if err != nil || n < 0 || n > maxLSSNumber {
		return -1, fmt.Errorf("Invalid LSS ID %q", id)
	}

	return int(n), nil
}

// lssID formats a numeric LSS value as its 2-hex-digit ID.
func lssID(n int) string {
	return fmt.Sprintf("%02x", n)
}

// volumeLSS extracts the LSS ID from a 4-hex-digit array volume ID.
// The first two digits of a volume ID are the LSS it lives in.
func volumeLSS(volumeID string) string {
	if len(volumeID) < 2 {
		return ""
	}

	return strings.ToLower(volumeID[:2])
}

// volumeIDRange returns the smallest and largest volume ID of the given set.
// Volume IDs are compared by their hex value, matching the ordering the array
// applies when a PPRC query is keyed by a volume ID range.
func volumeIDRange(volumeIDs []string) (string, string) {
	if len(volumeIDs) == 0 {
		return "", ""
	}

	minID := volumeIDs[0]
	maxID := volumeIDs[0]
	minVal, _ := strconv.ParseInt(minID, 16, 64)
	maxVal := minVal

	for _, id := range volumeIDs[1:] {
		val, _ := strconv.ParseInt(id, 16, 64)
		if val < minVal {
			minID = id
			minVal = val
		}

		if val > maxVal {
			maxID = id
			maxVal = val
		}
	}

	return minID, maxID
}
