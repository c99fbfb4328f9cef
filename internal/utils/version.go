// internal/utils/version.go
package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var versionPattern = regexp.MustCompile(`^v?(\d+)(\.\d+){0,3}([-+][0-9A-Za-z.\-]+)?$`)

// ValidateVersion accepts dotted application versions such as 1.4, 1.4.2 or v2.0.1-rc1.
func ValidateVersion(version string) error {
	if !versionPattern.MatchString(version) {
		return fmt.Errorf("invalid version format: %s", version)
	}
	return nil
}

// CompareVersions returns -1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2.
// Missing components compare as zero, so 1.4 == 1.4.0.
func CompareVersions(v1, v2 string) int {
	parts1 := versionParts(v1)
	parts2 := versionParts(v2)

	n := max(len(parts1), len(parts2))
	for i := range n {
		var num1, num2 int
		if i < len(parts1) {
			num1 = parts1[i]
		}
		if i < len(parts2) {
			num2 = parts2[i]
		}

		if num1 < num2 {
			return -1
		}
		if num1 > num2 {
			return 1
		}
	}

	return 0
}

// UpdateAvailable reports whether the available version is newer than the installed one.
// Unparseable installed versions never report an update.
func UpdateAvailable(installed, available string) bool {
	if available == "" || ValidateVersion(installed) != nil {
		return false
	}
	return CompareVersions(installed, available) < 0
}

func versionParts(v string) []int {
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}

	fields := strings.Split(v, ".")
	parts := make([]int, 0, len(fields))
	for _, f := range fields {
		n, _ := strconv.Atoi(f)
		parts = append(parts, n)
	}
	return parts
}
