package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateVersion(t *testing.T) {
	for _, v := range []string{"1", "1.4", "1.4.2", "v2.0.1", "2.0.1-rc1", "1.2.3.4"} {
		assert.NoError(t, ValidateVersion(v), v)
	}
	for _, v := range []string{"", "X", "1..2", "abc", "1.2.3.4.5"} {
		assert.Error(t, ValidateVersion(v), v)
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		v1, v2 string
		want   int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.4", "1.4.0", 0},
		{"1.4.1", "1.4", 1},
		{"1.9.0", "1.10.0", -1},
		{"v2.0.0", "1.99.99", 1},
		{"2.0.0-rc1", "2.0.0", 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CompareVersions(tt.v1, tt.v2), "%s vs %s", tt.v1, tt.v2)
	}
}

func TestUpdateAvailable(t *testing.T) {
	assert.True(t, UpdateAvailable("1.2.0", "1.3.0"))
	assert.False(t, UpdateAvailable("1.3.0", "1.3.0"))
	assert.False(t, UpdateAvailable("1.3.0", ""))
	assert.False(t, UpdateAvailable("X", "1.3.0"), "absent package is not an update")
	assert.False(t, UpdateAvailable("", "1.3.0"), "unknown version is not an update")
}
