// internal/core/models.go
package core

import (
	"strings"
	"time"
	"unicode"
)

// Category is one of the five media kinds a solution is made of.
type Category string

const (
	CategoryImage    Category = "image"
	CategoryImage360 Category = "image360"
	CategorySound    Category = "sound"
	CategorySubtitle Category = "subtitle"
	CategoryVideo    Category = "video"
)

// Categories lists every category in transfer order.
var Categories = []Category{
	CategoryImage,
	CategoryImage360,
	CategorySound,
	CategorySubtitle,
	CategoryVideo,
}

// Dir returns the library subdirectory holding files of this category.
func (c Category) Dir() string {
	if c == CategorySubtitle {
		return "srt"
	}
	return string(c)
}

// MediaSet maps every category to an ordered list of files. All five keys are
// always present.
type MediaSet map[Category][]string

// NewMediaSet returns a MediaSet with an empty list for each category.
func NewMediaSet() MediaSet {
	m := make(MediaSet, len(Categories))
	for _, c := range Categories {
		m[c] = []string{}
	}
	return m
}

// Add appends a file to a category.
func (m MediaSet) Add(c Category, file string) {
	m[c] = append(m[c], file)
}

// Count returns the number of files across all categories.
func (m MediaSet) Count() int {
	n := 0
	for _, c := range Categories {
		n += len(m[c])
	}
	return n
}

// Clone returns a deep copy.
func (m MediaSet) Clone() MediaSet {
	out := NewMediaSet()
	for _, c := range Categories {
		out[c] = append(out[c], m[c]...)
	}
	return out
}

// SolutionOnDevice is a content bundle described by a device manifest.
type SolutionOnDevice struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Media     MediaSet `json:"media"`
	Installed bool     `json:"installed"`
	Size      int64    `json:"size"`
}

// Clone returns a copy safe to hand to readers.
func (s *SolutionOnDevice) Clone() SolutionOnDevice {
	out := *s
	out.Media = s.Media.Clone()
	return out
}

// SolutionInLibrary is a solution directory found under the library root.
// Entries are immutable once built.
type SolutionInLibrary struct {
	Name      string   `json:"name"`
	Dir       string   `json:"dir"`
	Media     MediaSet `json:"media"`
	TotalSize int64    `json:"total_size"`
}

// Sentinels for headset fields that could not be read.
const (
	UnknownValue    = "Inconnu"
	AppAbsent       = "X"
	ManifestMissing = "absent"
	BatteryUnknown  = -1
)

// HeadsetSnapshot is a read-only copy of a headset's state.
type HeadsetSnapshot struct {
	Serial          string             `json:"serial"`
	Manufacturer    string             `json:"manufacturer"`
	Model           string             `json:"model"`
	Battery         int                `json:"battery"`
	AppVersion      string             `json:"app_version"`
	UpdateAvailable bool               `json:"update_available"`
	ManifestPath    string             `json:"manifest_path"`
	ManifestSize    int64              `json:"manifest_size"`
	ManifestStale   bool               `json:"manifest_stale"`
	Name            string             `json:"name"`
	Code            string             `json:"code"`
	Organization    string             `json:"organization"`
	Solutions       []SolutionOnDevice `json:"solutions"`
	Transfer        *TransferStatus    `json:"transfer,omitempty"`
}

// TransferStatus describes the push or pull currently running on a headset.
type TransferStatus struct {
	Direction string  `json:"direction"`
	Solution  string  `json:"solution"`
	Progress  float64 `json:"progress"`
}

// Transfer directions.
const (
	DirectionPush = "push"
	DirectionPull = "pull"
)

// HeadsetRecord is the durable per-serial history row.
type HeadsetRecord struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	Serial       string    `json:"serial" gorm:"uniqueIndex;not null"`
	Manufacturer string    `json:"manufacturer"`
	Model        string    `json:"model"`
	AppVersion   string    `json:"app_version"`
	Battery      int       `json:"battery"`
	Name         string    `json:"name"`
	Code         string    `json:"code"`
	Organization string    `json:"organization"`
	Connections  int       `json:"connections" gorm:"default:0"`
	Connected    bool      `json:"connected" gorm:"index"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TransferRecord tracks one solution push or pull.
type TransferRecord struct {
	ID            uint       `json:"id" gorm:"primaryKey"`
	TransferID    string     `json:"transfer_id" gorm:"uniqueIndex;not null"`
	Serial        string     `json:"serial" gorm:"index;not null"`
	Solution      string     `json:"solution" gorm:"not null"`
	Direction     string     `json:"direction" gorm:"not null"`
	Status        string     `json:"status" gorm:"index;not null"`
	FilesCopied   int        `json:"files_copied"`
	BytesCopied   int64      `json:"bytes_copied"`
	TotalBytes    int64      `json:"total_bytes"`
	FailureReason string     `json:"failure_reason"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName overrides for GORM
func (HeadsetRecord) TableName() string  { return "headsets" }
func (TransferRecord) TableName() string { return "transfers" }

// Transfer statuses
const (
	TransferStatusRunning   = "running"
	TransferStatusCompleted = "completed"
	TransferStatusPartial   = "partial"
	TransferStatusFailed    = "failed"
)

// NormalizeName maps a solution name to its path-safe form: every run of
// non-alphanumeric characters becomes a single underscore, and leading or
// trailing underscores are trimmed.
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	pendingSep := false
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}

	return b.String()
}
