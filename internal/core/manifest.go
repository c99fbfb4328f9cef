// internal/core/manifest.go
package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"path"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Manifest is the decoded on-device content manifest.
type Manifest struct {
	Name         string
	Code         string
	Organization string
	Solutions    []*SolutionOnDevice
}

type manifestDocument struct {
	Name        string            `json:"name"`
	Code        string            `json:"code"`
	Enterprises []string          `json:"enterprises_associate"`
	Versions    []versionDocument `json:"versions"`
}

type versionDocument struct {
	Module  localizedText `json:"name_module"`
	Version localizedText `json:"name_version"`
	Medias  []string      `json:"medias"`
}

type localizedText struct {
	FR string `json:"fr"`
}

// ManifestCodec decodes base64-encoded JSON manifests. Decoded documents are
// cached by payload digest, since a fleet usually shares identical manifests.
type ManifestCodec struct {
	cache *lru.Cache[string, *manifestDocument]
}

// NewManifestCodec creates a codec with a decode cache of the given size.
func NewManifestCodec(cacheSize int) (*ManifestCodec, error) {
	if cacheSize < 1 {
		cacheSize = 1
	}
	cache, err := lru.New[string, *manifestDocument](cacheSize)
	if err != nil {
		return nil, err
	}
	return &ManifestCodec{cache: cache}, nil
}

// Decode turns raw manifest bytes into a Manifest. Every call returns fresh
// solution values that the caller may mutate.
func (c *ManifestCodec) Decode(raw []byte) (*Manifest, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, &DecodeError{Stage: "empty", Err: ErrManifestEmpty}
	}

	sum := sha256.Sum256(payload)
	key := hex.EncodeToString(sum[:])

	doc, ok := c.cache.Get(key)
	if !ok {
		var err error
		doc, err = parseManifest(payload)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, doc)
	}

	return doc.toManifest(), nil
}

func parseManifest(payload []byte) (*manifestDocument, error) {
	compact := strings.Join(strings.Fields(string(payload)), "")
	decoded, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, &DecodeError{Stage: "base64", Err: err}
	}

	decoded = bytes.TrimSpace(decoded)
	if len(decoded) == 0 {
		return nil, &DecodeError{Stage: "empty", Err: ErrManifestEmpty}
	}

	var doc manifestDocument
	if err := json.Unmarshal(decoded, &doc); err != nil {
		return nil, &DecodeError{Stage: "json", Err: err}
	}
	return &doc, nil
}

func (d *manifestDocument) toManifest() *Manifest {
	m := &Manifest{
		Name:      d.Name,
		Code:      d.Code,
		Solutions: make([]*SolutionOnDevice, 0, len(d.Versions)),
	}
	if len(d.Enterprises) > 0 {
		m.Organization = d.Enterprises[0]
	}

	for _, v := range d.Versions {
		sol := &SolutionOnDevice{
			Name:    v.Module.FR,
			Version: v.Version.FR,
			Media:   NewMediaSet(),
		}
		for _, media := range v.Medias {
			if category, ok := ClassifyMedia(media); ok {
				sol.Media.Add(category, media)
			}
		}
		m.Solutions = append(m.Solutions, sol)
	}
	return m
}

// ClassifyMedia maps a media path to its category by extension. Images whose
// path contains "image360" go to CategoryImage360. Unknown extensions are rejected.
func ClassifyMedia(mediaPath string) (Category, bool) {
	switch strings.ToLower(path.Ext(mediaPath)) {
	case ".png", ".jpg":
		if strings.Contains(mediaPath, "image360") {
			return CategoryImage360, true
		}
		return CategoryImage, true
	case ".mp3":
		return CategorySound, true
	case ".srt":
		return CategorySubtitle, true
	case ".mp4", ".mkv":
		return CategoryVideo, true
	default:
		return "", false
	}
}
