package uow

import (
	"path/filepath"
	"strings"
	"unicode"
)

// Slugify lowers a name into a filesystem-safe slug: runs of anything that
// is not a letter or digit collapse to single hyphens.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// PathFor builds the project-root-relative path for an entity: one file per
// entity in a directory keyed by type, named after the slugified entity name.
func PathFor(entityType, name string) string {
	slug := Slugify(name)
	if slug == "" {
		slug = "unnamed"
	}
	return filepath.ToSlash(filepath.Join(entityType, slug+".yaml"))
}
