package imagestore

import (
	"crypto/rand"
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/oklog/ulid/v2"
)

// migratedSuffix marks blob keys minted by the one-shot migration.
// Unlike fresh uploads there is no meaningful upload timestamp for
// bytes that were already embedded in a record, and the suffix must be
// deterministic so re-walking a half-migrated record converges on the
// same key.
const migratedSuffix = "migrated"

// buildImageKey assembles an opaque, human-debuggable blob key of the
// form {ownerKind}-{ownerID}-{groupID?}-{purpose}-{suffix}.
//
// The key is the single source of image identity: a record slot holding
// it and the blob store entry storing the bytes are correlated by this
// string alone, so the segment order must remain stable over time.
// Kind and purpose segments are normalized to kebab-case; owner and
// group identifiers are instructor-chosen and pass through untouched.
func buildImageKey(ownerKind, ownerID, groupID, purpose, suffix string) string {
	segments := []string{strcase.ToKebab(ownerKind), ownerID}
	if groupID != "" {
		segments = append(segments, "g"+groupID)
	}
	segments = append(segments, strcase.ToKebab(purpose), suffix)
	return strings.Join(segments, "-")
}

// MigratedImageKey derives the deterministic blob key used when
// migration moves a legacy inline image out of a record slot.
//
// Examples:
//
//	MigratedImageKey("wall", "north", "", "image")  == "wall-north-image-migrated"
//	MigratedImageKey("element", "e1", "1", "info") == "element-e1-g1-info-migrated"
func MigratedImageKey(ownerKind, ownerID, groupID, purpose string) string {
	return buildImageKey(ownerKind, ownerID, groupID, purpose, migratedSuffix)
}

// NewImageKey derives a blob key for a freshly uploaded image. The
// suffix is a ULID, so keys sort by upload time and two uploads into
// the same slot never collide.
func NewImageKey(ownerKind, ownerID, groupID, purpose string) string {
	return buildImageKey(ownerKind, ownerID, groupID, purpose, ulid.Make().String())
}

// NewSessionID mints an opaque session identity for a fresh enrollment.
// ULIDs are monotonically sortable, which keeps "newest session wins"
// comparisons trivial to debug in stored records.
func NewSessionID() string {
	return "session-" + ulid.MustNew(ulid.Now(), rand.Reader).String()
}
