// Package artifact derives the identifiers that name one build across the
// whole pipeline run.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const shortLen = 7

var hexRevision = regexp.MustCompile(`^[0-9a-f]{7,64}$`)

// Identifier names one built artifact: a per-pipeline monotonic build ordinal
// plus a short revision hash. Identical inputs always produce the same
// identifier, and distinct ordinals never collide.
type Identifier struct {
	Ordinal       uint64
	ShortRevision string
}

// String renders the identifier as an image tag, e.g. "42-3f8a91c".
func (id Identifier) String() string {
	return fmt.Sprintf("%d-%s", id.Ordinal, id.ShortRevision)
}

// Tag derives the artifact identifier for a build. revision is normally a git
// commit SHA; any other non-empty string is hashed so the short form stays
// collision-resistant.
func Tag(ordinal uint64, revision string) (Identifier, error) {
	rev := strings.ToLower(strings.TrimSpace(revision))
	if rev == "" {
		return Identifier{}, fmt.Errorf("artifact tag: empty revision")
	}
	if !hexRevision.MatchString(rev) {
		sum := sha256.Sum256([]byte(rev))
		rev = hex.EncodeToString(sum[:])
	}
	return Identifier{Ordinal: ordinal, ShortRevision: rev[:shortLen]}, nil
}
