// Package kairosid generates the deterministic and random identities KAIROS
// assigns to chains, steps, and legacy resource points. Grounded on
// engine/ingest.go's use of uuid.NewSHA1 for deterministic point IDs and
// uuid.New for random record IDs.
package kairosid

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Namespace is the fixed UUIDv5 namespace all chain and point IDs derive
// from. A different namespace would silently change every chain.id, so it
// is never configurable.
var Namespace = uuid.MustParse("6f8a2b3c-1d4e-4a7f-9c2d-8e5f1a0b3c6d")

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeLabel trims surrounding whitespace and collapses internal
// whitespace runs, the normalization chain.id is a pure function of.
func NormalizeLabel(label string) string {
	return whitespaceRun.ReplaceAllString(strings.TrimSpace(label), " ")
}

// ChainID derives chain.id = UUIDv5(NAMESPACE, normalized_chain_label).
// Two chains with the same label after normalization collide by design —
// they are treated as duplicates (spec §3 invariant).
func ChainID(chainLabel string) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte(NormalizeLabel(chainLabel)))
}

// NewStepID mints a fresh random UUIDv4 identity for a step (memory).
func NewStepID() uuid.UUID {
	return uuid.New()
}

// PointID derives the point id used for legacy/resource ingestion from a
// URI string, UUIDv5 over the raw URI.
func PointID(uri string) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte(uri))
}

const uriScheme = "kairos://mem/"

// URI formats the canonical kairos://mem/<uuid> URI for a step.
func URI(memoryUUID uuid.UUID) string {
	return uriScheme + memoryUUID.String()
}

// URIString formats the canonical URI from an already-stringified UUID,
// for call sites that only carry the string form.
func URIString(memoryUUID string) string {
	return uriScheme + memoryUUID
}

// ParseURI validates and extracts the memory UUID from a kairos://mem/<uuid>
// URI. Any other scheme or shape is rejected per spec §6's URI grammar.
func ParseURI(uri string) (uuid.UUID, bool) {
	if !strings.HasPrefix(uri, uriScheme) {
		return uuid.UUID{}, false
	}
	rest := strings.TrimPrefix(uri, uriScheme)
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}
