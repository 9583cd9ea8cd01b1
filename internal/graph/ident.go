// Package graph holds the domain model for the social-graph dataset:
// accounts, directed follow edges, discovery provenance and the append-only
// scrape audit log.
package graph

import (
	"fmt"
	"strings"
)

// ShadowPrefix marks identifiers minted before the platform's canonical id
// for an account is known.
const ShadowPrefix = "shadow:"

type IdentKind int

const (
	// Canonical is an identifier assigned by the source platform.
	Canonical IdentKind = iota
	// Shadow is a synthetic placeholder identifier derived from a username.
	Shadow
)

// Ident is a tagged account identifier. Code that needs to distinguish
// placeholder ids from canonical ones should carry an Ident rather than
// sniffing string prefixes.
type Ident struct {
	Kind  IdentKind
	Value string
}

// CanonicalID wraps a platform-assigned identifier.
func CanonicalID(value string) Ident {
	return Ident{Kind: Canonical, Value: value}
}

// ShadowID mints the placeholder identifier for a username.
func ShadowID(username string) Ident {
	return Ident{Kind: Shadow, Value: ShadowPrefix + strings.ToLower(username)}
}

// ParseIdent classifies a stored identifier string. This is the only place
// prefix sniffing is allowed; it exists for the storage boundary where ids
// round-trip through TEXT columns.
func ParseIdent(value string) Ident {
	if strings.HasPrefix(value, ShadowPrefix) {
		return Ident{Kind: Shadow, Value: value}
	}
	return Ident{Kind: Canonical, Value: value}
}

func (i Ident) String() string {
	return i.Value
}

func (i Ident) IsShadow() bool {
	return i.Kind == Shadow
}

// Username returns the username a shadow id was minted from, or "" for
// canonical ids.
func (i Ident) Username() string {
	if i.Kind != Shadow {
		return ""
	}
	return strings.TrimPrefix(i.Value, ShadowPrefix)
}

// Validate rejects identifiers that would corrupt the store. Malformed ids
// are a programming error and are never retried.
func (i Ident) Validate() error {
	if i.Value == "" {
		return fmt.Errorf("empty account identifier")
	}
	if i.Kind == Shadow && !strings.HasPrefix(i.Value, ShadowPrefix) {
		return fmt.Errorf("shadow identifier %q missing %q prefix", i.Value, ShadowPrefix)
	}
	if i.Kind == Canonical && strings.HasPrefix(i.Value, ShadowPrefix) {
		return fmt.Errorf("canonical identifier %q carries the shadow prefix", i.Value)
	}
	return nil
}

// Aliases returns every stored identifier that may hold history for this
// account: the id itself, plus the shadow id derived from username when the
// account has already migrated to a canonical id.
func (i Ident) Aliases(username string) []string {
	aliases := []string{i.Value}
	if i.Kind == Canonical && username != "" {
		aliases = append(aliases, ShadowID(username).Value)
	}
	return aliases
}
