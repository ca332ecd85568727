package model

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies what an authenticated caller is allowed to do. issuestream
// has no organization/tenant concept, so the hierarchy is flat and small:
// a reader may only query issues, a source may additionally ingest articles.
type Role string

const (
	RoleReader Role = "reader"
	RoleSource Role = "source"
)

// roleRank orders roles from least to most privileged.
var roleRank = map[Role]int{
	RoleReader: 0,
	RoleSource: 1,
}

// RoleAtLeast reports whether have meets or exceeds the privilege of want.
// An unrecognized role never satisfies any requirement.
func RoleAtLeast(have, want Role) bool {
	h, ok := roleRank[have]
	if !ok {
		return false
	}
	w, ok := roleRank[want]
	if !ok {
		return false
	}
	return h >= w
}

// Credential is a registered caller identity: a named ingest source or a
// read-only client, authenticated via a bearer JWT minted for it or via a
// direct API key on each request.
type Credential struct {
	ID         uuid.UUID
	Name       string // e.g. the feed/source name, or a human-readable client label.
	Role       Role
	APIKeyHash string // Argon2id hash; never the raw key.
	CreatedAt  time.Time
}
