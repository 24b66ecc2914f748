// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package account models the identity scope that namespaces persisted lock
// policy. The lock core never inspects a scope beyond its namespace key.
package account

import "strings"

// Scope identifies the logged-in identity a lock policy belongs to.
// The zero Scope is valid and selects the default ("no session") namespace.
type Scope struct {
	// OrgID is the organization the session belongs to.
	OrgID string

	// UserID is the user within the organization.
	UserID string
}

// IsZero reports whether the scope carries no identity.
func (s Scope) IsZero() bool {
	return s.OrgID == "" && s.UserID == ""
}

// PolicySuffix returns the namespace suffix for org-level policy records.
// Policy is stored per organization, not per user, so only OrgID contributes.
func (s Scope) PolicySuffix() string {
	if s.OrgID == "" {
		return ""
	}
	return "_" + sanitize(s.OrgID)
}

// StorageKey returns the full namespace key for records unique to this
// scope, in the form "<org>/<user>".
func (s Scope) StorageKey() string {
	if s.IsZero() {
		return "default"
	}
	return sanitize(s.OrgID) + "/" + sanitize(s.UserID)
}

// sanitize strips characters that would collide with namespace separators.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '\n', '\r':
			return '-'
		}
		return r
	}, id)
}
