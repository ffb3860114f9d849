// Package policy holds the pure authorization decisions for the materials
// catalog. It performs no I/O: callers resolve the principal and the resource
// first, then ask for a verdict. Keeping the rules in one place means every
// handler enforces the same contract.
package policy

import "github.com/studyshelf/studyshelf-api/internal/models"

// Decision is the outcome of a policy check.
type Decision int

const (
	// Allow permits the action.
	Allow Decision = iota
	// DenyUnauthorized rejects because no principal was presented.
	DenyUnauthorized
	// DenyForbidden rejects an authenticated principal lacking rights.
	DenyForbidden
)

// Allowed reports whether the decision permits the action.
func (d Decision) Allowed() bool {
	return d == Allow
}

// CanList reports whether the principal may browse the catalog. Listing is
// public, so any principal, including anonymous, is allowed.
func CanList(_ *models.Principal) Decision {
	return Allow
}

// CanDownload requires an authenticated principal; the content itself is not
// further restricted.
func CanDownload(p *models.Principal) Decision {
	if p == nil {
		return DenyUnauthorized
	}
	return Allow
}

// CanUpload permits authenticated uploads into regular units. The syllabus
// unit is reserved for administrators.
func CanUpload(p *models.Principal, unit int) Decision {
	if p == nil {
		return DenyUnauthorized
	}
	if unit == models.SyllabusUnit && !p.IsAdmin() {
		return DenyForbidden
	}
	return Allow
}

// CanDelete permits deletion by the material's owner or an administrator.
func CanDelete(p *models.Principal, m *models.Material) Decision {
	if p == nil {
		return DenyUnauthorized
	}
	if p.IsAdmin() {
		return Allow
	}
	if m != nil && m.UploadedBy == p.Email {
		return Allow
	}
	return DenyForbidden
}
