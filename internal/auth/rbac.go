package auth

import "slices"

// CanReadDocument checks if user can read a document. Write access implies
// read access.
func CanReadDocument(payload *TokenPayload, documentID string) bool {
	if payload == nil {
		return false
	}
	if payload.Permissions.IsAdmin {
		return true
	}
	return grants(payload.Permissions.CanRead, documentID) || grants(payload.Permissions.CanWrite, documentID)
}

// CanWriteDocument checks if user can change a document's bytes or its shared
// annotation state.
func CanWriteDocument(payload *TokenPayload, documentID string) bool {
	if payload == nil {
		return false
	}
	if payload.Permissions.IsAdmin {
		return true
	}
	return grants(payload.Permissions.CanWrite, documentID)
}

func grants(ids []string, documentID string) bool {
	return slices.Contains(ids, "*") || slices.Contains(ids, documentID)
}

// CreateUserPermissions creates non-admin user permissions.
func CreateUserPermissions(canRead, canWrite []string) DocumentPermissions {
	return DocumentPermissions{
		CanRead:  canRead,
		CanWrite: canWrite,
		IsAdmin:  false,
	}
}

// CreateAdminPermissions creates admin permissions with full access.
func CreateAdminPermissions() DocumentPermissions {
	return DocumentPermissions{
		CanRead:  []string{"*"},
		CanWrite: []string{"*"},
		IsAdmin:  true,
	}
}
