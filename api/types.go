// Package api holds the wire types of the Git LFS file locking API.
package api

// MediaType is the content type used for every locks API request and response.
const MediaType = "application/vnd.git-lfs+json"

// CorrelationHeader carries the command correlation identifier on outbound requests.
const CorrelationHeader = "X-Correlation-Id"

// Ref names the Git reference a lock is scoped to.
type Ref struct {
	// Name is the fully qualified ref, e.g. refs/heads/main.
	Name string `json:"name"`
}

// Owner identifies the user holding a lock.
type Owner struct {
	// Name is the remote user name reported by the locking service.
	Name string `json:"name"`
}

// Lock is a single lock as reported by the locking service.
type Lock struct {
	// ID is the server-assigned lock identifier.
	ID string `json:"id"`
	// Path is the repository-relative path of the locked file.
	Path string `json:"path"`
	// LockedAt is the RFC3339 timestamp of lock creation.
	LockedAt string `json:"locked_at"`
	// Owner identifies the lock holder, when reported.
	Owner *Owner `json:"owner,omitempty"`
}

// OwnerName returns the owner name or an empty string.
func (l Lock) OwnerName() string {
	if l.Owner == nil {
		return ""
	}
	return l.Owner.Name
}

// CreateLockRequest models POST <locks-url>.
type CreateLockRequest struct {
	// Path is the repository-relative path to lock.
	Path string `json:"path"`
	// Ref optionally scopes the lock to a branch.
	Ref *Ref `json:"ref,omitempty"`
}

// LockResponse is returned by create and unlock.
type LockResponse struct {
	// Lock is the created or released lock.
	Lock *Lock `json:"lock,omitempty"`
	// Message is set by some servers alongside a successful response.
	Message string `json:"message,omitempty"`
}

// ListLocksResponse models GET <locks-url>.
type ListLocksResponse struct {
	// Locks is one page of locks.
	Locks []Lock `json:"locks"`
	// NextCursor is the cursor for the following page, empty on the last page.
	NextCursor string `json:"next_cursor,omitempty"`
}

// UnlockRequest models POST <locks-url>/{id}/unlock.
type UnlockRequest struct {
	// Force releases a lock held by another user.
	Force bool `json:"force"`
	// Ref optionally scopes the unlock to a branch.
	Ref *Ref `json:"ref,omitempty"`
}

// ErrorResponse is the error envelope returned for non-success statuses.
type ErrorResponse struct {
	// Message is the human readable error message.
	Message string `json:"message"`
	// DocumentationURL optionally links to further documentation.
	DocumentationURL string `json:"documentation_url,omitempty"`
	// RequestID identifies the request in server logs.
	RequestID string `json:"request_id,omitempty"`
	// Lock is the existing conflicting lock on 409 responses.
	Lock *Lock `json:"lock,omitempty"`
}
