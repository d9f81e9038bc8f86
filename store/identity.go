package store

// Owner tiers.
const (
	TierFree = "FREE"
	TierPro  = "PRO"
)

// User is a memory owner. Auto-registered users carry the machine
// fingerprint that created them.
type User struct {
	ID          string
	Tier        string
	Fingerprint string
	CreatedTs   int64
	UpdatedTs   int64
}

// FindUser specifies the conditions for finding users.
type FindUser struct {
	ID          *string
	Fingerprint *string
}

// UpdateUser mutates tier for an existing user.
type UpdateUser struct {
	ID        string
	Tier      *string
	UpdatedTs int64
}

// Project scopes memories within an owner.
type Project struct {
	ID        string
	UserID    string
	Name      string
	CreatedTs int64
}

// FindProject specifies the conditions for finding projects.
type FindProject struct {
	ID     *string
	UserID *string
	Name   *string
}

// APIKey authenticates one device. Only the SHA-256 digest of the key is
// stored; the plaintext is returned once at registration.
type APIKey struct {
	ID          int64
	UserID      string
	KeyHash     string
	Fingerprint string
	Name        string
	CreatedTs   int64
	LastUsedTs  int64
}

// FindAPIKey specifies the conditions for finding API keys.
type FindAPIKey struct {
	ID          *int64
	KeyHash     *string
	UserID      *string
	Fingerprint *string
}
