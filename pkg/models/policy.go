package models

// Capability constants for policy path rules.
const (
	CapRead   = "read"
	CapCreate = "create"
	CapUpdate = "update"
	CapList   = "list"
	CapDelete = "delete"
)

// PathRule grants capabilities on one path glob.
type PathRule struct {
	Path         string   `json:"path"`
	Capabilities []string `json:"capabilities"`
}

// HasCapability returns true if the path rule grants the given capability.
func (p PathRule) HasCapability(cap string) bool {
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// IssuedToken is a freshly created backend token. ClientToken is handed to the
// caller once and never stored.
type IssuedToken struct {
	ClientToken string   `json:"client_token"`
	Accessor    string   `json:"accessor"`
	Policies    []string `json:"policies"`
}
