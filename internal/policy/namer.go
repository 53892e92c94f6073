// Package policy derives backend policy names, secret paths and ACL documents
// from application and environment codes. It is the only place that encodes
// the access-control shape granted to an environment token.
package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/org/secretprov/pkg/models"
)

// DefaultSecretRoot is the KV mount used when none is configured.
const DefaultSecretRoot = "secret"

var codePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// ValidCode reports whether code can be used as a path segment and as part of
// a policy name.
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// Name returns the policy name for an environment: the lowercase
// concatenation of the application and environment codes.
func Name(appCode, envCode string) string {
	return strings.ToLower(appCode + envCode)
}

// SecretPath returns {root}/{appCode}/{envCode}.
func SecretPath(root, appCode, envCode string) string {
	return strings.TrimSuffix(root, "/") + "/" + appCode + "/" + envCode
}

// Namer binds the naming functions to a configured secret root.
type Namer struct {
	root string
}

// NewNamer creates a Namer for the given secret root prefix.
func NewNamer(root string) *Namer {
	root = strings.Trim(root, "/")
	if root == "" {
		root = DefaultSecretRoot
	}
	return &Namer{root: root}
}

// Root returns the secret root prefix.
func (n *Namer) Root() string { return n.root }

// Name returns the policy name for appCode/envCode.
func (n *Namer) Name(appCode, envCode string) string { return Name(appCode, envCode) }

// Path returns the secret path of an environment.
func (n *Namer) Path(appCode, envCode string) string {
	return SecretPath(n.root, appCode, envCode)
}

// KeyPath returns the backend path of a single secret key.
func (n *Namer) KeyPath(appCode, envCode, key string) string {
	return n.Path(appCode, envCode) + "/" + key
}

// Rules returns the capabilities granted to an environment token: read on
// the data subtree and list on the metadata subtree.
func (n *Namer) Rules(appCode, envCode string) []models.PathRule {
	return []models.PathRule{
		{
			Path:         fmt.Sprintf("%s/data/%s/%s/*", n.root, appCode, envCode),
			Capabilities: []string{models.CapRead},
		},
		{
			Path:         fmt.Sprintf("%s/metadata/%s/%s/*", n.root, appCode, envCode),
			Capabilities: []string{models.CapList},
		},
	}
}

// Document renders Rules in the backend ACL syntax.
func (n *Namer) Document(appCode, envCode string) string {
	var b strings.Builder
	for i, rule := range n.Rules(appCode, envCode) {
		if i > 0 {
			b.WriteString("\n")
		}
		quoted := make([]string, len(rule.Capabilities))
		for j, c := range rule.Capabilities {
			quoted[j] = fmt.Sprintf("%q", c)
		}
		fmt.Fprintf(&b, "path %q {\n  capabilities = [%s]\n}\n", rule.Path, strings.Join(quoted, ", "))
	}
	return b.String()
}
