package relay

import (
	"regexp"
	"strings"
)

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// reservedSubdomains can never be claimed by a tunnel; they collide with the
// relay's own surface or common infrastructure names.
var reservedSubdomains = map[string]struct{}{
	"www":     {},
	"api":     {},
	"admin":   {},
	"relay":   {},
	"status":  {},
	"metrics": {},
	"mail":    {},
	"ns1":     {},
	"ns2":     {},
}

// validSubdomain reports whether name is an acceptable tunnel subdomain:
// lowercase alphanumerics and inner hyphens, 3 to 63 characters, and not on
// the reserved list. Input is normalized before checking.
func validSubdomain(name string) (string, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if len(name) < 3 || len(name) > 63 {
		return name, false
	}
	if !subdomainPattern.MatchString(name) {
		return name, false
	}
	if _, reserved := reservedSubdomains[name]; reserved {
		return name, false
	}
	return name, true
}
