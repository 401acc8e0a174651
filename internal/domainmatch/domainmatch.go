// Package domainmatch decides whether a recipient domain is served by this
// gateway.
package domainmatch

import "strings"

// IsAccepted reports whether domain is a member of accepted, or whether the
// substring of domain after its first '.' is a member of accepted. This
// allows exactly one level of parent-domain generalization: sub.tempy.email
// matches when tempy.email is accepted, but a.b.tempy.email does not.
//
// Matching is case-sensitive; callers must lowercase domain and the keys of
// accepted themselves.
func IsAccepted(domain string, accepted map[string]struct{}) bool {
	if _, ok := accepted[domain]; ok {
		return true
	}
	if i := strings.IndexByte(domain, '.'); i >= 0 {
		if _, ok := accepted[domain[i+1:]]; ok {
			return true
		}
	}
	return false
}
