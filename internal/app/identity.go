package app

import (
	"net/http"
	"strings"
)

// HeaderIdentity trusts an actor header injected by the authenticating
// gateway in front of this backend. Requests arriving without the
// header are anonymous.
type HeaderIdentity struct {
	Header string
}

// Actor implements IdentityResolver.
func (h HeaderIdentity) Actor(r *http.Request) (string, error) {
	name := h.Header
	if name == "" {
		name = "X-Meridian-Actor"
	}
	return strings.TrimSpace(r.Header.Get(name)), nil
}
