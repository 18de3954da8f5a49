package auth

// Claim types issued by this package.
const (
	ClaimUserID     = "nameid"
	ClaimRole       = "role"
	ClaimIsVerified = "urn:hotel:is_verified"
	ClaimGivenName  = "given_name"
	ClaimSurname    = "family_name"
	ClaimEmail      = "email"
	ClaimPhone      = "phone_number"
)

// piiClaimTypes never appear in a signed token.
var piiClaimTypes = [...]string{ClaimGivenName, ClaimSurname, ClaimEmail, ClaimPhone}

// Claim is a typed fact about an identity.
type Claim struct {
	Type  string
	Value string
}

// Claims is an ordered collection of claims. A type may repeat (roles); Upsert
// collapses a type to exactly one value. The zero value is empty and ready to
// use.
type Claims struct {
	items []Claim
}

// NewClaims builds a collection from the given claims in order.
func NewClaims(claims ...Claim) Claims {
	return Claims{items: append([]Claim(nil), claims...)}
}

// Add appends a claim, keeping any existing claims of the same type.
func (c *Claims) Add(claimType, value string) {
	// Cap the slice so copies of c never share the appended slot.
	c.items = append(c.items[:len(c.items):len(c.items)], Claim{Type: claimType, Value: value})
}

// Upsert removes every claim of claimType and then appends the new one.
func (c *Claims) Upsert(claimType, value string) {
	c.Remove(claimType)
	c.Add(claimType, value)
}

// Merge upserts each claim in order, so later claims win.
func (c *Claims) Merge(claims ...Claim) {
	for _, cl := range claims {
		c.Upsert(cl.Type, cl.Value)
	}
}

// Remove deletes every claim of claimType and reports how many were removed.
func (c *Claims) Remove(claimType string) int {
	removed := c.Count(claimType)
	if removed == 0 {
		return 0
	}
	kept := make([]Claim, 0, len(c.items)-removed)
	for _, cl := range c.items {
		if cl.Type != claimType {
			kept = append(kept, cl)
		}
	}
	c.items = kept
	return removed
}

// First returns the first value of claimType.
func (c Claims) First(claimType string) (string, bool) {
	for _, cl := range c.items {
		if cl.Type == claimType {
			return cl.Value, true
		}
	}
	return "", false
}

// Values returns every value of claimType in order.
func (c Claims) Values(claimType string) []string {
	var out []string
	for _, cl := range c.items {
		if cl.Type == claimType {
			out = append(out, cl.Value)
		}
	}
	return out
}

// Has reports whether any claim of claimType exists.
func (c Claims) Has(claimType string) bool {
	_, ok := c.First(claimType)
	return ok
}

// Count returns the number of claims of claimType.
func (c Claims) Count(claimType string) int {
	n := 0
	for _, cl := range c.items {
		if cl.Type == claimType {
			n++
		}
	}
	return n
}

// All returns a copy of the claims in order.
func (c Claims) All() []Claim {
	return append([]Claim(nil), c.items...)
}

func (c Claims) Len() int { return len(c.items) }

// Clone returns an independent copy.
func (c Claims) Clone() Claims {
	return NewClaims(c.items...)
}

// Equal reports whether both collections hold the same type/value pairs with
// the same multiplicity, ignoring order.
func (c Claims) Equal(other Claims) bool {
	if len(c.items) != len(other.items) {
		return false
	}
	counts := make(map[Claim]int, len(c.items))
	for _, cl := range c.items {
		counts[cl]++
	}
	for _, cl := range other.items {
		counts[cl]--
		if counts[cl] < 0 {
			return false
		}
	}
	return true
}

// withoutPII returns a copy with every PII claim type removed.
func (c Claims) withoutPII() Claims {
	out := c.Clone()
	for _, t := range piiClaimTypes {
		out.Remove(t)
	}
	return out
}

func isPIIClaimType(claimType string) bool {
	for _, t := range piiClaimTypes {
		if t == claimType {
			return true
		}
	}
	return false
}

func hasPII(c Claims) bool {
	for _, t := range piiClaimTypes {
		if c.Has(t) {
			return true
		}
	}
	return false
}
