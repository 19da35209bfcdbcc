// Package authz decides attribute visibility. The HTTP layer consults
// CanView for every field it serializes, so a projection bug fails
// closed instead of leaking another user's ledger.
package authz

// Actor identifies who is asking.
type Actor struct {
	User string
	// Service marks trusted internal callers (the gateway itself, the
	// sweeper). They see everything.
	Service bool
}

// internalFields are linkage attributes that only service callers need.
var internalFields = map[string]struct{}{
	"accountHistoryId": {},
	"usageSummaryId":   {},
	"paymentAcceptId":  {},
}

// CanView reports whether actor may see one field of a record owned by
// owner. Unknown actors see nothing; owners see their own data minus
// internal linkage; service callers see everything.
func CanView(actor Actor, owner, field string) bool {
	if actor.Service {
		return true
	}
	if actor.User == "" || actor.User != owner {
		return false
	}
	_, internal := internalFields[field]
	return !internal
}
