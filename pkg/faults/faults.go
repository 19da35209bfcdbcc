// Package faults defines the closed error taxonomy shared by the ledger,
// the record store and the dispatch pipeline. Every variant carries the
// fields a caller needs to react without string matching.
package faults

import "fmt"

// Code identifies a fault variant. The set is closed: callers switch on
// CodeOf rather than unwrapping concrete types when they only need the
// category.
type Code string

const (
	CodeNotFound          Code = "NOT_FOUND"
	CodeAlreadyExists     Code = "ALREADY_EXISTS"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeNotAccepted       Code = "NOT_ACCEPTED"
	CodeImmutableResource Code = "IMMUTABLE_RESOURCE"
	CodeBadUserInput      Code = "BAD_USER_INPUT"
	CodeInternal          Code = "INTERNAL"
)

type coded interface {
	FaultCode() Code
}

// CodeOf returns the taxonomy code for err, or CodeInternal when err is
// not one of the variants defined here.
func CodeOf(err error) Code {
	if c, ok := err.(coded); ok {
		return c.FaultCode()
	}
	return CodeInternal
}

// NotFound reports a lookup miss. It is user visible and propagates to
// the RPC boundary unchanged.
type NotFound struct {
	Resource string
	Key      string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

func (e *NotFound) FaultCode() Code { return CodeNotFound }

// AlreadyExists reports a duplicate create that was confirmed by a
// re-probe, as opposed to a transient write conflict.
type AlreadyExists struct {
	Resource string
	Key      string
}

func (e *AlreadyExists) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.Key)
}

func (e *AlreadyExists) FaultCode() Code { return CodeAlreadyExists }

// PermissionDenied is surfaced on behalf of the authorization layer.
type PermissionDenied struct {
	Actor  string
	Action string
}

func (e *PermissionDenied) Error() string {
	return fmt.Sprintf("permission denied: %s may not %s", e.Actor, e.Action)
}

func (e *PermissionDenied) FaultCode() Code { return CodePermissionDenied }

// NotAccepted reports a structural dispatch precondition failure: a
// handler was invoked outside the ordered queue, or with the wrong
// channel, group key or dedup key. It is never retried; it indicates a
// misconfigured caller rather than a data race.
type NotAccepted struct {
	Channel  string
	GroupKey string
	DedupKey string
	Detail   string
}

func (e *NotAccepted) Error() string {
	return fmt.Sprintf("delivery not accepted (channel=%q group=%q dedup=%q): %s",
		e.Channel, e.GroupKey, e.DedupKey, e.Detail)
}

func (e *NotAccepted) FaultCode() Code { return CodeNotAccepted }

// ImmutableResource reports an attempt to change a locked field, such as
// a primary key or a numeric pricing field that subscribers rely on.
type ImmutableResource struct {
	Resource string
	Field    string
}

func (e *ImmutableResource) Error() string {
	return fmt.Sprintf("%s.%s is immutable", e.Resource, e.Field)
}

func (e *ImmutableResource) FaultCode() Code { return CodeImmutableResource }

// BadUserInput reports user-facing validation failures.
type BadUserInput struct {
	Field   string
	Message string
}

func (e *BadUserInput) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *BadUserInput) FaultCode() Code { return CodeBadUserInput }

// Internal wraps an unexpected failure, including schema-design faults
// such as a point read matching more than one record.
type Internal struct {
	Detail string
	Err    error
}

func (e *Internal) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("internal: %s: %v", e.Detail, e.Err)
	}
	return "internal: " + e.Detail
}

func (e *Internal) Unwrap() error { return e.Err }

func (e *Internal) FaultCode() Code { return CodeInternal }
