// Package policy authorizes pipeline runs with the Open Policy Agent (OPA).
//
// An Authorizer evaluates a boolean Rego rule against the pipeline identity
// and the acting principal and refuses the run with domain.ErrDenied when the
// rule is false or undefined. Prepared queries and decisions are cached, so
// repeated runs of the same pipeline by the same actor evaluate once.
//
// A Predicate is an ad-hoc Rego query over a stage payload, used to gate
// filter stages.
package policy
