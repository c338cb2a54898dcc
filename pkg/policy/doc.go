// Package policy evaluates deployment policies against a topology before
// stackd brings a stack up.
//
// # Overview
//
// Policies are Rego rules evaluated with Open Policy Agent. Each enabled
// policy runs once per service; rules contribute to a `deny` set whose
// entries become violations. Error-severity violations block the deploy,
// warning and info violations are reported and the deploy proceeds.
//
// # Built-in policies
//
//   - floating-image-tag: warns on untagged or :latest image references
//   - probe-required: errors when a depended-on service has no readiness probe
//   - restart-policy: warns when a depended-on service uses restart "no"
//   - privileged-host-port: notes host ports below 1024
//
// Additional .rego or .json policy files can be loaded from disk with
// Engine.LoadPolicies, and the Loader can watch those paths and hot-reload
// on change.
package policy
