// Package policy provides Open Policy Agent (OPA) admission control for blueprintd.
//
// Every request that would change an instance (create, submit, destroy) and
// every address reservation is screened by the Engine before it is queued.
// Policies are Rego modules whose deny set lists violations; a violation with
// error or critical severity denies the request with POLICY_DENIED, anything
// else is logged as a warning.
//
// # Built-in policies
//
//   - operation-naming: operation names must be lowercase identifiers
//   - protected-instances: instances labelled protected=true cannot be destroyed
//   - reservation-limit: caps a single reservation at data.blueprintd.limits.max_reservation
//   - instance-health: warns when submitting to an instance in error status
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.Options{MaxReservation: 256})
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/blueprintd/policies"}); err != nil {
//	    return err
//	}
//
//	registry, err := engine.NewRegistry(engine.Options{
//	    Admission: eng,
//	    // ...
//	})
//
// User policies are loaded from .rego files (named after the file) or JSON
// files holding a single policy or a bundle. A reload replaces all user
// policies at once and leaves the previous set in place when any of them
// fails to compile. User policies may not reuse a built-in name.
//
// A Rego deny entry is either a string or an object:
//
//	deny contains violation if {
//	    input.action == "destroy"
//	    input.instance.labels.env == "prod"
//	    violation := {"message": "use change control", "severity": "error"}
//	}
package policy
