package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		operationNamingPolicy(),
		protectedInstancesPolicy(),
		reservationLimitPolicy(),
		instanceHealthPolicy(),
	}
}

// operationNamingPolicy rejects malformed operation names before they reach a worker.
func operationNamingPolicy() Policy {
	return builtin(Policy{
		Name:        "operation-naming",
		Description: "Operation names must be lowercase identifiers",
		Severity:    SeverityError,
		Tags:        []string{"naming"},
		Rego: `package blueprintd.admission.naming

import rego.v1

deny contains violation if {
	input.action == "submit"
	not regex.match("^[a-z][a-z0-9_]{0,62}$", input.operation)
	violation := {
		"message": sprintf("operation name '%s' must be a lowercase identifier", [input.operation]),
		"severity": "error",
	}
}
`,
	})
}

// protectedInstancesPolicy keeps instances labelled protected=true alive.
func protectedInstancesPolicy() Policy {
	return builtin(Policy{
		Name:        "protected-instances",
		Description: "Instances labelled protected=true cannot be destroyed",
		Severity:    SeverityError,
		Tags:        []string{"safety"},
		Rego: `package blueprintd.admission.protected

import rego.v1

deny contains violation if {
	input.action == "destroy"
	input.instance.labels.protected == "true"
	violation := {
		"message": sprintf("instance %s is protected; remove the protected label first", [input.instance.id]),
		"severity": "error",
	}
}
`,
	})
}

// reservationLimitPolicy caps the size of a single address reservation.
// The limit is read from data.blueprintd.limits so it follows the settings.
func reservationLimitPolicy() Policy {
	return builtin(Policy{
		Name:        "reservation-limit",
		Description: "A single reservation may not exceed the configured number of addresses",
		Severity:    SeverityError,
		Tags:        []string{"capacity"},
		Rego: `package blueprintd.admission.reservation

import rego.v1

deny contains violation if {
	input.action == "reserve"
	limit := data.blueprintd.limits.max_reservation
	limit > 0
	input.reservation.count > limit
	violation := {
		"message": sprintf("reservation of %d addresses on %s exceeds the limit of %d", [input.reservation.count, input.reservation.network, limit]),
		"severity": "error",
	}
}

deny contains violation if {
	input.action == "reserve"
	input.reservation.count < 1
	violation := {
		"message": "reservation count must be positive",
		"severity": "error",
	}
}
`,
	})
}

// instanceHealthPolicy warns when work is submitted to an instance whose last session failed.
func instanceHealthPolicy() Policy {
	return builtin(Policy{
		Name:        "instance-health",
		Description: "Warns when submitting to an instance in error status",
		Severity:    SeverityWarning,
		Tags:        []string{"health"},
		Rego: `package blueprintd.admission.health

import rego.v1

deny contains violation if {
	input.action == "submit"
	input.instance.status == "error"
	violation := {
		"message": sprintf("instance %s is in error status; %s may fail again", [input.instance.id, input.operation]),
		"severity": "warning",
	}
}
`,
	})
}

func builtin(p Policy) Policy {
	now := time.Now()
	p.Enabled = true
	p.Builtin = true
	p.CreatedAt = now
	p.UpdatedAt = now
	return p
}
