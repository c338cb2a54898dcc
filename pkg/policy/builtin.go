package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in deployment policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		floatingTagPolicy(),
		probeRequiredPolicy(),
		restartPolicyPolicy(),
		privilegedPortPolicy(),
	}
}

// floatingTagPolicy warns about image references that do not pin a version.
func floatingTagPolicy() Policy {
	return Policy{
		Name:        "floating-image-tag",
		Description: "Warns when a service image uses no tag or the latest tag",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"images", "reproducibility"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stackd.policies.images

import rego.v1

deny contains violation if {
	input.service.image
	not contains(input.service.image, ":")
	violation := {
		"message": sprintf("Service %s image '%s' has no tag and floats to latest", [input.service.name, input.service.image]),
		"severity": "warning",
		"service": input.service.name,
	}
}

deny contains violation if {
	input.service.image
	endswith(input.service.image, ":latest")
	violation := {
		"message": sprintf("Service %s pins the floating 'latest' tag", [input.service.name]),
		"severity": "warning",
		"service": input.service.name,
	}
}
`,
	}
}

// probeRequiredPolicy blocks topologies where a service is depended on but
// declares no readiness probe. Without a probe there is no defensible
// definition of "ready" to gate dependents on.
func probeRequiredPolicy() Policy {
	return Policy{
		Name:        "probe-required",
		Description: "Requires a readiness probe on every service that others depend on",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"readiness", "ordering"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stackd.policies.readiness

import rego.v1

deny contains violation if {
	input.depended_on
	not input.service.readiness
	violation := {
		"message": sprintf("Service %s is a dependency of other services but declares no readiness probe", [input.service.name]),
		"severity": "error",
		"service": input.service.name,
	}
}
`,
	}
}

// restartPolicyPolicy warns when a depended-on service opts out of restarts.
func restartPolicyPolicy() Policy {
	return Policy{
		Name:        "restart-policy",
		Description: "Warns when a depended-on service uses restart policy 'no'",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"restart", "availability"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stackd.policies.restart

import rego.v1

deny contains violation if {
	input.depended_on
	input.service.restart == "no"
	violation := {
		"message": sprintf("Service %s is depended on but will not be restarted if it exits", [input.service.name]),
		"severity": "warning",
		"service": input.service.name,
	}
}
`,
	}
}

// privilegedPortPolicy flags host ports below 1024, which usually require
// elevated privileges on the host.
func privilegedPortPolicy() Policy {
	return Policy{
		Name:        "privileged-host-port",
		Description: "Notes when a service publishes a privileged host port (< 1024)",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"ports"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stackd.policies.ports

import rego.v1

deny contains violation if {
	some port in input.service.ports
	port.host < 1024
	violation := {
		"message": sprintf("Service %s publishes privileged host port %d", [input.service.name, port.host]),
		"severity": "info",
		"service": input.service.name,
	}
}
`,
	}
}
