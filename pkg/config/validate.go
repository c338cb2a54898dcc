package config

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
)

// Validator validates a loaded topology: schema conformance, struct
// constraints, and the cross-reference rules of the topology contract.
type Validator struct {
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate

	// SkipHostPaths disables host path existence checks (used by
	// validate-only invocations on machines that are not the deploy target).
	SkipHostPaths bool
}

// NewValidator creates a new topology validator.
func NewValidator() *Validator {
	return &Validator{
		schemaRegistry: NewSchemaRegistry(),
		validator:      validator.New(),
	}
}

// Validate checks the topology and returns every violation found.
// An empty slice means the topology is deployable.
func (v *Validator) Validate(ctx context.Context, topo *Topology) []ValidationError {
	var errs []ValidationError

	if err := v.validator.Struct(topo); err != nil {
		errs = append(errs, ValidationError{
			File:    topo.SourceFile,
			Message: fmt.Sprintf("topology structure invalid: %v", err),
		})
	}

	seen := make(map[string]bool)
	for _, svc := range topo.Services {
		if seen[svc.Name] {
			errs = append(errs, ValidationError{
				Service: svc.Name,
				Message: "duplicate service name",
			})
		}
		seen[svc.Name] = true
	}

	for _, network := range topo.Networks {
		if err := v.schemaRegistry.ValidateNetwork(ctx, network); err != nil {
			errs = append(errs, ValidationError{
				Field:   "networks",
				Message: fmt.Sprintf("network %s: %v", network.Name, err),
			})
		}
	}

	for i := range topo.Services {
		errs = append(errs, v.validateService(ctx, topo, &topo.Services[i])...)
	}

	return errs
}

func (v *Validator) validateService(ctx context.Context, topo *Topology, svc *Service) []ValidationError {
	var errs []ValidationError

	fail := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{
			Service: svc.Name,
			Field:   field,
			Message: fmt.Sprintf(format, args...),
		})
	}

	if err := v.schemaRegistry.ValidateService(ctx, *svc); err != nil {
		fail("", "schema violation: %v", err)
	}

	// Exactly one image source.
	if svc.Image == "" && svc.Build == nil {
		fail("image", "service needs either image or build")
	}
	if svc.Image != "" && svc.Build != nil {
		fail("image", "image and build are mutually exclusive")
	}

	// Every attached network must be declared in the topology.
	for _, name := range svc.Networks {
		if _, ok := topo.NetworkByName(name); !ok {
			fail("networks", "references undeclared network %q", name)
		}
	}

	// Dependencies must reference declared services, never the service
	// itself, and every dependency target must define readiness.
	for _, dep := range svc.DependsOn {
		if dep == svc.Name {
			fail("depends_on", "service depends on itself")
			continue
		}
		target, ok := topo.ServiceByName(dep)
		if !ok {
			fail("depends_on", "references undeclared service %q", dep)
			continue
		}
		if target.Readiness == nil {
			fail("depends_on", "dependency %q has no readiness probe; start order alone does not guarantee readiness", dep)
		}
	}

	for i, port := range svc.Ports {
		if err := v.schemaRegistry.ValidatePort(ctx, port); err != nil {
			fail(fmt.Sprintf("ports[%d]", i), "%v", err)
		}
	}

	for i, mount := range svc.Volumes {
		if err := v.schemaRegistry.ValidateVolume(ctx, mount); err != nil {
			fail(fmt.Sprintf("volumes[%d]", i), "%v", err)
			continue
		}
		if v.SkipHostPaths {
			continue
		}
		// Bind sources must exist on the deploy host; a missing init
		// script or config file fails the service's startup up front.
		if _, err := os.Stat(mount.Source); err != nil {
			fail(fmt.Sprintf("volumes[%d]", i), "host path %s does not exist", mount.Source)
		}
	}

	if svc.Build != nil {
		if !v.SkipHostPaths {
			if info, err := os.Stat(svc.Build.Context); err != nil || !info.IsDir() {
				fail("build.context", "build context %s is not a directory", svc.Build.Context)
			}
		}
	}

	if svc.Readiness != nil {
		if err := v.schemaRegistry.ValidateProbe(ctx, *svc.Readiness); err != nil {
			fail("readiness", "%v", err)
		}
	}

	return errs
}

// ValidateStrict runs Validate and converts any violation into an error.
func (v *Validator) ValidateStrict(ctx context.Context, topo *Topology) error {
	errs := v.Validate(ctx, topo)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("topology has %d validation error(s), first: %s", len(errs), errs[0].Error())
}
