// Package config provides topology loading and validation for stackd
// container stack orchestration.
//
// # Overview
//
// The config package implements the configuration phase of stackd: it parses
// the YAML topology file, loads the referenced env file, interpolates ${VAR}
// references, and validates the result against schemas and the topology
// contract.
//
// # Features
//
//   - YAML topology parsing with structured port and volume declarations
//   - Env file loading via Viper, frozen into an immutable Env map
//   - ${VAR} interpolation with hard failure on undefined variables
//   - CUE schema validation for networks, services, ports, volumes, probes
//   - Cross-reference checks: network refs, depends_on targets, host paths
//
// # Components
//
// Loader: Parses the topology file and env file into a Topology that is
// complete at load time and never mutated afterwards.
//
// Validator: Checks a loaded Topology against the built-in CUE schemas,
// go-playground/validator struct constraints, and the cross-reference rules
// of the deployment contract.
//
// SchemaRegistry: Manages CUE schemas with built-ins for common topology
// shapes and supports custom schema registration.
//
// # Usage Example
//
//	loader := config.NewLoader()
//	topo, err := loader.Load("stack.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	validator := config.NewValidator()
//	if errs := validator.Validate(ctx, topo); len(errs) > 0 {
//	    for _, e := range errs {
//	        log.Println(e)
//	    }
//	}
package config
