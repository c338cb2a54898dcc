package config

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for topology validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	ctx := cuecontext.New()
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	sr.registerBuiltInSchemas()

	return sr
}

// registerBuiltInSchemas registers all built-in schemas.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	sr.RegisterSchema("network", builtinNetworkSchema)
	sr.RegisterSchema("service", builtinServiceSchema)
	sr.RegisterSchema("port", builtinPortSchema)
	sr.RegisterSchema("volume", builtinVolumeSchema)
	sr.RegisterSchema("probe", builtinProbeSchema)
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	// Unify with schema (validates)
	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// Built-in schema definitions

const builtinNetworkSchema = `
// Network schema for bridge network declarations
#Network: {
	// Name is the network name
	name: string & =~"^[a-zA-Z0-9_-]+$"

	// Driver is the network driver
	driver?: "bridge"
	...
}
`

const builtinServiceSchema = `
// Service schema for stack service definitions
#Service: {
	// Name is the service name, unique within the topology
	name: string & =~"^[a-zA-Z0-9_-]+$"

	// Image is the container image reference
	image?: string

	// Build configures a local build context
	build?: {
		context:     string
		dockerfile?: string
		sync?: {
			source: string
			target: string & =~"^/"
		}
	}

	// Command overrides the image default command
	command?: [...string]

	// Networks lists attached network names
	networks: [...string] & [_, ...]

	// DependsOn lists services that must be ready first
	depends_on?: [...string]

	// Restart is the restart policy applied on process exit
	restart: "no" | "always" | "on-failure"
	...
}
`

const builtinPortSchema = `
// Port schema for published port mappings
#Port: {
	// Host is the host-side port
	host: int & >=1 & <=65535

	// Container is the container-side port
	container: int & >=1 & <=65535
	...
}
`

const builtinVolumeSchema = `
// Volume schema for bind mounts
#Volume: {
	// Source is the host path
	source: string & !=""

	// Target is the absolute container path
	target: string & =~"^/"
	...
}
`

const builtinProbeSchema = `
// Probe schema for readiness probe configuration
#Probe: {
	// Type selects how readiness is determined
	type: "tcp" | "postgres" | "redis" | "none"

	// Port is the container port to probe
	port?: int & >=1 & <=65535

	// MaxAttempts bounds probe attempts
	max_attempts?: int & >=1
	...
}
`

// ValidateNetwork validates a network declaration against the network schema.
func (sr *SchemaRegistry) ValidateNetwork(ctx context.Context, network Network) error {
	return sr.ValidateAgainstSchema(ctx, "network", network)
}

// ValidateService validates a service definition against the service schema.
func (sr *SchemaRegistry) ValidateService(ctx context.Context, service Service) error {
	return sr.ValidateAgainstSchema(ctx, "service", service)
}

// ValidatePort validates a port mapping against the port schema.
func (sr *SchemaRegistry) ValidatePort(ctx context.Context, port PortMapping) error {
	return sr.ValidateAgainstSchema(ctx, "port", port)
}

// ValidateVolume validates a volume mount against the volume schema.
func (sr *SchemaRegistry) ValidateVolume(ctx context.Context, volume VolumeMount) error {
	return sr.ValidateAgainstSchema(ctx, "volume", volume)
}

// ValidateProbe validates a probe configuration against the probe schema.
func (sr *SchemaRegistry) ValidateProbe(ctx context.Context, probe ProbeConfig) error {
	return sr.ValidateAgainstSchema(ctx, "probe", probe)
}
