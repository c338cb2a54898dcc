package config

import (
	"strconv"
	"time"
)

// Topology is the fully loaded and interpolated stack definition.
// It is built once by the Loader and passed by value afterwards;
// nothing mutates it after load.
type Topology struct {
	// Name is the stack name (used for container and network prefixes).
	Name string `json:"name" yaml:"name" validate:"required"`

	// Networks are the user-defined bridge networks for this stack.
	Networks []Network `json:"networks" yaml:"networks" validate:"required,min=1,dive"`

	// Services are the service definitions in declaration order.
	Services []Service `json:"services" yaml:"services" validate:"required,min=1,dive"`

	// Env is the environment loaded from the env file, frozen at load time.
	Env Env `json:"env,omitempty" yaml:"-"`

	// SourceFile is the topology file this was parsed from.
	SourceFile string `json:"source_file,omitempty" yaml:"-"`

	// LoadedAt is when the topology was loaded.
	LoadedAt time.Time `json:"loaded_at" yaml:"-"`
}

// Network declares a bridge network shared by the stack's services.
type Network struct {
	// Name is the network name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Driver is the network driver. Only "bridge" is supported.
	Driver string `json:"driver,omitempty" yaml:"driver" validate:"omitempty,oneof=bridge"`
}

// Service is a named, independently deployable process definition.
type Service struct {
	// Name is the service name, unique within the topology.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Image is the container image reference. Mutually exclusive with Build.
	Image string `json:"image,omitempty" yaml:"image"`

	// Build configures building the image from a local context.
	Build *BuildConfig `json:"build,omitempty" yaml:"build"`

	// Command overrides the image's default startup command.
	Command []string `json:"command,omitempty" yaml:"command"`

	// EnvFile is a key-value file injected into the container environment.
	EnvFile string `json:"env_file,omitempty" yaml:"env_file"`

	// Environment are additional environment variables for the container.
	Environment map[string]string `json:"environment,omitempty" yaml:"environment"`

	// Ports are published port mappings after interpolation.
	Ports []PortMapping `json:"ports,omitempty" yaml:"-"`

	// Volumes are bind mounts from the host into the container.
	Volumes []VolumeMount `json:"volumes,omitempty" yaml:"-"`

	// Networks lists the networks this service attaches to.
	Networks []string `json:"networks" yaml:"networks" validate:"required,min=1"`

	// DependsOn lists services that must be ready before this one starts.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on"`

	// Restart is the restart policy applied on process exit.
	Restart RestartPolicy `json:"restart" yaml:"restart" validate:"required,oneof=no always on-failure"`

	// Readiness defines what "ready" means for this service. Required for
	// any service that appears in another service's depends_on list.
	Readiness *ProbeConfig `json:"readiness,omitempty" yaml:"readiness"`
}

// BuildConfig configures building a service image from a local context.
type BuildConfig struct {
	// Context is the build context directory.
	Context string `json:"context" yaml:"context" validate:"required"`

	// Dockerfile is the dockerfile path relative to the context.
	Dockerfile string `json:"dockerfile,omitempty" yaml:"dockerfile"`

	// Sync mirrors changes under a source directory into a directory of
	// the running container without rebuilding the image.
	Sync *SyncConfig `json:"sync,omitempty" yaml:"sync"`
}

// SyncConfig maps a host source directory to a container directory for
// the incremental rebuild-and-sync development workflow.
type SyncConfig struct {
	// Source is the host directory to watch, relative to the build context.
	Source string `json:"source" yaml:"source" validate:"required"`

	// Target is the absolute directory inside the container.
	Target string `json:"target" yaml:"target" validate:"required"`
}

// PortMapping binds a host port to a container port.
type PortMapping struct {
	// Host is the host-side port.
	Host int `json:"host" validate:"required,min=1,max=65535"`

	// Container is the container-side port.
	Container int `json:"container" validate:"required,min=1,max=65535"`

	// Raw is the declaration string before interpolation, kept for
	// diagnostics (e.g. "${POSTGRES_PORT}:${POSTGRES_PORT}").
	Raw string `json:"raw,omitempty"`
}

// String renders the mapping in "host:container" form.
func (p PortMapping) String() string {
	return strconv.Itoa(p.Host) + ":" + strconv.Itoa(p.Container)
}

// VolumeMount binds a host path into the container filesystem namespace.
type VolumeMount struct {
	// Source is the host path.
	Source string `json:"source" validate:"required"`

	// Target is the absolute path inside the container.
	Target string `json:"target" validate:"required"`

	// ReadOnly mounts the volume read-only.
	ReadOnly bool `json:"read_only,omitempty"`

	// Raw is the declaration string before interpolation.
	Raw string `json:"raw,omitempty"`
}

// String renders the mount in "source:target[:ro]" form.
func (v VolumeMount) String() string {
	s := v.Source + ":" + v.Target
	if v.ReadOnly {
		s += ":ro"
	}
	return s
}

// RestartPolicy controls relaunch behavior when a service process exits.
type RestartPolicy string

const (
	// RestartNever records the exit without relaunching.
	RestartNever RestartPolicy = "no"

	// RestartAlways relaunches the process unconditionally on any exit.
	RestartAlways RestartPolicy = "always"

	// RestartOnFailure relaunches only after a non-zero exit.
	RestartOnFailure RestartPolicy = "on-failure"
)

// ProbeType selects how readiness is determined for a service.
type ProbeType string

const (
	// ProbeTCP considers the service ready once its port accepts a TCP
	// connection.
	ProbeTCP ProbeType = "tcp"

	// ProbePostgres issues an application-level ping against a PostgreSQL
	// server.
	ProbePostgres ProbeType = "postgres"

	// ProbeRedis issues a PING against a Redis server.
	ProbeRedis ProbeType = "redis"

	// ProbeNone marks the service ready as soon as the container starts.
	ProbeNone ProbeType = "none"
)

// ProbeConfig configures the readiness probe for a service.
type ProbeConfig struct {
	// Type is the probe type.
	Type ProbeType `json:"type" yaml:"type" validate:"required,oneof=tcp postgres redis none"`

	// Port is the container port to probe. Defaults to the service's first
	// published container port.
	Port int `json:"port,omitempty" yaml:"port" validate:"omitempty,min=1,max=65535"`

	// User is the database user for postgres probes.
	User string `json:"user,omitempty" yaml:"user"`

	// Database is the database name for postgres probes.
	Database string `json:"database,omitempty" yaml:"database"`

	// Password is the credential for postgres/redis probes. Values of the
	// form ${VAR} are resolved from the env file at load time.
	Password string `json:"password,omitempty" yaml:"password"`

	// Interval is the delay between attempts.
	Interval time.Duration `json:"interval,omitempty" yaml:"interval"`

	// Timeout is the per-attempt timeout.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout"`

	// MaxAttempts bounds the number of attempts before the probe fails.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts"`
}

// Env is the immutable environment loaded from the env file.
type Env map[string]string

// Lookup returns the value for key and whether it is defined.
func (e Env) Lookup(key string) (string, bool) {
	v, ok := e[key]
	return v, ok
}

// ServiceByName returns the service with the given name.
func (t *Topology) ServiceByName(name string) (*Service, bool) {
	for i := range t.Services {
		if t.Services[i].Name == name {
			return &t.Services[i], true
		}
	}
	return nil, false
}

// NetworkByName returns the network with the given name.
func (t *Topology) NetworkByName(name string) (*Network, bool) {
	for i := range t.Networks {
		if t.Networks[i].Name == name {
			return &t.Networks[i], true
		}
	}
	return nil, false
}

// ValidationError is a configuration error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Service is the offending service name, if applicable.
	Service string `json:"service,omitempty"`

	// Field is the offending field (e.g. "ports[0]").
	Field string `json:"field,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// Error implements the error interface.
func (v ValidationError) Error() string {
	switch {
	case v.Service != "" && v.Field != "":
		return "service " + v.Service + ": " + v.Field + ": " + v.Message
	case v.Service != "":
		return "service " + v.Service + ": " + v.Message
	default:
		return v.Message
	}
}
