package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Default probe knobs applied when the topology leaves them unset.
const (
	DefaultProbeInterval    = 1 * time.Second
	DefaultProbeTimeout     = 3 * time.Second
	DefaultProbeMaxAttempts = 30
)

// varPattern matches ${VAR} references in topology strings.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// rawTopology mirrors the on-disk YAML shape before interpolation.
// Ports and volumes are declared as strings ("80:80", "./init.sh:/docker-entrypoint-initdb.d/init.sh:ro")
// and resolved into structured mappings by the loader.
type rawTopology struct {
	Name     string       `yaml:"name"`
	EnvFile  string       `yaml:"env_file"`
	Networks []Network    `yaml:"networks"`
	Services []rawService `yaml:"services"`
}

type rawService struct {
	Name        string            `yaml:"name"`
	Image       string            `yaml:"image"`
	Build       *BuildConfig      `yaml:"build"`
	Command     []string          `yaml:"command"`
	EnvFile     string            `yaml:"env_file"`
	Environment map[string]string `yaml:"environment"`
	Ports       []string          `yaml:"ports"`
	Volumes     []string          `yaml:"volumes"`
	Networks    []string          `yaml:"networks"`
	DependsOn   []string          `yaml:"depends_on"`
	Restart     RestartPolicy     `yaml:"restart"`
	Readiness   *ProbeConfig      `yaml:"readiness"`
}

// rawProbe mirrors the probe YAML shape. Durations are declared as
// strings ("250ms", "3s"); YAML has no native duration type.
type rawProbe struct {
	Type        ProbeType `yaml:"type"`
	Port        int       `yaml:"port"`
	User        string    `yaml:"user"`
	Database    string    `yaml:"database"`
	Password    string    `yaml:"password"`
	Interval    string    `yaml:"interval"`
	Timeout     string    `yaml:"timeout"`
	MaxAttempts int       `yaml:"max_attempts"`
}

// UnmarshalYAML decodes a probe declaration, parsing duration strings.
func (p *ProbeConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw rawProbe
	if err := node.Decode(&raw); err != nil {
		return err
	}

	*p = ProbeConfig{
		Type:        raw.Type,
		Port:        raw.Port,
		User:        raw.User,
		Database:    raw.Database,
		Password:    raw.Password,
		MaxAttempts: raw.MaxAttempts,
	}

	if raw.Interval != "" {
		d, err := time.ParseDuration(raw.Interval)
		if err != nil {
			return fmt.Errorf("probe interval: %w", err)
		}
		p.Interval = d
	}
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("probe timeout: %w", err)
		}
		p.Timeout = d
	}
	return nil
}

// Loader loads topology files and their env files.
type Loader struct {
	// BaseDir is the directory relative paths are resolved against.
	// Defaults to the topology file's directory.
	BaseDir string
}

// NewLoader creates a new topology loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads the topology file, loads the referenced env file, and
// resolves all ${VAR} references. The returned Topology is complete and
// never mutated afterwards.
func (l *Loader) Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}

	baseDir := l.BaseDir
	if baseDir == "" {
		baseDir = filepath.Dir(path)
	}

	topo, err := l.parse(data, baseDir)
	if err != nil {
		return nil, err
	}
	topo.SourceFile = path
	return topo, nil
}

// LoadBytes parses a topology from raw bytes, resolving relative paths
// against baseDir.
func (l *Loader) LoadBytes(data []byte, baseDir string) (*Topology, error) {
	return l.parse(data, baseDir)
}

func (l *Loader) parse(data []byte, baseDir string) (*Topology, error) {
	var raw rawTopology
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse topology YAML: %w", err)
	}

	env := Env{}
	if raw.EnvFile != "" {
		loaded, err := LoadEnvFile(resolvePath(baseDir, raw.EnvFile))
		if err != nil {
			return nil, err
		}
		env = loaded
	}

	topo := &Topology{
		Name:     raw.Name,
		Networks: raw.Networks,
		Env:      env,
		LoadedAt: time.Now(),
	}

	for _, rs := range raw.Services {
		svc, err := l.resolveService(rs, env, baseDir)
		if err != nil {
			return nil, err
		}
		topo.Services = append(topo.Services, svc)
	}

	return topo, nil
}

// resolveService turns a raw service declaration into its structured form,
// interpolating env references in ports, volumes, and probe credentials.
func (l *Loader) resolveService(rs rawService, env Env, baseDir string) (Service, error) {
	svc := Service{
		Name:        rs.Name,
		Image:       rs.Image,
		Build:       rs.Build,
		Command:     rs.Command,
		EnvFile:     rs.EnvFile,
		Environment: rs.Environment,
		Networks:    rs.Networks,
		DependsOn:   rs.DependsOn,
		Restart:     rs.Restart,
		Readiness:   rs.Readiness,
	}

	for i, p := range rs.Ports {
		mapping, err := ParsePortMapping(p, env)
		if err != nil {
			return Service{}, ValidationError{
				Service: rs.Name,
				Field:   fmt.Sprintf("ports[%d]", i),
				Message: err.Error(),
			}
		}
		svc.Ports = append(svc.Ports, mapping)
	}

	for i, v := range rs.Volumes {
		mount, err := ParseVolumeMount(v, env, baseDir)
		if err != nil {
			return Service{}, ValidationError{
				Service: rs.Name,
				Field:   fmt.Sprintf("volumes[%d]", i),
				Message: err.Error(),
			}
		}
		svc.Volumes = append(svc.Volumes, mount)
	}

	if svc.Readiness != nil {
		probe, err := resolveProbe(*svc.Readiness, svc, env)
		if err != nil {
			return Service{}, ValidationError{
				Service: rs.Name,
				Field:   "readiness",
				Message: err.Error(),
			}
		}
		svc.Readiness = &probe
	}

	return svc, nil
}

// ParsePortMapping parses a "HOST:CONTAINER" declaration, resolving any
// ${VAR} references from env. An unresolvable variable is an error rather
// than an empty binding.
func ParsePortMapping(raw string, env Env) (PortMapping, error) {
	resolved, err := Interpolate(raw, env)
	if err != nil {
		return PortMapping{}, err
	}

	parts := strings.Split(resolved, ":")
	if len(parts) != 2 {
		return PortMapping{}, fmt.Errorf("port mapping %q must be HOST:CONTAINER", raw)
	}

	host, err := parsePort(parts[0])
	if err != nil {
		return PortMapping{}, fmt.Errorf("port mapping %q: host side: %w", raw, err)
	}
	container, err := parsePort(parts[1])
	if err != nil {
		return PortMapping{}, fmt.Errorf("port mapping %q: container side: %w", raw, err)
	}

	return PortMapping{Host: host, Container: container, Raw: raw}, nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return n, nil
}

// ParseVolumeMount parses a "SOURCE:TARGET[:ro]" bind declaration.
// Relative host paths are resolved against baseDir.
func ParseVolumeMount(raw string, env Env, baseDir string) (VolumeMount, error) {
	resolved, err := Interpolate(raw, env)
	if err != nil {
		return VolumeMount{}, err
	}

	parts := strings.Split(resolved, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return VolumeMount{}, fmt.Errorf("volume %q must be SOURCE:TARGET[:ro]", raw)
	}

	mount := VolumeMount{
		Source: resolvePath(baseDir, parts[0]),
		Target: parts[1],
		Raw:    raw,
	}

	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			mount.ReadOnly = true
		case "rw":
		default:
			return VolumeMount{}, fmt.Errorf("volume %q: unknown mode %q", raw, parts[2])
		}
	}

	if !strings.HasPrefix(mount.Target, "/") {
		return VolumeMount{}, fmt.Errorf("volume %q: target must be absolute", raw)
	}

	return mount, nil
}

// Interpolate replaces every ${VAR} reference in s with its env value.
// A reference to an undefined variable fails the whole load; the
// orchestrator must reject the configuration rather than silently bind
// an empty value.
func Interpolate(s string, env Env) (string, error) {
	var missing []string
	out := varPattern.ReplaceAllStringFunc(s, func(m string) string {
		key := varPattern.FindStringSubmatch(m)[1]
		if v, ok := env.Lookup(key); ok {
			return v
		}
		missing = append(missing, key)
		return m
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined environment variable(s) %s in %q", strings.Join(missing, ", "), s)
	}
	return out, nil
}

// resolveProbe fills in probe defaults and resolves credentials.
func resolveProbe(probe ProbeConfig, svc Service, env Env) (ProbeConfig, error) {
	if probe.Port == 0 && probe.Type != ProbeNone {
		if len(svc.Ports) == 0 {
			return ProbeConfig{}, fmt.Errorf("probe type %s needs a port and the service publishes none", probe.Type)
		}
		probe.Port = svc.Ports[0].Container
	}
	if probe.Interval <= 0 {
		probe.Interval = DefaultProbeInterval
	}
	if probe.Timeout <= 0 {
		probe.Timeout = DefaultProbeTimeout
	}
	if probe.MaxAttempts <= 0 {
		probe.MaxAttempts = DefaultProbeMaxAttempts
	}

	for _, field := range []*string{&probe.User, &probe.Database, &probe.Password} {
		resolved, err := Interpolate(*field, env)
		if err != nil {
			return ProbeConfig{}, err
		}
		*field = resolved
	}

	return probe, nil
}

// LoadEnvFile reads a key=value environment file via viper.
// The result is frozen into an Env map at load time; later changes to the
// file are not observed.
func LoadEnvFile(path string) (Env, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}

	env := Env{}
	for _, key := range envFileKeys(path) {
		// Viper folds key case, so the original spelling has to come from
		// the file itself; lookups against viper are case-insensitive.
		env[key] = v.GetString(key)
	}
	return env, nil
}

// envFileKeys returns the key names of an env file in their original case.
func envFileKeys(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var keys []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "export ")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		keys = append(keys, strings.TrimSpace(key))
	}
	return keys
}

func resolvePath(baseDir, p string) string {
	if filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}
