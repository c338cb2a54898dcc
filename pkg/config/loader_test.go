package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInterpolate_DefinedVariable(t *testing.T) {
	env := Env{"POSTGRES_PORT": "5432"}

	out, err := Interpolate("${POSTGRES_PORT}:${POSTGRES_PORT}", env)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if out != "5432:5432" {
		t.Errorf("Expected 5432:5432, got %s", out)
	}
}

func TestInterpolate_UndefinedVariable(t *testing.T) {
	_, err := Interpolate("${REDIS_PORT}:${REDIS_PORT}", Env{})
	if err == nil {
		t.Fatal("Expected error for undefined variable")
	}
	if !strings.Contains(err.Error(), "REDIS_PORT") {
		t.Errorf("Expected error to name the missing variable, got: %v", err)
	}
}

func TestInterpolate_NoReferences(t *testing.T) {
	out, err := Interpolate("80:80", Env{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if out != "80:80" {
		t.Errorf("Expected 80:80, got %s", out)
	}
}

func TestParsePortMapping_EnvResolution(t *testing.T) {
	env := Env{"POSTGRES_PORT": "5432"}

	mapping, err := ParsePortMapping("${POSTGRES_PORT}:${POSTGRES_PORT}", env)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if mapping.Host != 5432 {
		t.Errorf("Expected host port 5432, got %d", mapping.Host)
	}
	if mapping.Container != 5432 {
		t.Errorf("Expected container port 5432, got %d", mapping.Container)
	}
	if mapping.String() != "5432:5432" {
		t.Errorf("Expected 5432:5432, got %s", mapping.String())
	}
}

func TestParsePortMapping_UndefinedVariable(t *testing.T) {
	_, err := ParsePortMapping("${REDIS_PORT}:${REDIS_PORT}", Env{})
	if err == nil {
		t.Fatal("Expected error for undefined port variable, port 0 must never bind")
	}
}

func TestParsePortMapping_Malformed(t *testing.T) {
	cases := []string{"80", "80:80:80", "abc:80", "80:abc", "0:80", "80:70000"}
	for _, raw := range cases {
		if _, err := ParsePortMapping(raw, Env{}); err == nil {
			t.Errorf("Expected error for %q", raw)
		}
	}
}

func TestParseVolumeMount_ReadOnly(t *testing.T) {
	mount, err := ParseVolumeMount("./init.sql:/docker-entrypoint-initdb.d/init.sql:ro", Env{}, "/stacks/web")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if mount.Source != "/stacks/web/init.sql" {
		t.Errorf("Expected source resolved against base dir, got %s", mount.Source)
	}
	if mount.Target != "/docker-entrypoint-initdb.d/init.sql" {
		t.Errorf("Unexpected target %s", mount.Target)
	}
	if !mount.ReadOnly {
		t.Error("Expected read-only mount")
	}
}

func TestParseVolumeMount_RelativeTarget(t *testing.T) {
	if _, err := ParseVolumeMount("./conf:redis.conf", Env{}, "/stacks/web"); err == nil {
		t.Fatal("Expected error for relative container target")
	}
}

func TestParseVolumeMount_UnknownMode(t *testing.T) {
	if _, err := ParseVolumeMount("./conf:/etc/conf:rx", Env{}, "/stacks/web"); err == nil {
		t.Fatal("Expected error for unknown mount mode")
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "POSTGRES_PORT=5432\nREDIS_PORT=6379\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}

	env, err := LoadEnvFile(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if v, ok := env.Lookup("POSTGRES_PORT"); !ok || v != "5432" {
		t.Errorf("Expected POSTGRES_PORT=5432, got %q (defined=%v)", v, ok)
	}
	if v, ok := env.Lookup("REDIS_PORT"); !ok || v != "6379" {
		t.Errorf("Expected REDIS_PORT=6379, got %q (defined=%v)", v, ok)
	}
}

func TestLoadEnvFile_PreservesKeyCase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# ports\nAppPort=8080\nexport lower_port=9090\nPOSTGRES_PORT=5432\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}

	env, err := LoadEnvFile(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if v, ok := env.Lookup("AppPort"); !ok || v != "8080" {
		t.Errorf("Expected AppPort=8080, got %q (defined=%v)", v, ok)
	}
	if v, ok := env.Lookup("lower_port"); !ok || v != "9090" {
		t.Errorf("Expected lower_port=9090, got %q (defined=%v)", v, ok)
	}
	if v, ok := env.Lookup("POSTGRES_PORT"); !ok || v != "5432" {
		t.Errorf("Expected POSTGRES_PORT=5432, got %q (defined=%v)", v, ok)
	}

	resolved, err := Interpolate("${AppPort}:${lower_port}", env)
	if err != nil {
		t.Fatalf("Expected mixed-case keys to interpolate, got: %v", err)
	}
	if resolved != "8080:9090" {
		t.Errorf("Expected 8080:9090, got %q", resolved)
	}
}

func TestLoadEnvFile_Missing(t *testing.T) {
	if _, err := LoadEnvFile(filepath.Join(t.TempDir(), "nope.env")); err == nil {
		t.Fatal("Expected error for missing env file")
	}
}

const testTopology = `name: webstack
env_file: .env

networks:
  - name: backend
    driver: bridge

services:
  - name: app
    image: example/app:1.0
    ports:
      - "80:80"
    networks:
      - backend
    depends_on:
      - store
      - cache
    restart: always
    readiness:
      type: tcp
      port: 80

  - name: store
    image: postgres:16
    ports:
      - "${POSTGRES_PORT}:${POSTGRES_PORT}"
    networks:
      - backend
    restart: always
    readiness:
      type: postgres
      user: app
      password: ${POSTGRES_PASSWORD}
      database: app

  - name: cache
    image: redis:7
    command: ["redis-server", "/usr/local/etc/redis/redis.conf"]
    ports:
      - "${REDIS_PORT}:${REDIS_PORT}"
    networks:
      - backend
    restart: always
    readiness:
      type: redis
`

func writeTestStack(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	envContent := "POSTGRES_PORT=5432\nREDIS_PORT=6379\nPOSTGRES_PASSWORD=secret\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(envContent), 0o644); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stack.yaml"), []byte(testTopology), 0o644); err != nil {
		t.Fatalf("Failed to write topology: %v", err)
	}
	return dir
}

func TestLoader_Load(t *testing.T) {
	dir := writeTestStack(t)

	topo, err := NewLoader().Load(filepath.Join(dir, "stack.yaml"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if topo.Name != "webstack" {
		t.Errorf("Expected stack name webstack, got %s", topo.Name)
	}
	if len(topo.Services) != 3 {
		t.Fatalf("Expected 3 services, got %d", len(topo.Services))
	}
	if len(topo.Networks) != 1 || topo.Networks[0].Name != "backend" {
		t.Fatalf("Expected one backend network, got %+v", topo.Networks)
	}

	store, ok := topo.ServiceByName("store")
	if !ok {
		t.Fatal("Expected store service")
	}
	if len(store.Ports) != 1 || store.Ports[0].Host != 5432 || store.Ports[0].Container != 5432 {
		t.Errorf("Expected store port 5432:5432, got %+v", store.Ports)
	}
	if store.Readiness.Password != "secret" {
		t.Errorf("Expected probe password resolved from env, got %q", store.Readiness.Password)
	}
	if store.Readiness.Port != 5432 {
		t.Errorf("Expected probe port defaulted to 5432, got %d", store.Readiness.Port)
	}

	cache, _ := topo.ServiceByName("cache")
	if cache.Ports[0].Host != 6379 {
		t.Errorf("Expected cache port 6379, got %d", cache.Ports[0].Host)
	}
	if cache.Readiness.Interval != DefaultProbeInterval {
		t.Errorf("Expected default probe interval, got %v", cache.Readiness.Interval)
	}
	if cache.Readiness.MaxAttempts != DefaultProbeMaxAttempts {
		t.Errorf("Expected default max attempts, got %d", cache.Readiness.MaxAttempts)
	}

	app, _ := topo.ServiceByName("app")
	if len(app.DependsOn) != 2 || app.DependsOn[0] != "store" || app.DependsOn[1] != "cache" {
		t.Errorf("Expected app to depend on store and cache, got %v", app.DependsOn)
	}
	if app.Restart != RestartAlways {
		t.Errorf("Expected restart always, got %s", app.Restart)
	}
}

func TestLoader_Load_MissingPortVariable(t *testing.T) {
	dir := writeTestStack(t)

	// Drop REDIS_PORT from the env file; the load must fail rather than
	// fall back to port 0.
	envContent := "POSTGRES_PORT=5432\nPOSTGRES_PASSWORD=secret\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(envContent), 0o644); err != nil {
		t.Fatalf("Failed to rewrite env file: %v", err)
	}

	_, err := NewLoader().Load(filepath.Join(dir, "stack.yaml"))
	if err == nil {
		t.Fatal("Expected load to fail with REDIS_PORT undefined")
	}
	if !strings.Contains(err.Error(), "REDIS_PORT") {
		t.Errorf("Expected error to name REDIS_PORT, got: %v", err)
	}
}

func TestLoader_LoadBytes_ProbeWithoutPort(t *testing.T) {
	data := []byte(`name: s
networks:
  - name: n
services:
  - name: worker
    image: w:1
    networks: [n]
    restart: no
    readiness:
      type: tcp
`)
	_, err := NewLoader().LoadBytes(data, t.TempDir())
	if err == nil {
		t.Fatal("Expected error: tcp probe with no published port to default to")
	}
}

func TestLoader_LoadBytes_ProbeTimingOverrides(t *testing.T) {
	data := []byte(`name: s
networks:
  - name: n
services:
  - name: api
    image: a:1
    ports: ["8080:8080"]
    networks: [n]
    restart: always
    readiness:
      type: tcp
      interval: 250ms
      timeout: 2s
      max_attempts: 10
`)
	topo, err := NewLoader().LoadBytes(data, t.TempDir())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	probe := topo.Services[0].Readiness
	if probe.Interval != 250*time.Millisecond {
		t.Errorf("Expected interval 250ms, got %v", probe.Interval)
	}
	if probe.Timeout != 2*time.Second {
		t.Errorf("Expected timeout 2s, got %v", probe.Timeout)
	}
	if probe.MaxAttempts != 10 {
		t.Errorf("Expected 10 attempts, got %d", probe.MaxAttempts)
	}
}
