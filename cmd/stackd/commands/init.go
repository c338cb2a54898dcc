package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const starterTopology = `name: webstack
env_file: .env

networks:
  - name: backend
    driver: bridge

services:
  - name: app
    build:
      context: ./app
      dockerfile: Dockerfile
      sync:
        source: src
        target: /app/src
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
    environment:
      POSTGRES_USER: app
      POSTGRES_PASSWORD: app
      POSTGRES_DB: app
    ports:
      - "${POSTGRES_PORT}:${POSTGRES_PORT}"
    volumes:
      - ./deploy/initdb.sql:/docker-entrypoint-initdb.d/initdb.sql:ro
    networks:
      - backend
    restart: always
    readiness:
      type: postgres
      user: app
      password: app
      database: app

  - name: cache
    image: redis:7
    command: ["redis-server", "/usr/local/etc/redis/redis.conf"]
    ports:
      - "${REDIS_PORT}:${REDIS_PORT}"
    volumes:
      - ./deploy/redis.conf:/usr/local/etc/redis/redis.conf:ro
    networks:
      - backend
    restart: always
    readiness:
      type: redis
`

const starterEnv = `POSTGRES_PORT=5432
REDIS_PORT=6379
`

const starterDockerfile = `FROM nginx:alpine
COPY src /app/src
EXPOSE 80
`

const starterInitSQL = `-- Runs once on first container start.
CREATE TABLE IF NOT EXISTS visits (
    id         SERIAL PRIMARY KEY,
    path       TEXT NOT NULL,
    visited_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const starterRedisConf = `port 6379
maxmemory 64mb
maxmemory-policy allkeys-lru
appendonly no
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Scaffold a new stack",
		Long: `Create a starter topology in the given directory (default current).

The scaffold declares three services on a shared bridge network: an app
built from a local context, a Postgres store with an init script, and a
Redis cache with an explicit config file. Ports for the store and cache
are taken from the .env file.`,
		Example: `  # Scaffold into the current directory
  stackd init

  # Scaffold into a new project directory
  stackd init myproject`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}

			log.Info().Str("directory", dir).Msg("Scaffolding stack")

			files := map[string]string{
				"stack.yaml":        starterTopology,
				".env":              starterEnv,
				"app/Dockerfile":    starterDockerfile,
				"deploy/initdb.sql": starterInitSQL,
				"deploy/redis.conf": starterRedisConf,
			}

			for name, content := range files {
				path := filepath.Join(dir, name)
				if !force {
					if _, err := os.Stat(path); err == nil {
						return fmt.Errorf("%s already exists (use --force to overwrite)", path)
					}
				}
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
				}
				if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", path, err)
				}
			}

			// The app's sync source must exist before the first deploy.
			if err := os.MkdirAll(filepath.Join(dir, "app", "src"), 0o755); err != nil {
				return err
			}

			fmt.Printf("Scaffolded stack in %s\n", dir)
			fmt.Println("Next steps:")
			fmt.Println("  1. Put your application source under app/src")
			fmt.Println("  2. stackd validate")
			fmt.Println("  3. stackd up --dev")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}
