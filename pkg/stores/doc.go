// Package stores provides persistent deployment state for stackd.
//
// # Overview
//
// The store records what stackd last did to a stack: deployment runs,
// per-service container state (container ID, lifecycle status, config
// hash, restart count), and a timeline of events. The planner reads this
// state to decide whether a service needs to be created, recreated,
// started, or left alone, and the supervisor updates it as containers
// exit and restart.
//
// # Components
//
//   - SQLiteStore: SQLite-backed implementation of engine.StateManager
//   - Config: store configuration (path, connection pool settings)
//   - migrations: embedded schema migrations applied on startup
//
// # Usage Example
//
//	store, err := stores.NewSQLiteStore(stores.Config{Path: "/var/lib/stackd/state.db"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := store.Init(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	if err := store.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package stores
