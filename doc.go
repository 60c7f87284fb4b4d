// Package plansync keeps a user's plan data converged across their devices.
//
// Each device holds a local snapshot store of timestamped key-value records.
// Changes propagate over two independent channels: debounced batches through
// a websocket relay for near real-time fan-out, and periodic full-snapshot
// saves through a durable storage provider (S3, SQLite, or the filesystem)
// selected by a priority fallback chain. Every replica, including the relay
// server's room caches, resolves conflicts with the same last-write-wins
// rule, so any set of replicas that has observed the same records holds the
// same state.
//
// # Basic Usage
//
// Assemble an engine from configuration and start it:
//
//	cfg := plansync.DefaultConfig()
//	cfg.UserID = "user-1"
//	cfg.RelayClient.URL = "ws://localhost:9100/sync"
//	cfg.Providers.File = &plansync.FileProviderConfig{Dir: "/var/lib/plansync"}
//
//	engine, err := plansync.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// Mutate the local store; propagation is automatic:
//
//	engine.Store().Set("plan.monday", json.RawMessage(`"standup at 9"`))
//
// Remote changes from other devices merge into the same store; read them
// back with Get or Snapshot.
//
// # Running a Relay
//
// The relay server is a self-contained HTTP handler:
//
//	srv := plansync.NewRelayServer(plansync.DefaultRelayServerConfig())
//	srv.Start()
//	http.ListenAndServe(":9100", srv.Handler())
//
// # Degraded Operation
//
// The engine never fails user-facing writes. With the relay unreachable it
// falls back to the durable provider; with every provider down it runs
// local-only and resumes syncing when connectivity returns. Status reports
// which of these modes the engine is in.
package plansync
