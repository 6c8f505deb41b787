/*
main.go - Application entry point

PURPOSE:
  Starts the paramify settlement server. Command handling lives in root.go;
  startup wiring and graceful shutdown in serve.go.

EXAMPLES:
  # Run with defaults (./data/paramify.db, :8080)
  paramify serve

  # Run with in-memory database
  PARAMIFY_DATABASE_PATH=":memory:" paramify serve

  # Run with a config file and different port
  paramify --config ./paramify.yaml serve --addr :3000

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
  - store/sqlite/sqlite.go: Database implementation
*/
package main

func main() {
	Execute()
}
