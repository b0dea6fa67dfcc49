// Command taskorchd runs the orchestration server: it wires the Store,
// Migrator, Lock Manager, Task Queue, Event Publisher, WebSocket Hub,
// Webhook Notifier, and Workspace/Project managers together, then
// serves a thin HTTP transport that maps requests onto core
// operations until a shutdown signal arrives.
package main

import (
	"flag"
	"log"
	"os"
)

func main() {
	configPath := flag.String("config", os.Getenv("TASKORCH_CONFIG"), "path to a YAML configuration file")
	flag.Parse()

	if err := Run(*configPath); err != nil {
		log.Fatalf("taskorchd: %v", err)
	}
}
