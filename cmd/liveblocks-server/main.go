package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/fatih/color"

	"github.com/kachar/liveblocks/server"
)

func main() {
	// Parse flags.
	addr := flag.String("addr", ":8080", "Server's network address")
	secret := flag.String("secret", "dev-secret", "Token signing secret")
	dbPath := flag.String("db", "", "Path to the snapshot database (empty keeps rooms in memory)")
	flag.Parse()

	cfg := server.Config{Secret: []byte(*secret)}

	if *dbPath != "" {
		store, err := server.OpenStore(*dbPath)
		if err != nil {
			log.Fatal("Error opening snapshot store, exiting.", err)
		}
		defer store.Close()
		cfg.Store = store
		color.Cyan("Persisting room snapshots to %s", *dbPath)
	}

	srv := server.New(cfg)

	// Start the server.
	color.Green("Starting server on %s", *addr)
	err := http.ListenAndServe(*addr, srv.Router())
	if err != nil {
		log.Fatal("Error starting server, exiting.", err)
	}
}
