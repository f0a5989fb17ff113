// Command oipd runs the OIP federated content-indexing daemon: it syncs
// signed records from Arweave and GUN into Elasticsearch, serves the HTTP
// query surface, and coordinates cross-node GUN replication and deletion.
package main

import (
	"log"
	"os"

	"github.com/oipwg/oipd/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}
