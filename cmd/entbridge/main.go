// cmd/entbridge is the entbridge command line: profile setup, connection
// health checks, schema browsing, queries, record writes and the MCP
// tool server (`entbridge serve`).
package main

import (
	"os"

	"github.com/scrypster/entbridge/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
