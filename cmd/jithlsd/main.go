// Command jithlsd is the JIT HLS streaming daemon: it probes source media,
// transcodes segments on demand, and serves HLS playlists and segments over
// HTTP.
package main

import (
	"os"

	"github.com/rpaschoal/jithls/cmd/jithlsd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
