// Command canvassync runs the canvas sync engine: a spool-fed daemon that
// batches workspace mutations into atomic SQLite transactions and streams
// them to a derived graph store.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
