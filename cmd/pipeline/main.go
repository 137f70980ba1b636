// Command pipeline runs the content value pipeline: an HTTP service, a
// one-shot processor, the side-effect worker and maintenance commands.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
