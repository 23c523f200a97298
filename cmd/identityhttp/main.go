// Command identityhttp logs in to an identity backend and makes authenticated
// requests with the stored session.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
