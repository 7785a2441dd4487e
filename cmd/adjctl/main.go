// adjctl is the operator CLI of the adjudicator. It runs the protocol
// layer's text components locally, without an upstream or a database.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
