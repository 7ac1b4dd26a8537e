// SPDX-License-Identifier: MIT

// Command sgr-recorder runs the ScriptGlance recording agent.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
