package main

import (
	// Cadence arithmetic is pinned to Asia/Kolkata; bundle the tz database
	// so it resolves even on scratch containers.
	_ "time/tzdata"

	"github.com/nextlevelbuilder/chronod/cmd"
)

func main() {
	cmd.Execute()
}
