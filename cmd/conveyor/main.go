package main

import (
	conveyorcmd "github.com/conveyor-ci/conveyor/cmd"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	conveyorcmd.SetVersionInfo(version, commit)
	conveyorcmd.Execute()
}
