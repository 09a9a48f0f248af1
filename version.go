package main

import (
	"fmt"
	"runtime/debug"
)

const (
	AppName = "socktap"
	Version = "1.0.0"
)

func printVersion() {
	version := Version
	if buildInfo, ok := debug.ReadBuildInfo(); ok &&
		buildInfo.Main.Version != "" && buildInfo.Main.Version != "(devel)" {
		version = buildInfo.Main.Version
	}
	fmt.Printf("%s %s\n", AppName, version)
}
