package command

import (
	"fmt"
	"runtime"

	"github.com/seaweedfs/mapmon/mon/util"
)

var cmdVersion = &Command{
	Run:       runVersion,
	UsageLine: "version",
	Short:     "print mapmon version",
	Long:      `Version prints the mapmon version`,
}

func runVersion(cmd *Command, args []string) bool {
	if len(args) != 0 {
		cmd.Usage()
	}

	fmt.Printf("version %s %s %s\n", util.Version(), runtime.GOOS, runtime.GOARCH)
	return true
}
