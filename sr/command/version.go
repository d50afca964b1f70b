package command

import (
	"fmt"
	"runtime"

	"github.com/seaweedfs/softraid/sr/storage/softraid"
)

// Version is overridden at link time with -X.
var Version = "0.1.0"

var cmdVersion = &Command{
	Run:       runVersion,
	UsageLine: "version",
	Short:     "print sr version",
	Long:      `Version prints the sr version and the metadata format it writes.`,
}

func runVersion(cmd *Command, args []string) bool {
	if len(args) != 0 {
		cmd.Usage()
	}

	fmt.Printf("version %s %s %s, metadata v%d\n", Version, runtime.GOOS, runtime.GOARCH, softraid.MetaVersion)
	return true
}
