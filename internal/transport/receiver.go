package transport

import (
	"fmt"
	"path"
	"strings"

	"github.com/openmined/file-replicator/internal/archive"
	"github.com/openmined/file-replicator/internal/utils"
)

// ReceiverScript returns the shell snippet that turns the remote shell into an unpacker.
//
// The shell reads the snippet line by line from its stdin and then hands the rest of the stream
// to a loop of tar invocations, each consuming exactly one archive. Reading full records keeps
// every tar invocation aligned with the record padding written by archive.Writer. When stdin
// is closed tar fails on the empty input and `set -e` ends the shell.
func ReceiverScript(destParentDir, sourceName string, cleanOutFirst bool) string {
	destDir := path.Join(destParentDir, sourceName)

	var b strings.Builder
	b.WriteString("set -e\n")
	if cleanOutFirst {
		fmt.Fprintf(&b, "rm -rf %s/* %s/.[!.]* %s/..?*\n",
			utils.ShellQuote(destDir), utils.ShellQuote(destDir), utils.ShellQuote(destDir))
	}
	fmt.Fprintf(&b, "mkdir -p %s\n", utils.ShellQuote(destDir))
	fmt.Fprintf(&b, "cd %s\n", utils.ShellQuote(destParentDir))
	fmt.Fprintf(&b, "while true; do tar --no-same-owner --extract --verbose --read-full-records --blocking-factor=%d; done\n",
		archive.BlockingFactor)
	return b.String()
}
