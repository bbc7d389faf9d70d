// Package corelog separates human-facing status lines from leveled debug
// logging, the way mos/ourutil keeps Reportf distinct from glog.
package corelog

import (
	"fmt"
	"os"

	"github.com/golang/glog"
)

// Reportf prints a status line to stderr and mirrors it into the glog
// stream at Info level. Use it for the same things the teacher uses it
// for: "what is happening right now", not low-level diagnostics.
func Reportf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	glog.Infof(f, args...)
}
