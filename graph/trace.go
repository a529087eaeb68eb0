package graph

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// runs `do`, turning a panic into a logged error
// callbacks and peer sends run under this
func HandleError(do func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if recoveredErr, ok := r.(error); ok {
				err = recoveredErr
			} else {
				err = fmt.Errorf("%v", r)
			}
			glog.Warningf("[graph]recovered %T = %s\n%s\n", r, err, stackSummary(debug.Stack()))
		}
	}()
	do()
	return
}

// the stack without the recover frames, one trimmed frame per line
func stackSummary(stack []byte) string {
	lines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "panic(") || strings.Contains(line, "runtime/debug.Stack") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n    ")
}

// logs how long `do` took, e.g. `[relayd]shutdown (12.50ms)`
func Trace(tag string, do func()) {
	start := time.Now()
	do()
	glog.Infof("%s (%.2fms)\n", tag, float64(time.Since(start))/float64(time.Millisecond))
}
