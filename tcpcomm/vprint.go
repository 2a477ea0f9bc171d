package tcpcomm

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"sync"
	"time"
)

var verbose bool = false

const rfc3339NanoNumericTZ0pad = "2006-01-02T15:04:05.000000000-07:00"

var tsPrintfMut sync.Mutex

func pp(format string, a ...interface{}) {
	if verbose {
		tsPrintf(format, a...)
	}
}

func alwaysPrintf(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

func tsPrintf(format string, a ...interface{}) {
	tsPrintfMut.Lock()
	fmt.Fprintf(os.Stdout, "\n%s %s ", fileLine(3), time.Now().UTC().Format(rfc3339NanoNumericTZ0pad))
	fmt.Fprintf(os.Stdout, format+"\n", a...)
	tsPrintfMut.Unlock()
}

func fileLine(depth int) string {
	_, fileName, fileLine, ok := runtime.Caller(depth)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", path.Base(fileName), fileLine)
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
