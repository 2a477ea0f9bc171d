package flease

import (
	"fmt"
	"io"
	"os"
	"path"
	"reflect"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"4d63.com/tz"
)

// VerboseVerbose turns on the protocol trace (pp) output
// for every Stage in the process. Config.Verbose turns
// it on for a single Stage.
var VerboseVerbose atomic.Bool

var utcTz *time.Location

func init() {
	var err error
	utcTz, err = tz.LoadLocation("UTC")
	panicOn(err)
}

const rfc3339MsecTz0 = "2006-01-02T15:04:05.000Z07:00"
const rfc3339NanoNumericTZ0pad = "2006-01-02T15:04:05.000000000-07:00"

var showGoID bool = true

// keep lines from different goroutines from interleaving.
var tsPrintfMut sync.Mutex

func nice(tm time.Time) string {
	return tm.In(utcTz).Format(rfc3339MsecTz0)
}

// niceMs formats a lease timeout given in unix milliseconds.
func niceMs(ms int64) string {
	if ms == 0 {
		return "0"
	}
	return nice(time.UnixMilli(ms))
}

func pp(format string, a ...interface{}) {
	if VerboseVerbose.Load() {
		tsPrintf(format, a...)
	}
}

// per-stage trace; on when either the stage or the
// whole process asked for it.
func (s *Stage) pp(format string, a ...interface{}) {
	if s.verbose || VerboseVerbose.Load() {
		tsPrintf(string(s.me)+": "+format, a...)
	}
}

func zz(format string, a ...interface{}) {}

func vv(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

func alwaysPrintf(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

// time-stamped printf
func tsPrintf(format string, a ...interface{}) {
	tsPrintfMut.Lock()
	if showGoID {
		printf("\n%s [goID %v] %s ", fileLine(3), GoroNumber(), ts())
	} else {
		printf("\n%s %s ", fileLine(3), ts())
	}
	printf(format+"\n", a...)
	tsPrintfMut.Unlock()
}

// get timestamp for logging purposes
func ts() string {
	return time.Now().In(utcTz).Format(rfc3339NanoNumericTZ0pad)
}

// so tests can capture or silence the log, use our own printf.
var ourStdout io.Writer = os.Stdout

// SetLogOutput redirects the package log. Not goroutine
// safe with respect to concurrent logging; call it
// before starting any Stage.
func SetLogOutput(w io.Writer) {
	ourStdout = w
}

func printf(format string, a ...interface{}) (n int, err error) {
	return fmt.Fprintf(ourStdout, format, a...)
}

func fileLine(depth int) string {
	_, fileName, fileLine, ok := runtime.Caller(depth)
	var s string
	if ok {
		s = fmt.Sprintf("%s:%d", path.Base(fileName), fileLine)
	} else {
		s = ""
	}
	return s
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}

func panicf(format string, a ...interface{}) {
	panic(fmt.Sprintf(format, a...))
}

// return stack dump for calling goroutine.
func stack() string {
	return string(debug.Stack())
}

// IsNil uses reflect to to return true iff the face
// contains a nil pointer, map, array, slice, or channel.
func IsNil(face interface{}) bool {
	if face == nil {
		return true
	}
	switch reflect.TypeOf(face).Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return reflect.ValueOf(face).IsNil()
	}
	return false
}

// GoroNumber returns the calling goroutine's number.
func GoroNumber() int {
	buf := make([]byte, 48)
	nw := runtime.Stack(buf, false) // false => just us, no other goro.
	buf = buf[:nw]

	// prefix "goroutine " is len 10.
	i := 10
	for buf[i] != ' ' && i < 30 {
		i++
	}
	n, err := strconv.Atoi(string(buf[10:i]))
	panicOn(err)
	return n
}
