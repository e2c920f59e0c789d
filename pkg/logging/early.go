package logging

import (
	"fmt"
	"io"
	"time"
)

// EarlyLog writes plain lines before the zap logger exists, for config and logger
// construction failures.
type EarlyLog struct {
	out     io.Writer
	service string
	now     func() time.Time
}

// NewEarlyLogTo writes to w, usually the command's stderr, prefixing each line
// with service when set.
func NewEarlyLogTo(w io.Writer, service string) *EarlyLog {
	return &EarlyLog{out: w, service: service, now: time.Now}
}

func (l *EarlyLog) Error(msg string, args ...interface{}) {
	l.write("ERROR", msg, args...)
}

func (l *EarlyLog) Info(msg string, args ...interface{}) {
	l.write("INFO", msg, args...)
}

func (l *EarlyLog) write(level, msg string, args ...interface{}) {
	prefix := l.now().UTC().Format(time.RFC3339) + " " + level
	if l.service != "" {
		prefix += " [" + l.service + "]"
	}
	fmt.Fprintf(l.out, prefix+": "+msg+"\n", args...)
}
