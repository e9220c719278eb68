package log

import (
	"fmt"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type captureLog struct {
	logs.Log
	lines []string
}

func (c *captureLog) Infof(format string, a ...any)     { c.lines = append(c.lines, fmt.Sprintf(format, a...)) }
func (c *captureLog) Warnf(format string, a ...any)     { c.lines = append(c.lines, fmt.Sprintf(format, a...)) }
func (c *captureLog) Errorf(format string, a ...any)    { c.lines = append(c.lines, fmt.Sprintf(format, a...)) }
func (c *captureLog) Criticalf(format string, a ...any) { c.lines = append(c.lines, fmt.Sprintf(format, a...)) }

func TestPrefixLogger(t *testing.T) {
	c := &captureLog{Log: logs.NewTestingLog(t)}
	l := NewPrefixLogger(c, "Dispatcher")
	l.Infof("hello %v", 1)
	l.Warnf("warn")
	nested := NewPrefixLoggerNoSpace(l, "[x] ")
	nested.Errorf("boom")
	require.Equal(t, []string{"Dispatcher hello 1", "Dispatcher warn", "Dispatcher [x] boom"}, c.lines)

	var _ logs.Log = l
}
