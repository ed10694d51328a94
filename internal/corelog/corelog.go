// Package corelog is minios's structured logging facility.
//
// doismellburning/samoyed logs through a ported text_color_set()/
// dw_printf() pairing at every error site. We keep the "one severity-
// colored line per event, named by component" ergonomics but back it
// with its declared-but-never-wired github.com/charmbracelet/log. Log
// lines carry a time.StampMilli timestamp. TickStamp separately
// renders a time with github.com/lestrrat-go/strftime, the way its own
// -T/--timestamp-format flag does for received frames; it does not
// change the log-line prefix.
package corelog

import (
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

var (
	base = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.StampMilli,
	})

	mu      sync.Mutex
	loggers = map[string]*log.Logger{}

	tsFormat   *strftime.Strftime
	tsFormatMu sync.Mutex
)

// SetLevel adjusts the global minimum level (e.g. log.DebugLevel to
// show Debugf output).
func SetLevel(l log.Level) {
	base.SetLevel(l)
}

// SetTimestampFormat installs an strftime(3)-style format string used
// by TickStamp below, mirroring cmd/direwolf's -T flag.
func SetTimestampFormat(format string) error {
	f, err := strftime.New(format)
	if err != nil {
		return err
	}
	tsFormatMu.Lock()
	tsFormat = f
	tsFormatMu.Unlock()
	return nil
}

// TickStamp renders `when` with the installed strftime format, or
// falls back to RFC3339 if none was configured.
func TickStamp(when time.Time) string {
	tsFormatMu.Lock()
	f := tsFormat
	tsFormatMu.Unlock()
	if f == nil {
		return when.Format(time.RFC3339)
	}
	return f.FormatString(when)
}

// For returns the sub-logger for a named component (e.g. "sched",
// "miniroute"), creating it on first use.
func For(component string) *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[component]; ok {
		return l
	}
	l := base.WithPrefix(component)
	loggers[component] = l
	return l
}

func Debugf(component, format string, args ...any) { For(component).Debugf(format, args...) }
func Infof(component, format string, args ...any)  { For(component).Infof(format, args...) }
func Warnf(component, format string, args ...any)  { For(component).Warnf(format, args...) }
func Errorf(component, format string, args ...any) { For(component).Errorf(format, args...) }
