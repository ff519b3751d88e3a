// Package rlog is a thin, bracket-tagged wrapper over the standard
// library's log package, in the style of the teacher worker's
// "[collect] %d positions" / "[aggregate] Starting for %s" lines. It
// adds the run_id/day/seg_id context spec.md §7 requires on error logs
// without pulling in a structured logging library.
package rlog

import "log"

// Logger prefixes every line with a bracketed tag and, for errors,
// appends the run/day/segment context.
type Logger struct {
	tag   string
	runID string
}

func New(tag, runID string) *Logger {
	return &Logger{tag: tag, runID: runID}
}

func (l *Logger) Printf(format string, args ...any) {
	log.Printf("[%s] "+format, append([]any{l.tag}, args...)...)
}

func (l *Logger) Errorf(day, segID, format string, args ...any) {
	ctx := "[ERROR][" + l.tag + "]"
	if l.runID != "" {
		ctx += " run_id=" + l.runID
	}
	if day != "" {
		ctx += " day=" + day
	}
	if segID != "" {
		ctx += " seg_id=" + segID
	}
	log.Printf(ctx+" "+format, args...)
}
