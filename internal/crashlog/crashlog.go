// Package crashlog appends structured fatal-boot and panic diagnostics to
// crash.log, the way original_source/src/panic_handler.rs records a crash
// dump before the process exits (spec §6, §7 "boot failures ... append
// full diagnostics to crash.log").
package crashlog

import (
	"encoding/json"
	"os"
	"runtime/debug"
	"time"
)

// Entry is one crash.log line: a self-contained JSON object so the file
// can be tailed and parsed without buffering the whole thing.
type Entry struct {
	Time    string `json:"time"`
	Stage   string `json:"stage"`
	Error   string `json:"error"`
	Stack   string `json:"stack,omitempty"`
	Version string `json:"binary_version"`
}

// Write appends one crash entry to path, best-effort: a failure to write
// the crash log itself must never mask the original error being reported.
func Write(path, stage string, cause error) {
	entry := Entry{
		Time:    time.Now().UTC().Format(time.RFC3339),
		Stage:   stage,
		Error:   cause.Error(),
		Stack:   string(debug.Stack()),
		Version: "1.0.0",
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(line)
}
