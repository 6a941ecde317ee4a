// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package logforward

import (
	"fmt"
	"runtime"
)

// systemLoggerName is the fixed logger_name every library-originated
// diagnostic carries, distinguishing it from entries pushed by a remote
// participant's own loggers (§4.G "parallel ISystemLogger path").
const systemLoggerName = "system_logger"

// SystemLogger fans this library's own diagnostic messages through the
// same RemoteLogForwarder monitors a remote participant's log entries go
// through, tagged with the owning system's name as ParticipantName and the
// fixed logger name systemLoggerName (§4.G "parallel ISystemLogger path").
// It satisfies transition.Logger so an Orchestrator can log through it
// directly.
type SystemLogger struct {
	forwarder  *RemoteLogForwarder
	systemName string
}

// NewSystemLogger wraps forwarder for library-originated diagnostics raised
// on behalf of systemName.
func NewSystemLogger(forwarder *RemoteLogForwarder, systemName string) *SystemLogger {
	return &SystemLogger{forwarder: forwarder, systemName: systemName}
}

// emit appends the caller of Info/Warn/Error ("function;file;line") to the
// formatted message before handing it to the forwarder, matching the
// FEP3_SYSTEM_LOG macro's call-site-wrapping behavior described in §4.G.
// callerAt(3) skips emit's own frame, its caller (Info/Warn/Error), landing
// on whoever invoked that method.
func (l *SystemLogger) emit(severity Severity, format string, args ...any) {
	if l == nil || l.forwarder == nil {
		return
	}
	l.forwarder.Forward(LogEntry{
		Description:     fmt.Sprintf("%s (%s)", fmt.Sprintf(format, args...), callerAt(3)),
		LoggerName:      systemLoggerName,
		ParticipantName: l.systemName,
		Severity:        severity,
	})
}

func (l *SystemLogger) Info(format string, args ...any) {
	l.emit(SeverityInfo, format, args...)
}

func (l *SystemLogger) Warn(format string, args ...any) {
	l.emit(SeverityWarning, format, args...)
}

func (l *SystemLogger) Error(format string, args ...any) {
	l.emit(SeverityError, format, args...)
}

// Here formats its caller's call site as "function;file;line", for
// diagnostics that want to report where they were raised.
func Here() string {
	return callerAt(2)
}

// callerAt formats the stack frame skip levels above its own, as
// "function;file;line".
func callerAt(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown;unknown;0"
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s;%s;%d", name, file, line)
}
