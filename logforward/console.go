// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package logforward

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rivo/uniseg"
)

// ConsoleMonitor is the built-in EventMonitor that writes every accepted log
// entry to an io.Writer, column-aligning the participant/logger name field
// by user-perceived character width rather than byte count.
type ConsoleMonitor struct {
	out io.Writer

	mu      sync.Mutex
	nameCol int
}

// NewConsoleMonitor returns a ConsoleMonitor writing to w. A nil w defaults
// to os.Stdout.
func NewConsoleMonitor(w io.Writer) *ConsoleMonitor {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleMonitor{out: w}
}

func (m *ConsoleMonitor) OnLog(entry LogEntry) {
	source := entry.ParticipantName
	if source == "" {
		source = entry.LoggerName
	}

	m.mu.Lock()
	if w := uniseg.StringWidth(source); w > m.nameCol {
		m.nameCol = w
	}
	pad := m.nameCol - uniseg.StringWidth(source)
	m.mu.Unlock()

	if pad < 0 {
		pad = 0
	}
	fmt.Fprintf(m.out, "[%s]%*s %-8s %s\n", source, pad, "", entry.Severity, entry.Description)
}
