// Copyright © 2024 MoleQueue contributors.
//
//  This file is part of molequeue.
//
//  molequeue is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  molequeue is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.

// Package logger implements the daemon-wide, capped ring buffer of
// LogEntry records described in spec §4.4. Entries are also mirrored
// into a log15.Logger at matching severity.
package logger

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/OpenChemistry/molequeue/event"
	"github.com/inconshreveable/log15"
)

// Severity mirrors the original MoleQueue logentry.h levels.
type Severity int

// The possible Severities, ordered least to most serious.
const (
	SeverityDebug Severity = iota
	SeverityNotice
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "Debug"
	case SeverityNotice:
		return "Notice"
	case SeverityWarning:
		return "Warning"
	case SeverityError:
		return "Error"
	default:
		return "Unknown"
	}
}

func (s Severity) log15Lvl() log15.Lvl {
	switch s {
	case SeverityDebug:
		return log15.LvlDebug
	case SeverityNotice:
		return log15.LvlInfo
	case SeverityWarning:
		return log15.LvlWarn
	default:
		return log15.LvlError
	}
}

// LogEntry is one record in the ring buffer: a timestamped message,
// optionally tied to a job, at a given Severity (spec §4.4).
type LogEntry struct {
	Timestamp time.Time          `json:"timestamp"`
	Severity  Severity           `json:"severity"`
	MoleQueueID uint64           `json:"moleQueueId,omitempty"`
	Message   string             `json:"message"`
}

// persisted is the on-disk shape written at shutdown and read back at
// startup, per spec §4.4: "{maxEntries, entries}".
type persisted struct {
	MaxEntries int        `json:"maxEntries"`
	Entries    []LogEntry `json:"entries"`
}

// Logger is a capped ring buffer of LogEntry values. Once it holds
// MaxEntries entries, each new entry evicts the oldest. It also
// tracks a running error count since the last reset, firing
// FirstNewError when that count goes from zero to one and
// NewErrorCountReset when ResetNewErrorCount is called, matching the
// two named events in spec §4.4.
type Logger struct {
	mu         sync.Mutex
	maxEntries int
	entries    []LogEntry
	newErrors  int
	log15      log15.Logger

	FirstNewError      event.Emitter[LogEntry]
	NewErrorCountReset  event.Emitter[struct{}]
	EntryAdded          event.Emitter[LogEntry]
}

// New creates a Logger capped at maxEntries, mirroring entries into l
// (the daemon's log15.Logger).
func New(maxEntries int, l log15.Logger) *Logger {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if l == nil {
		l = log15.New()
	}
	return &Logger{
		maxEntries: maxEntries,
		log15:      l.New("component", "logger"),
	}
}

// Log appends a new entry, evicting the oldest if the buffer is full,
// mirrors it to log15, and updates the running error count.
func (l *Logger) Log(sev Severity, moleQueueID uint64, message string) LogEntry {
	entry := LogEntry{
		Timestamp:   time.Now(),
		Severity:    sev,
		MoleQueueID: moleQueueID,
		Message:     message,
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.maxEntries {
		l.entries = l.entries[len(l.entries)-l.maxEntries:]
	}
	wasZero := l.newErrors == 0
	if sev == SeverityError {
		l.newErrors++
	}
	becameNonZero := wasZero && l.newErrors > 0
	l.mu.Unlock()

	l.log15.Log(sev.log15Lvl(), message, "moleQueueId", moleQueueID)
	l.EntryAdded.Emit(entry)
	if becameNonZero {
		l.FirstNewError.Emit(entry)
	}
	return entry
}

// Debug, Notice, Warning and Error are convenience wrappers around Log.
func (l *Logger) Debug(moleQueueID uint64, message string) LogEntry {
	return l.Log(SeverityDebug, moleQueueID, message)
}

func (l *Logger) Notice(moleQueueID uint64, message string) LogEntry {
	return l.Log(SeverityNotice, moleQueueID, message)
}

func (l *Logger) Warning(moleQueueID uint64, message string) LogEntry {
	return l.Log(SeverityWarning, moleQueueID, message)
}

func (l *Logger) Error(moleQueueID uint64, message string) LogEntry {
	return l.Log(SeverityError, moleQueueID, message)
}

// NewErrorCount returns the number of Error-severity entries logged
// since the last call to ResetNewErrorCount.
func (l *Logger) NewErrorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.newErrors
}

// ResetNewErrorCount zeroes the running error count and fires
// NewErrorCountReset.
func (l *Logger) ResetNewErrorCount() {
	l.mu.Lock()
	l.newErrors = 0
	l.mu.Unlock()
	l.NewErrorCountReset.Emit(struct{}{})
}

// Entries returns a snapshot copy of every entry currently buffered,
// oldest first.
func (l *Logger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// SaveToFile persists the buffer's contents to path as
// {"maxEntries": N, "entries": [...]}, per spec §4.4.
func (l *Logger) SaveToFile(path string) error {
	l.mu.Lock()
	p := persisted{MaxEntries: l.maxEntries, Entries: append([]LogEntry(nil), l.entries...)}
	l.mu.Unlock()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadFromFile restores a buffer previously written by SaveToFile. A
// missing file is not an error: a fresh daemon simply starts empty.
func LoadFromFile(path string, l log15.Logger) (*Logger, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(1000, l), nil
	}
	if err != nil {
		return nil, err
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	logger := New(p.MaxEntries, l)
	logger.entries = p.Entries
	for _, e := range logger.entries {
		if e.Severity == SeverityError {
			logger.newErrors++
		}
	}
	return logger, nil
}
