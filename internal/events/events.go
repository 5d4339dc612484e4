// Package events carries structured progress and error events from the core
// components to whatever is presenting them.
package events

import (
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Level is the severity of an event.
type Level int

const (
	Debug Level = iota
	Info
	Success
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Success:
		return "SUCCESS"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// Fields are attached to an event as structured context.
type Fields map[string]interface{}

// Event is a single structured message.
type Event struct {
	Time    time.Time
	Level   Level
	Message string
	Fields  Fields
}

// Sink receives events. Implementations must be safe for use by one
// goroutine at a time; the core never emits concurrently.
type Sink interface {
	Emit(Event)
}

// Emitter wraps a Sink with level helpers. A nil sink discards everything.
type Emitter struct {
	Sink Sink
}

func (e Emitter) emit(level Level, fields Fields, format string, args ...interface{}) {
	if e.Sink == nil {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	e.Sink.Emit(Event{Time: time.Now(), Level: level, Message: msg, Fields: fields})
}

func (e Emitter) Debug(fields Fields, format string, args ...interface{}) {
	e.emit(Debug, fields, format, args...)
}

func (e Emitter) Info(fields Fields, format string, args ...interface{}) {
	e.emit(Info, fields, format, args...)
}

func (e Emitter) Success(fields Fields, format string, args ...interface{}) {
	e.emit(Success, fields, format, args...)
}

func (e Emitter) Warn(fields Fields, format string, args ...interface{}) {
	e.emit(Warning, fields, format, args...)
}

func (e Emitter) Error(fields Fields, format string, args ...interface{}) {
	e.emit(Error, fields, format, args...)
}

// LogrusSink forwards events to a logrus logger.
type LogrusSink struct {
	Logger *log.Logger
}

// NewLogrusSink returns a sink writing to the standard logrus logger.
func NewLogrusSink() *LogrusSink {
	return &LogrusSink{Logger: log.StandardLogger()}
}

func (s *LogrusSink) Emit(ev Event) {
	logger := s.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	entry := logger.WithFields(log.Fields(ev.Fields))
	if !ev.Time.IsZero() {
		entry = entry.WithTime(ev.Time)
	}
	switch ev.Level {
	case Debug:
		entry.Debug(ev.Message)
	case Info:
		entry.Info(ev.Message)
	case Success:
		entry.WithField("success", true).Info(ev.Message)
	case Warning:
		entry.Warn(ev.Message)
	default:
		entry.Error(ev.Message)
	}
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns the recorded events at the given level.
func (r *Recorder) Filter(level Level) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Level == level {
			out = append(out, ev)
		}
	}
	return out
}

// Contains reports whether any event at level has a message containing substr.
func (r *Recorder) Contains(level Level, substr string) bool {
	for _, ev := range r.Filter(level) {
		if strings.Contains(ev.Message, substr) {
			return true
		}
	}
	return false
}
