package logger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fatih/color"
)

type LogLevel int

const (
	VERBOSE LogLevel = iota
	DEBUG
	INFO
	SUCCESS
	NEW
	REMOVE
	STOP
	WARNING
	ERROR
	FATAL
)

var levelLabels = []string{"V", "D", "I", "✓", "+", "-", "X", "!", "!!", "PANIC"}

func (e LogLevel) String() string { return levelLabels[e] }

// Level returns the numeric severity of the log level, which
// can be passed to SetMinLoggingLevel.
func (e LogLevel) Level() int { return int(e) }

func (e LogLevel) Color() *color.Color {
	return []*color.Color{
		color.New(color.FgWhite, color.Italic),                //Verbose
		color.New(color.FgWhite, color.Italic),                //Debug
		color.New(color.FgWhite),                              //Info
		color.New(color.FgHiGreen),                            //Success
		color.New(color.FgGreen, color.Italic),                //New
		color.New(color.FgYellow, color.Italic),               //Remove
		color.New(color.FgHiYellow),                           //Stop
		color.New(color.FgYellow, color.Underline),            //Warning
		color.New(color.FgHiRed, color.Bold),                  //Error
		color.New(color.FgHiRed, color.Bold, color.Underline), //PANIC
	}[e]
}

type Logger interface {
	Emit(LogLevel, string, ...any)
	Verbosef(string, ...any)
	Debugf(string, ...any)
	Infof(string, ...any)
	Warnf(string, ...any)
	Errorf(string, ...any)

	// Printf satisfies the goose logger interface
	Printf(string, ...any)
	// Fatalf satisfies the goose logger interface. Unlike log.Fatalf, this
	// does not exit the process.
	Fatalf(string, ...any)
}

type loggerImpl struct {
	name string
}

func (l *loggerImpl) Emit(status LogLevel, message string, interpolations ...any) {
	Log.Emit(status, l.name, message, interpolations...)
}

func (l *loggerImpl) Verbosef(message string, args ...any) { l.Emit(VERBOSE, message, args...) }
func (l *loggerImpl) Debugf(message string, args ...any)   { l.Emit(DEBUG, message, args...) }
func (l *loggerImpl) Infof(message string, args ...any)    { l.Emit(INFO, message, args...) }
func (l *loggerImpl) Warnf(message string, args ...any)    { l.Emit(WARNING, message, args...) }
func (l *loggerImpl) Errorf(message string, args ...any)   { l.Emit(ERROR, message, args...) }
func (l *loggerImpl) Printf(message string, args ...any)   { l.Emit(INFO, message, args...) }
func (l *loggerImpl) Fatalf(message string, args ...any)   { l.Emit(FATAL, message, args...) }

type LoggerManager interface {
	GetLogger(string) Logger
	Emit(LogLevel, string, string, ...any)
}

var Log LoggerManager = &loggerMgr{
	Mutex:    &sync.Mutex{},
	offset:   0,
	minLevel: INFO,
}

type loggerMgr struct {
	*sync.Mutex
	offset   int
	minLevel LogLevel
}

func (l *loggerMgr) GetLogger(name string) Logger {
	return &loggerImpl{name: name}
}

func (l *loggerMgr) Emit(status LogLevel, name string, message string, interpolations ...any) {
	l.Lock()
	defer l.Unlock()
	if status < l.minLevel {
		return
	}

	if len(name) > l.offset {
		l.offset = len(name)
	}

	padding := strings.Repeat(" ", l.offset-len(name))
	msg := fmt.Sprintf("[%s] %s(%s) %s", name, padding, status, fmt.Sprintf(message, interpolations...))
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}

	status.Color().Print(msg)
}

// SetMinLoggingLevel changes the minimum level a log line must have
// in order to be printed. Levels outside the known range are clamped.
func SetMinLoggingLevel(level int) {
	if level < int(VERBOSE) {
		level = int(VERBOSE)
	} else if level > int(FATAL) {
		level = int(FATAL)
	}

	if mgr, ok := Log.(*loggerMgr); ok {
		mgr.Lock()
		mgr.minLevel = LogLevel(level)
		mgr.Unlock()
	}
}

// ParseLevel converts a textual level (e.g. "debug") in to a
// LogLevel. Unknown values fall back to INFO.
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "VERBOSE":
		return VERBOSE
	case "DEBUG":
		return DEBUG
	case "WARNING", "WARN":
		return WARNING
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func Get(name string) Logger {
	return Log.GetLogger(name)
}
