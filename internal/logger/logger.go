package logger

import (
	"log"
	"os"
)

// Logger is a thin prefix-aware wrapper over the standard logger so each
// component tags its own output.
type Logger struct {
	*log.Logger
}

func New() *Logger {
	return &Logger{
		Logger: log.New(os.Stdout, "", log.LstdFlags),
	}
}

func NewLogger(component string) *Logger {
	return &Logger{
		Logger: log.New(os.Stdout, "["+component+"] ", log.LstdFlags),
	}
}

func (l *Logger) Info(msg string, fields ...interface{}) {
	l.Printf("[INFO] %s %v", msg, fields)
}

func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.Printf("[WARN] %s %v", msg, fields)
}

func (l *Logger) Error(msg string, err error) {
	l.Printf("[ERROR] %s: %v", msg, err)
}
