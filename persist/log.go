package persist

import (
	"log"
	"os"
	"time"

	"github.com/NebulousLabs/zncache/build"
)

// Logger wraps the standard library's log.Logger, adding a STARTUP banner on
// open and a SHUTDOWN banner on Close so that log files make restart
// boundaries obvious during incident review.
type Logger struct {
	*log.Logger
	file *os.File
}

// NewLogger creates a logger that prints to a file at the given path.
func NewLogger(filename string) (*Logger, error) {
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return nil, build.ExtendErr("could not open log file", err)
	}
	logger := log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile|log.LUTC)
	logger.Println("STARTUP: zncache has started logging at", time.Now().Format(time.RFC3339))
	return &Logger{
		Logger: logger,
		file:   file,
	}, nil
}

// Critical logs a critical error and then calls build.Critical, which will
// panic if the build is compiled with DEBUG set.
func (l *Logger) Critical(v ...interface{}) {
	l.Println(append([]interface{}{"CRITICAL:"}, v...)...)
	build.Critical(v...)
}

// Severe logs a severe error and then calls build.Severe.
func (l *Logger) Severe(v ...interface{}) {
	l.Println(append([]interface{}{"SEVERE:"}, v...)...)
	build.Severe(v...)
}

// Close logs a SHUTDOWN banner and closes the underlying file.
func (l *Logger) Close() error {
	l.Println("SHUTDOWN: zncache has stopped logging at", time.Now().Format(time.RFC3339))
	return l.file.Close()
}
