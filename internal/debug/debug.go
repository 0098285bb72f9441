// Package debug writes a rotating diagnostic log next to the store. It is
// always on; the file is cheap and has saved many a post-mortem on sync
// runs gone wrong.
package debug

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.Mutex
	logger *log.Logger
)

// Setup points the debug log at dir/debug.log with rotation. Until Setup is
// called, Logf writes to stderr only when SQLGUARD_DEBUG is set.
func Setup(dir string) {
	mu.Lock()
	defer mu.Unlock()
	logger = log.New(&lumberjack.Logger{
		Filename:   filepath.Join(dir, "debug.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     30, // days
		Compress:   true,
	}, "", log.LstdFlags|log.Lmicroseconds)
}

// Logf writes one formatted line to the debug log.
func Logf(format string, args ...any) {
	mu.Lock()
	l := logger
	mu.Unlock()
	if l != nil {
		l.Printf(format, args...)
		return
	}
	if os.Getenv("SQLGUARD_DEBUG") != "" {
		fmt.Fprintf(os.Stderr, "debug: "+format+"\n", args...)
	}
}
