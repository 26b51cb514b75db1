// Package logging configures the global logrus logger once at startup.
package logging

import (
	"io"
	"os"

	logger "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup applies the configured level and, when file is non-empty, routes
// output through a size-rotated log file instead of stdout.
func Setup(levelStr, file string) {
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logger.TextFormatter{
		FullTimestamp: true,
	})

	var writer io.Writer = os.Stdout
	if file != "" {
		writer = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
			LocalTime:  true,
		}
	}
	logger.SetOutput(writer)
}
