package gologger

import (
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey string

const ReqIDKey ctxKey = "reqID"

var fileWriter io.Writer

func init() {
	if path := os.Getenv("LOG_FILE"); path != "" {
		fileWriter = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    envInt("LOG_FILE_MAX_MB", 100),
			MaxBackups: envInt("LOG_FILE_MAX_BACKUPS", 3),
			Compress:   true,
		}
	}

	l := NewLogger()
	zerolog.DefaultContextLogger = &l
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		function := ""
		fun := runtime.FuncForPC(pc)
		if fun != nil {
			funName := fun.Name()
			slash := strings.LastIndex(funName, "/")
			if slash > 0 {
				funName = funName[slash+1:]
			}
			function = " " + funName + "()"
		}
		return file + ":" + strconv.Itoa(line) + function
	}
}

func NewLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "time"

	var out io.Writer = os.Stdout
	if os.Getenv("PRETTY") == "1" {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	if fileWriter != nil {
		out = zerolog.MultiLevelWriter(out, fileWriter)
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	logger = logger.Hook(CallerHook{})

	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	return logger
}

// Component returns a logger tagged with the name of the emitting package
func Component(name string) zerolog.Logger {
	return NewLogger().With().Str("component", name).Logger()
}

type CallerHook struct{}

func (h CallerHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	e.Caller(3)
}

func envInt(env string, defaultVal int) int {
	v, err := strconv.Atoi(os.Getenv(env))
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}
