package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

const (
	LogFieldsContextKey = contextKey("log_fields")

	ProjectDirectoryName = "claimload"
	ModuleName           = "github.com/treeverse/claimload"
)

// log_fields keys
const (
	// ClaimTypeFieldKey claim type handled by a component (string, ex: fiss)
	ClaimTypeFieldKey = "claim_type"
	// RunIDFieldKey unique id of a single ingestion run (string)
	RunIDFieldKey = "run_id"
	// SequenceNumberFieldKey change event sequence number (uint64)
	SequenceNumberFieldKey = "sequence_number"
	// ClaimIDFieldKey claim identifier within a claim type (string)
	ClaimIDFieldKey = "claim_id"
	// WriterFieldKey writer index inside a writer pool (int)
	WriterFieldKey = "writer"
	// APIVersionFieldKey upstream API version the events were read from (string)
	APIVersionFieldKey = "api_version"
	// ServiceNameFieldKey service name (string, ex: mock_server)
	ServiceNameFieldKey = "service_name"
)

var (
	formatterInitOnce sync.Once
	defaultLogger     = logrus.New()

	writersMu sync.Mutex
	// closers holds file writers opened by SetOutputs
	closers []io.Closer
)

func Level() string {
	return defaultLogger.GetLevel().String()
}

type Fields map[string]interface{}

// logCallerTrimmer is used to trim the caller paths to be relative to the project root
func logCallerTrimmer(frame *runtime.Frame) (function string, file string) {
	indexOfModule := strings.Index(strings.ToLower(frame.File), ProjectDirectoryName)
	if indexOfModule != -1 {
		file = frame.File[indexOfModule+len(ProjectDirectoryName):]
		// skip a directory suffix such as "claimload-main/"
		if i := strings.IndexRune(file, os.PathSeparator); i != -1 {
			file = file[i:]
		}
	} else {
		file = frame.File
	}
	file = fmt.Sprintf("%s:%d", strings.TrimPrefix(file, string(os.PathSeparator)), frame.Line)
	function = strings.TrimPrefix(frame.Function, ModuleName+"/")
	return
}

func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "trace":
		defaultLogger.SetLevel(logrus.TraceLevel)
	case "debug":
		defaultLogger.SetLevel(logrus.DebugLevel)
	case "info":
		defaultLogger.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		defaultLogger.SetLevel(logrus.WarnLevel)
	case "error":
		defaultLogger.SetLevel(logrus.ErrorLevel)
	case "panic":
		defaultLogger.SetLevel(logrus.PanicLevel)
	case "null", "none":
		defaultLogger.SetLevel(logrus.PanicLevel)
		defaultLogger.SetOutput(io.Discard)
	}
}

// SetOutputs directs log output to the given targets. "-" is stdout, "=" is stderr and anything else
// is a file path rotated by size.
func SetOutputs(outputs []string, fileMaxSizeMB, filesKeep int) error {
	var writers []io.Writer
	var opened []io.Closer
	for _, output := range outputs {
		var w io.Writer
		switch output {
		case "":
			continue
		case "-":
			w = os.Stdout
		case "=":
			w = os.Stderr
		default:
			lj := &lumberjack.Logger{
				Filename:   output,
				MaxSize:    fileMaxSizeMB,
				MaxBackups: filesKeep,
			}
			opened = append(opened, lj)
			w = lj
		}
		writers = append(writers, w)
	}
	if len(writers) == 0 {
		return nil
	}
	if err := CloseWriters(); err != nil {
		return err
	}
	writersMu.Lock()
	closers = opened
	writersMu.Unlock()
	if len(writers) == 1 {
		defaultLogger.SetOutput(writers[0])
	} else {
		defaultLogger.SetOutput(io.MultiWriter(writers...))
	}
	return nil
}

// CloseWriters closes file outputs opened by SetOutputs.
func CloseWriters() error {
	writersMu.Lock()
	defer writersMu.Unlock()
	var errs []error
	for _, c := range closers {
		errs = append(errs, c.Close())
	}
	closers = nil
	return errors.Join(errs...)
}

func SetOutputFormat(format string) {
	var formatter logrus.Formatter
	switch strings.ToLower(format) {
	case "text":
		formatter = &logrus.TextFormatter{
			FullTimestamp:          true,
			DisableLevelTruncation: true,
			PadLevelText:           true,
			QuoteEmptyFields:       true,
			CallerPrettyfier:       logCallerTrimmer,
		}
	case "json":
		formatter = &logrus.JSONFormatter{
			CallerPrettyfier: logCallerTrimmer,
			PrettyPrint:      false,
		}
	default:
		return // no known formatter found
	}

	// wrap it with our caller formatter
	defaultLogger.SetFormatter(logrusCallerFormatter{formatter})
}

type Logger interface {
	WithContext(ctx context.Context) Logger
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
	Trace(args ...interface{})
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	IsTracing() bool
	IsDebugging() bool
}

type logrusEntryWrapper struct {
	e *logrus.Entry
}

func (l *logrusEntryWrapper) WithContext(ctx context.Context) Logger {
	return addFromContext(
		&logrusEntryWrapper{l.e.WithContext(ctx)},
		ctx,
	)
}

func (l *logrusEntryWrapper) WithField(key string, value interface{}) Logger {
	return &logrusEntryWrapper{l.e.WithFields(expandField(key, value))}
}

func (l *logrusEntryWrapper) WithFields(fields Fields) Logger {
	expanded := logrus.Fields{}
	for k, v := range fields {
		for ek, ev := range expandField(k, v) {
			expanded[ek] = ev
		}
	}
	return &logrusEntryWrapper{l.e.WithFields(expanded)}
}

func (l *logrusEntryWrapper) WithError(err error) Logger {
	return &logrusEntryWrapper{l.e.WithError(err)}
}

func (l *logrusEntryWrapper) Trace(args ...interface{}) { l.e.Trace(args...) }
func (l *logrusEntryWrapper) Debug(args ...interface{}) { l.e.Debug(args...) }
func (l *logrusEntryWrapper) Info(args ...interface{})  { l.e.Info(args...) }
func (l *logrusEntryWrapper) Warn(args ...interface{})  { l.e.Warn(args...) }
func (l *logrusEntryWrapper) Error(args ...interface{}) { l.e.Error(args...) }
func (l *logrusEntryWrapper) Fatal(args ...interface{}) { l.e.Fatal(args...) }

func (l *logrusEntryWrapper) Tracef(format string, args ...interface{}) {
	l.e.Tracef(format, args...)
}

func (l *logrusEntryWrapper) Debugf(format string, args ...interface{}) {
	l.e.Debugf(format, args...)
}

func (l *logrusEntryWrapper) Infof(format string, args ...interface{}) {
	l.e.Infof(format, args...)
}

func (l *logrusEntryWrapper) Warnf(format string, args ...interface{}) {
	l.e.Warnf(format, args...)
}

func (l *logrusEntryWrapper) Errorf(format string, args ...interface{}) {
	l.e.Errorf(format, args...)
}

func (l *logrusEntryWrapper) Fatalf(format string, args ...interface{}) {
	l.e.Fatalf(format, args...)
}

func (l *logrusEntryWrapper) IsTracing() bool {
	return l.e.Logger.IsLevelEnabled(logrus.TraceLevel)
}

func (l *logrusEntryWrapper) IsDebugging() bool {
	return l.e.Logger.IsLevelEnabled(logrus.DebugLevel)
}

// expandField logs durations twice: as a human string under "<key>_str" and as nanoseconds under key.
func expandField(key string, value interface{}) logrus.Fields {
	if d, ok := value.(interface{ Nanoseconds() int64 }); ok {
		if s, ok := value.(fmt.Stringer); ok {
			return logrus.Fields{key: d.Nanoseconds(), key + "_str": s.String()}
		}
	}
	return logrus.Fields{key: value}
}

type logrusCallerFormatter struct {
	f logrus.Formatter
}

func (lf logrusCallerFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Caller = getCaller()
	return lf.f.Format(e)
}

// getCaller returns the first frame outside logrus and this package.
func getCaller() *runtime.Frame {
	const maxDepth = 25
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if !strings.Contains(f.Function, "github.com/sirupsen/logrus") &&
			!strings.HasPrefix(f.Function, ModuleName+"/pkg/logging.") {
			return &f
		}
		if !more {
			return nil
		}
	}
}

func Default() Logger {
	// wrap formatter with our own formatter that overrides caller
	formatterInitOnce.Do(func() {
		defaultLogger.SetReportCaller(true)
		defaultLogger.Formatter = logrusCallerFormatter{defaultLogger.Formatter}
	})
	return &logrusEntryWrapper{
		e: logrus.NewEntry(defaultLogger),
	}
}

// Dummy returns a logger that discards everything, for tests.
func Dummy() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &logrusEntryWrapper{e: logrus.NewEntry(l)}
}

func addFromContext(log Logger, ctx context.Context) Logger {
	fields := ctx.Value(LogFieldsContextKey)
	if fields == nil {
		return log
	}
	loggerFields := fields.(Fields)
	return log.WithFields(loggerFields)
}

func FromContext(ctx context.Context) Logger {
	return addFromContext(Default(), ctx)
}

func AddFields(ctx context.Context, fields Fields) context.Context {
	ctxFields := ctx.Value(LogFieldsContextKey)
	loggerFields := Fields{}
	if ctxFields != nil {
		for k, v := range ctxFields.(Fields) {
			loggerFields[k] = v
		}
	}
	for k, v := range fields {
		loggerFields[k] = v
	}
	return context.WithValue(ctx, LogFieldsContextKey, loggerFields)
}
