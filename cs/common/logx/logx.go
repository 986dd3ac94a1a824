package logx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	glogger "gorm.io/gorm/logger"
)

/******** Levels ********/
type Level int32

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
	Off
)

var globalLevel = int32(Info)

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return Trace
	case "debug":
		return Debug
	case "", "info":
		return Info
	case "warn", "warning":
		return Warn
	case "off", "silent":
		return Off
	default:
		return Error
	}
}

func (l Level) String() string {
	switch l {
	case Trace:
		return "trace"
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Off:
		return "off"
	default:
		return "error"
	}
}

func (l Level) tag() string {
	if l >= Error {
		return "[ERROR]"
	}
	return "[" + strings.ToUpper(l.String()) + "]"
}

func SetLevel(l Level)        { atomic.StoreInt32(&globalLevel, int32(l)) }
func SetLevelString(s string) { SetLevel(ParseLevel(s)) }
func GetLevel() Level         { return Level(atomic.LoadInt32(&globalLevel)) }
func GetLevelString() string  { return GetLevel().String() }

/******** Sinks ********/

var (
	dir atomic.Value // string

	appInfoW  io.Writer = os.Stdout
	appErrW   io.Writer = os.Stderr
	ginInfoW  io.Writer = os.Stdout
	ginErrW   io.Writer = os.Stderr
	gormInfoW io.Writer = os.Stdout
	gormErrW  io.Writer = os.Stderr

	onceInit atomic.Bool
)

// SetDir overrides the log directory used by MustInit. Empty keeps stdout/stderr only.
func SetDir(d string) { dir.Store(strings.TrimSpace(d)) }

func logDir() string {
	if v, ok := dir.Load().(string); ok {
		return v
	}
	return "log"
}

func mustOpen(path string) *os.File {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		panic(err)
	}
	return f
}

type levelWriter struct {
	min Level
	dst io.Writer
}

func (w levelWriter) Write(p []byte) (int, error) {
	if GetLevel() <= w.min {
		return w.dst.Write(p)
	}
	return len(p), nil
}

// Files returned by MustInit; Close releases all of them.
type Files struct {
	AppInfo, AppErr, GinInfo, GinErr, GormInfo, GormErr *os.File
}

func (f *Files) Close() {
	if f == nil {
		return
	}
	for _, x := range []*os.File{f.AppInfo, f.AppErr, f.GinInfo, f.GinErr, f.GormInfo, f.GormErr} {
		if x != nil {
			_ = x.Close()
		}
	}
}

// MustInit wires app, gin and gorm output to stdout/stderr plus per-source files in the log dir.
func MustInit() *Files {
	if !onceInit.CompareAndSwap(false, true) {
		return nil
	}
	d := logDir()
	if d == "" {
		installGin()
		return &Files{}
	}
	f := &Files{
		AppInfo:  mustOpen(filepath.Join(d, "info.log")),
		AppErr:   mustOpen(filepath.Join(d, "error.log")),
		GinInfo:  mustOpen(filepath.Join(d, "gin_info.log")),
		GinErr:   mustOpen(filepath.Join(d, "gin_error.log")),
		GormInfo: mustOpen(filepath.Join(d, "gorm_info.log")),
		GormErr:  mustOpen(filepath.Join(d, "gorm_error.log")),
	}

	// app: INFO/WARN -> stdout; ERROR -> stderr
	appInfoW = io.MultiWriter(os.Stdout, f.AppInfo)
	appErrW = io.MultiWriter(os.Stderr, f.AppErr)

	gormInfoW = io.MultiWriter(levelWriter{min: Info, dst: os.Stdout}, f.GormInfo)
	gormErrW = io.MultiWriter(levelWriter{min: Error, dst: os.Stderr}, f.GormErr)

	ginInfoW = io.MultiWriter(levelWriter{min: Info, dst: os.Stdout}, f.GinInfo)
	ginErrW = io.MultiWriter(levelWriter{min: Error, dst: os.Stderr}, f.GinErr)
	installGin()
	return f
}

func installGin() {
	gr := &ginRewriter{infoW: ginInfoW, errW: ginErrW}
	gin.DefaultWriter = gr
	gin.DefaultErrorWriter = gr
	gin.DebugPrintRouteFunc = func(method, path, handler string, nHandlers int) {
		msg := fmt.Sprintf("%-6s %-30s --> %s (%d handlers)", method, path, handler, nHandlers)
		_, _ = ginInfoW.Write(formatLine(findCaller(ginExclude, 1), Debug, "gin", msg))
	}
}

/******** Component logger ********/

type Logger struct {
	level int32
	pfx   atomic.Value
}

type Option func(*Logger)

func WithPrefix(p string) Option { return func(l *Logger) { l.pfx.Store(strings.TrimSpace(p)) } }
func WithLogLevel(lvl Level) Option {
	return func(l *Logger) { atomic.StoreInt32(&l.level, int32(lvl)) }
}

func New(opts ...Option) *Logger {
	l := &Logger{level: -1}
	l.pfx.Store("")
	for _, o := range opts {
		o(l)
	}
	return l
}

// With returns a child logger whose prefix is extended by sub, e.g. "collector" -> "collector[3]".
func (l *Logger) With(sub string) *Logger {
	c := New(WithPrefix(l.pfx.Load().(string) + sub))
	atomic.StoreInt32(&c.level, atomic.LoadInt32(&l.level))
	return c
}

func (l *Logger) effLevel() Level {
	if lv := atomic.LoadInt32(&l.level); lv >= 0 {
		return Level(lv)
	}
	return GetLevel()
}

func (l *Logger) SetLevel(lv Level)     { atomic.StoreInt32(&l.level, int32(lv)) }
func (l *Logger) Enabled(at Level) bool { return l.effLevel() <= at && at < Off }
func (l *Logger) dstFor(at Level) io.Writer {
	if at >= Error {
		return appErrW
	}
	return appInfoW
}

// ts file:line: [LEVEL] prefix - message
func formatLine(site string, at Level, pfx, msg string) []byte {
	var b bytes.Buffer
	ts := time.Now().Format("2006/01/02 15:04:05.000000")
	if pfx != "" {
		fmt.Fprintf(&b, "%s %s: %s %s - %s\n", ts, site, at.tag(), pfx, msg)
	} else {
		fmt.Fprintf(&b, "%s %s: %s - %s\n", ts, site, at.tag(), msg)
	}
	return b.Bytes()
}

func (l *Logger) out(at Level, format string, args ...any) {
	site := "-"
	if _, f, ln, ok := runtime.Caller(2); ok {
		site = fmt.Sprintf("%s:%d", filepath.Base(f), ln)
	}
	_, _ = l.dstFor(at).Write(formatLine(site, at, l.pfx.Load().(string), fmt.Sprintf(format, args...)))
}

func (l *Logger) Tracef(format string, args ...any) {
	if l.Enabled(Trace) {
		l.out(Trace, format, args...)
	}
}
func (l *Logger) Debugf(format string, args ...any) {
	if l.Enabled(Debug) {
		l.out(Debug, format, args...)
	}
}
func (l *Logger) Infof(format string, args ...any) {
	if l.Enabled(Info) {
		l.out(Info, format, args...)
	}
}
func (l *Logger) Warnf(format string, args ...any) {
	if l.Enabled(Warn) {
		l.out(Warn, format, args...)
	}
}
func (l *Logger) Errorf(format string, args ...any) {
	if l.Enabled(Error) {
		l.out(Error, format, args...)
	}
}

/******** std log helpers (boot logs) ********/

func NewStdInfo(f *Files) *log.Logger {
	flags := log.LstdFlags | log.Lmicroseconds | log.Lmsgprefix
	if f == nil || f.AppInfo == nil {
		return log.New(os.Stdout, "[INFO] ", flags)
	}
	return log.New(io.MultiWriter(os.Stdout, f.AppInfo), "[INFO] ", flags)
}

func NewStdErr(f *Files) *log.Logger {
	flags := log.LstdFlags | log.Lmicroseconds | log.Lmsgprefix
	if f == nil || f.AppErr == nil {
		return log.New(os.Stderr, "[ERROR] ", flags)
	}
	return log.New(io.MultiWriter(os.Stderr, f.AppErr), "[ERROR] ", flags)
}

/******** caller lookup: first non-library frame ********/

var ginExclude = []string{"github.com/gin-gonic/gin", "/net/http", "runtime/", "/logx/"}
var gormExclude = []string{"gorm.io/gorm", "gorm.io/driver", "/database/sql", "runtime/", "/logx/"}

func findCaller(excludes []string, additionalSkip int) string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2+additionalSkip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		if fr.File != "" {
			skip := false
			for _, e := range excludes {
				if strings.Contains(fr.File, e) {
					skip = true
					break
				}
			}
			if !skip {
				return fmt.Sprintf("%s:%d", filepath.Base(fr.File), fr.Line)
			}
		}
		if !more {
			return "-"
		}
	}
}

/******** GORM logger ********/

type gormSplitLogger struct {
	level glogger.LogLevel
	slow  time.Duration
}

func NewGormLogger(level string, slowThreshold time.Duration) glogger.Interface {
	return &gormSplitLogger{level: toGormLevel(level), slow: slowThreshold}
}

func GormLoggerDefault(level string) glogger.Interface {
	return NewGormLogger(level, 500*time.Millisecond)
}

func (l *gormSplitLogger) LogMode(level glogger.LogLevel) glogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func gormWrite(dst io.Writer, lvl Level, msg string) {
	site := findCaller(gormExclude, 2)
	for _, line := range strings.Split(strings.TrimRight(msg, "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		_, _ = dst.Write(formatLine(site, lvl, "gorm", line))
	}
}

func (l *gormSplitLogger) Info(_ context.Context, s string, args ...any) {
	if l.level >= glogger.Info {
		gormWrite(gormInfoW, Info, fmt.Sprintf(s, args...))
	}
}
func (l *gormSplitLogger) Warn(_ context.Context, s string, args ...any) {
	if l.level >= glogger.Warn {
		gormWrite(gormInfoW, Warn, fmt.Sprintf(s, args...))
	}
}
func (l *gormSplitLogger) Error(_ context.Context, s string, args ...any) {
	if l.level >= glogger.Error {
		gormWrite(gormErrW, Error, fmt.Sprintf(s, args...))
	}
}

func (l *gormSplitLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level == glogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	ms := float64(elapsed.Microseconds()) / 1000.0
	switch {
	case err != nil && l.level >= glogger.Error && !strings.Contains(err.Error(), "record not found"):
		gormWrite(gormErrW, Error, fmt.Sprintf("[%.3fms] rows=%d %s | err=%v", ms, rows, sql, err))
	case l.slow > 0 && elapsed > l.slow && l.level >= glogger.Warn:
		gormWrite(gormInfoW, Warn, fmt.Sprintf("[SLOW >= %s] [%.3fms] rows=%d %s", l.slow, ms, rows, sql))
	case l.level >= glogger.Info:
		gormWrite(gormInfoW, Debug, fmt.Sprintf("[%.3fms] rows=%d %s", ms, rows, sql))
	}
}

// debug prints SQL; info keeps only warnings and slow queries.
func toGormLevel(s string) glogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent", "off":
		return glogger.Silent
	case "error":
		return glogger.Error
	case "debug", "trace":
		return glogger.Info
	default:
		return glogger.Warn
	}
}

/******** Gin rewriter ********/

type ginRewriter struct {
	infoW io.Writer
	errW  io.Writer
}

func (w *ginRewriter) Write(p []byte) (int, error) {
	for _, ln := range bytes.Split(p, []byte{'\n'}) {
		ln = bytes.TrimSpace(ln)
		if len(ln) == 0 {
			continue
		}
		lvl, msg := ginDetect(string(ln))
		dst := w.infoW
		if lvl >= Error {
			dst = w.errW
		}
		_, _ = dst.Write(formatLine(findCaller(ginExclude, 1), lvl, "gin", msg))
	}
	return len(p), nil
}

func ginDetect(s string) (Level, string) {
	switch {
	case strings.Contains(s, "[WARNING]") || strings.Contains(s, "[WARN]"):
		return Warn, stripGinPrefix(s)
	case strings.Contains(s, "[ERROR]"):
		return Error, stripGinPrefix(s)
	case strings.HasPrefix(s, "[GIN-debug]"):
		return Debug, stripGinPrefix(s)
	default:
		return Info, stripGinPrefix(strings.TrimPrefix(s, "- "))
	}
}

func stripGinPrefix(s string) string {
	for i := 0; i < 2 && strings.HasPrefix(s, "["); i++ {
		j := strings.Index(s, "]")
		if j < 0 || j+1 >= len(s) {
			break
		}
		s = strings.TrimSpace(s[j+1:])
	}
	return s
}
