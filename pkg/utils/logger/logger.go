package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level 日志级别
type Level = zapcore.Level

// Field 结构化日志字段
type Field = zap.Field

const (
	DebugLevel Level = zapcore.DebugLevel
	InfoLevel  Level = zapcore.InfoLevel
	WarnLevel  Level = zapcore.WarnLevel
	ErrorLevel Level = zapcore.ErrorLevel
)

// Logger 对zap的简单封装，同时提供结构化和格式化两种输出方式
type Logger struct {
	l     *zap.Logger
	s     *zap.SugaredLogger
	level zap.AtomicLevel
}

var (
	stdMu sync.RWMutex
	std   = New(os.Stderr, InfoLevel)
)

// New 创建日志实例
// 参数：
//   - out：日志输出目标（终端、轮转文件等）
//   - level：初始日志级别
func New(out io.Writer, level Level) *Logger {
	if out == nil {
		panic("logger: the writer is nil")
	}
	al := zap.NewAtomicLevelAt(level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
	}
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(out), al)
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{l: l, s: l.Sugar(), level: al}
}

// Default 返回当前默认日志实例
func Default() *Logger {
	stdMu.RLock()
	defer stdMu.RUnlock()
	return std
}

// ReplaceDefault 替换默认日志实例，一般在解析完配置后调用
func ReplaceDefault(l *Logger) {
	if l == nil {
		return
	}
	stdMu.Lock()
	std = l
	stdMu.Unlock()
}

// ParseLevel 将配置中的字符串转换为日志级别，未知值按info处理
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// GetError 把错误包装成日志字段
func GetError(err error) Field { return zap.Error(err) }

// String 字符串字段
func String(key, val string) Field { return zap.String(key, val) }

// Int 整数字段
func Int(key string, val int) Field { return zap.Int(key, val) }

// Named 返回带有子模块名的日志实例
func (l *Logger) Named(name string) *Logger {
	nl := l.l.Named(name)
	return &Logger{l: nl, s: nl.Sugar(), level: l.level}
}

// With 返回附带固定字段的日志实例
func (l *Logger) With(fields ...Field) *Logger {
	nl := l.l.With(fields...)
	return &Logger{l: nl, s: nl.Sugar(), level: l.level}
}

func (l *Logger) SetLevel(level Level) { l.level.SetLevel(level) }
func (l *Logger) Level() Level          { return l.level.Level() }
func (l *Logger) Sync() error           { return l.l.Sync() }

func (l *Logger) Debug(msg string, fields ...Field) { l.l.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.l.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.l.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.l.Error(msg, fields...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }

// 包级别函数，作用于默认日志实例

func SetLevel(level Level) { Default().SetLevel(level) }
func GetLevel() Level      { return Default().Level() }
func Sync() error          { return Default().Sync() }

func Debug(msg string, fields ...Field) { Default().l.Debug(msg, fields...) }
func Info(msg string, fields ...Field)  { Default().l.Info(msg, fields...) }
func Warn(msg string, fields ...Field)  { Default().l.Warn(msg, fields...) }
func Error(msg string, fields ...Field) { Default().l.Error(msg, fields...) }

func Debugf(format string, args ...interface{}) { Default().s.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { Default().s.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { Default().s.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { Default().s.Errorf(format, args...) }
