package logger

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// PionLoggerFactory 将pion/dtls内部日志转接到默认日志实例
type PionLoggerFactory struct{}

// NewLogger 实现 logging.LoggerFactory
func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	l := Default().l.Named("pion." + scope).WithOptions(zap.AddCallerSkip(1))
	return &pionLogger{s: l.Sugar()}
}

// pionLogger 实现 logging.LeveledLogger，trace级别按debug输出
type pionLogger struct {
	s *zap.SugaredLogger
}

func (p *pionLogger) Trace(msg string)                          { p.s.Debug(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) { p.s.Debugf(format, args...) }
func (p *pionLogger) Debug(msg string)                          { p.s.Debug(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) { p.s.Debugf(format, args...) }
func (p *pionLogger) Info(msg string)                           { p.s.Info(msg) }
func (p *pionLogger) Infof(format string, args ...interface{})  { p.s.Infof(format, args...) }
func (p *pionLogger) Warn(msg string)                           { p.s.Warn(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{})  { p.s.Warnf(format, args...) }
func (p *pionLogger) Error(msg string)                          { p.s.Error(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) { p.s.Errorf(format, args...) }
