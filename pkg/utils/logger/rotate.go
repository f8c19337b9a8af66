package logger

import (
	"io"
	"os"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxAge       = 7 * 24 * time.Hour
	defaultRotationTime = 24 * time.Hour
	defaultMaxBackups   = 5
)

// NewProductionRotateByTime 按天切割的日志文件，保留7天
// 参数：
//   - filename：日志文件路径，同时作为指向最新文件的软链接名
func NewProductionRotateByTime(filename string) io.Writer {
	return NewRotateByTime(filename, defaultMaxAge, defaultRotationTime)
}

// NewRotateByTime 按时间切割日志文件
// 创建失败时退回到标准错误输出，避免因日志目录问题导致程序无法启动
func NewRotateByTime(filename string, maxAge, rotationTime time.Duration) io.Writer {
	w, err := rotatelogs.New(
		filename+".%Y%m%d",
		rotatelogs.WithLinkName(filename),
		rotatelogs.WithMaxAge(maxAge),
		rotatelogs.WithRotationTime(rotationTime),
	)
	if err != nil {
		Default().Error("[LOGGER] 创建按时间轮转日志失败", GetError(err))
		return os.Stderr
	}
	return w
}

// NewProductionRotateBySize 按大小切割的日志文件
// 参数：
//   - filename：日志文件路径
//   - maxSizeMB：单个文件的最大尺寸（MB），<=0时使用lumberjack默认值
func NewProductionRotateBySize(filename string, maxSizeMB int) io.Writer {
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxBackups: defaultMaxBackups,
		MaxAge:     int(defaultMaxAge / (24 * time.Hour)),
		Compress:   true,
		LocalTime:  true,
	}
}
