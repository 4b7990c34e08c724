package logger

import (
	"encoding/json"
	"io"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"
)

var echoLevels = map[logrus.Level]log.Lvl{
	logrus.TraceLevel: log.DEBUG,
	logrus.DebugLevel: log.DEBUG,
	logrus.InfoLevel:  log.INFO,
	logrus.WarnLevel:  log.WARN,
	logrus.ErrorLevel: log.ERROR,
	logrus.FatalLevel: log.ERROR,
	logrus.PanicLevel: log.ERROR,
}

// New returns an echo.Logger that writes through the standard logrus logger.
func New() echo.Logger {
	return &echoLogger{entry: logrus.WithField("component", "http")}
}

type echoLogger struct {
	entry *logrus.Entry
}

func jsonLine(j log.JSON) string {
	bs, err := json.Marshal(j)
	if err != nil {
		return err.Error()
	}
	return string(bs)
}

// Level and output are owned by SetLogrus; echo may not change them.
func (l *echoLogger) SetLevel(log.Lvl)    {}
func (l *echoLogger) Level() log.Lvl      { return echoLevels[l.entry.Logger.GetLevel()] }
func (l *echoLogger) SetOutput(io.Writer) {}
func (l *echoLogger) Output() io.Writer   { return l.entry.Logger.Out }
func (l *echoLogger) SetPrefix(string)    {}
func (l *echoLogger) Prefix() string      { return "" }
func (l *echoLogger) SetHeader(string)    {}

func (l *echoLogger) Print(i ...interface{})            { l.entry.Print(i...) }
func (l *echoLogger) Printf(f string, a ...interface{}) { l.entry.Printf(f, a...) }
func (l *echoLogger) Printj(j log.JSON)                 { l.entry.Print(jsonLine(j)) }
func (l *echoLogger) Debug(i ...interface{})            { l.entry.Debug(i...) }
func (l *echoLogger) Debugf(f string, a ...interface{}) { l.entry.Debugf(f, a...) }
func (l *echoLogger) Debugj(j log.JSON)                 { l.entry.Debug(jsonLine(j)) }
func (l *echoLogger) Info(i ...interface{})             { l.entry.Info(i...) }
func (l *echoLogger) Infof(f string, a ...interface{})  { l.entry.Infof(f, a...) }
func (l *echoLogger) Infoj(j log.JSON)                  { l.entry.Info(jsonLine(j)) }
func (l *echoLogger) Warn(i ...interface{})             { l.entry.Warn(i...) }
func (l *echoLogger) Warnf(f string, a ...interface{})  { l.entry.Warnf(f, a...) }
func (l *echoLogger) Warnj(j log.JSON)                  { l.entry.Warn(jsonLine(j)) }
func (l *echoLogger) Error(i ...interface{})            { l.entry.Error(i...) }
func (l *echoLogger) Errorf(f string, a ...interface{}) { l.entry.Errorf(f, a...) }
func (l *echoLogger) Errorj(j log.JSON)                 { l.entry.Error(jsonLine(j)) }
func (l *echoLogger) Fatal(i ...interface{})            { l.entry.Fatal(i...) }
func (l *echoLogger) Fatalf(f string, a ...interface{}) { l.entry.Fatalf(f, a...) }
func (l *echoLogger) Fatalj(j log.JSON)                 { l.entry.Fatal(jsonLine(j)) }
func (l *echoLogger) Panic(i ...interface{})            { l.entry.Panic(i...) }
func (l *echoLogger) Panicf(f string, a ...interface{}) { l.entry.Panicf(f, a...) }
func (l *echoLogger) Panicj(j log.JSON)                 { l.entry.Panic(jsonLine(j)) }
