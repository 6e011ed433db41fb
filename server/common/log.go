package common

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kataras/golog"

	"github.com/nkayisi/tm20-terminal/server/config"
	"github.com/nkayisi/tm20-terminal/utils"
)

var logWriter *os.File
var disposed bool

// InitLog wires golog to a daily log file when a log path is
// configured. Files older than Config.Log.Days are removed on
// rotation.
func InitLog() {
	setLogDst := func() {
		var err error
		if logWriter != nil {
			logWriter.Close()
		}
		if len(config.Config.Log.Path) == 0 || config.Config.Log.Level == `disable` || disposed {
			golog.SetOutput(os.Stdout)
			return
		}
		os.Mkdir(config.Config.Log.Path, 0666)
		now := utils.Now.Add(time.Minute)
		logFile := fmt.Sprintf(`%s/%s.log`, config.Config.Log.Path, now.Format(`2006-01-02`))
		logWriter, err = os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
		if err != nil {
			golog.Warn(getLog(nil, `LOG_INIT`, `fail`, err.Error(), nil))
			golog.SetOutput(os.Stdout)
			return
		}
		golog.SetOutput(io.MultiWriter(os.Stdout, logWriter))

		staleDate := time.Unix(now.Unix()-int64(config.Config.Log.Days*86400), 0)
		staleLog := fmt.Sprintf(`%s/%s.log`, config.Config.Log.Path, staleDate.Format(`2006-01-02`))
		os.Remove(staleLog)
	}
	setLogDst()
	go func() {
		waitSecs := 86400 - (utils.Now.Hour()*3600 + utils.Now.Minute()*60 + utils.Now.Second())
		if waitSecs > 0 {
			<-time.After(time.Duration(waitSecs) * time.Second)
		}
		setLogDst()
		for range time.NewTicker(time.Second * 86400).C {
			setLogDst()
		}
	}()
}

// getLog renders one structured log line. ctx may be a *gin.Context
// (client IP is attached) or a terminal SN string.
func getLog(ctx any, event, status, msg string, args map[string]any) string {
	if args == nil {
		args = map[string]any{}
	}
	args[`event`] = event
	if len(msg) > 0 {
		args[`msg`] = msg
	}
	if len(status) > 0 {
		args[`status`] = status
	}
	switch c := ctx.(type) {
	case *gin.Context:
		args[`from`] = GetRealIP(c)
	case string:
		if len(c) > 0 {
			args[`sn`] = c
		}
	}
	output, _ := utils.JSON.MarshalToString(args)
	return output
}

func Info(ctx any, event, status, msg string, args map[string]any) {
	golog.Infof(getLog(ctx, event, status, msg, args))
}

func Warn(ctx any, event, status, msg string, args map[string]any) {
	golog.Warnf(getLog(ctx, event, status, msg, args))
}

func Error(ctx any, event, status, msg string, args map[string]any) {
	golog.Error(getLog(ctx, event, status, msg, args))
}

func Fatal(ctx any, event, status, msg string, args map[string]any) {
	golog.Fatalf(getLog(ctx, event, status, msg, args))
}

func Debug(ctx any, event, status, msg string, args map[string]any) {
	golog.Debugf(getLog(ctx, event, status, msg, args))
}

func CloseLog() {
	disposed = true
	golog.SetOutput(os.Stdout)
	if logWriter != nil {
		logWriter.Close()
		logWriter = nil
	}
}
