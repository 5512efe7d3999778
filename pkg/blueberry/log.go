package blueberry

import (
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blueberryd/blueberryd/pkg/blueberry/util"
)

const (
	logDirectory = "logs"
	logFilename  = "blueberryd-latest-run.log"

	buildTypeRelease = "release"
)

var logFilePath = path.Join(logDirectory, logFilename)

// NewLogger provides a logger instance for the whole daemon. Release builds
// log to a file under the log directory (an unattended appliance has nobody
// watching stderr); anything else logs to the console for development.
func NewLogger(buildType string) (*zap.SugaredLogger, error) {
	var loggerConfig zap.Config

	if buildType == buildTypeRelease {
		if err := util.EnsureDirExists(logDirectory); err != nil {
			return nil, fmt.Errorf("ensure log directory exists: %w", err)
		}

		loggerConfig = zap.NewProductionConfig()
		loggerConfig.OutputPaths = []string{logFilePath}
		loggerConfig.Encoding = "console"
	} else {
		loggerConfig = zap.NewDevelopmentConfig()
		loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	// timestamps looking like dates are friendlier than epoch seconds when
	// someone pulls the log off the appliance
	loggerConfig.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
	}
	loggerConfig.EncoderConfig.EncodeCaller = nil

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return logger.Sugar(), nil
}
