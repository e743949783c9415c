package config

import (
	"github.com/spf13/viper"
	"github.com/treeverse/claimload/pkg/logging"
)

const (
	DefaultLoggingFormat        = "text"
	DefaultLoggingLevel         = "INFO"
	DefaultLoggingOutput        = "-"
	DefaultLoggingFileMaxSizeMB = 100
	DefaultLoggingFilesKeep     = 10
)

func setupLogger() error {
	logging.SetOutputFormat(viper.GetString(LoggingFormatKey))
	if err := logging.SetOutputs(viper.GetStringSlice(LoggingOutputKey),
		viper.GetInt(LoggingFileMaxSizeMBKey), viper.GetInt(LoggingFilesKeepKey)); err != nil {
		return err
	}
	logging.SetLevel(viper.GetString(LoggingLevelKey))
	return nil
}
