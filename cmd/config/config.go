package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/noiseguard/noiseguard/internal/utils"
	"github.com/spf13/viper"
)

func setViperDefaults() {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("ringcapacity", 2048)
	viper.SetDefault("periodframes", 480)
	viper.SetDefault("suppressionlevel", 1.0)
	viper.SetDefault("reconnectinitialdelay", 250*time.Millisecond)
	viper.SetDefault("reconnectmaxdelay", 8*time.Second)
	viper.SetDefault("recordfile", "")
}

// LoadConfig reads the config file at configFilePath into viper. A missing
// config file is not an error; every key has a sensible default. Any other
// read failure is fatal.
func LoadConfig(configFilePath string) {
	setViperDefaults()

	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(configFilePath); os.IsNotExist(statErr) {
			slog.Info("no config file found, using defaults", "configFilePath", configFilePath)
		} else {
			slog.Error("error during config read", "err", err)
			panic(err)
		}
	}
}

// ConfigureLogger sets up the process-wide slog default from the loaded
// config. See utils.ConfigureDefaultLogger for the returned file contract.
func ConfigureLogger() *os.File {
	logFilePointer, err := utils.ConfigureDefaultLogger(
		viper.GetString("loglevel"),
		viper.GetString("logfile"),
		slog.HandlerOptions{},
	)
	if err != nil {
		slog.Error("error while configuring default logger", "err", err)
		panic(err)
	}
	return logFilePointer
}
