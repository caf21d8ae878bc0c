package cli

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

const (
	DefaultMultiplexerSocket = "/var/run/usbmuxd"
	DefaultPairRecordCacheTtl = 5 * time.Minute
	DefaultLogLevel           = logrus.InfoLevel
)

// BaseConfig holds the flags every idevice* command accepts.
type BaseConfig struct {
	// Command-line arguments. Each variable in this block should have a line in AsArgs().
	MultiplexerSocket string
	PairRecordCacheTtl time.Duration
	LogLevel          string
	Verbose           bool
	ServeDebug        bool
}

const (
	MultiplexerSocketFlag  = "socket"
	PairRecordCacheTtlFlag = "pairrecord-cachettl"
	LogLevelFlag           = "log"
	VerboseFlag            = "verbose"
	ServeDebugFlag         = "debug"
)

func registerBaseFlags(config *BaseConfig) {
	kingpin.Flag(MultiplexerSocketFlag, "Path to the usbmuxd control socket.").Default(DefaultMultiplexerSocket).StringVar(&config.MultiplexerSocket)
	kingpin.Flag(PairRecordCacheTtlFlag, "Duration to keep cached pair records before re-reading them from the multiplexer daemon.").Default(DefaultPairRecordCacheTtl.String()).DurationVar(&config.PairRecordCacheTtl)
	kingpin.Flag(ServeDebugFlag, "If set, will start an HTTP server to expose profiling and trace logs. Off by default.").BoolVar(&config.ServeDebug)

	logLevels := []string{
		logrus.PanicLevel.String(),
		logrus.FatalLevel.String(),
		logrus.ErrorLevel.String(),
		logrus.WarnLevel.String(),
		logrus.InfoLevel.String(),
		logrus.DebugLevel.String(),
	}
	kingpin.Flag(LogLevelFlag, fmt.Sprintf("Detail of logs to show. Options are: %v", logLevels)).Default(DefaultLogLevel.String()).EnumVar(&config.LogLevel, logLevels...)
	kingpin.Flag(VerboseFlag, "Alias for --log=debug.").Short('v').BoolVar(&config.Verbose)
}

// AsArgs returns a string array suitable to be passed to exec.Command that copies
// the arguments defined in this package.
func (c *BaseConfig) AsArgs() []string {
	return []string{
		formatFlag(MultiplexerSocketFlag, c.MultiplexerSocket),
		formatFlag(PairRecordCacheTtlFlag, c.PairRecordCacheTtl),
		formatFlag(LogLevelFlag, c.LogLevel),
		formatFlag(ServeDebugFlag, c.ServeDebug),
		formatFlag(VerboseFlag, c.Verbose),
	}
}

func (c *BaseConfig) createLogger() *logrus.Logger {
	log := logrus.StandardLogger()

	if c.Verbose {
		log.Level = logrus.DebugLevel
	} else {
		logLevel, err := logrus.ParseLevel(c.LogLevel)
		if err != nil {
			log.Fatal(err)
		}
		log.Level = logLevel
	}

	log.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
		// RFC 3339 with nanoseconds.
		TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
	}

	return log
}
