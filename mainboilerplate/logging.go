package mainboilerplate

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

// InitLog configures the logger. While the process runs, SIGUSR2 toggles
// between the configured level and debug logging.
func InitLog(cfg LogConfig) {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}

	var lvl, err = log.ParseLevel(cfg.Level)
	if err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	}
	log.SetLevel(lvl)

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR2)

	go func() {
		var debugging bool
		for range sigCh {
			debugging = toggleDebug(debugging, lvl)
		}
	}()
}

func toggleDebug(debugging bool, configured log.Level) bool {
	if debugging {
		log.SetLevel(configured)
	} else {
		log.SetLevel(log.DebugLevel)
	}
	log.WithField("level", log.GetLevel()).Info("toggled log level")
	return !debugging
}
