// Package logging sets up the bridge's log/slog output.
//
// Every entry carries service=ebusbridge and the build version; components
// add component=<name> through Logger.Component. The logging section of the
// config file picks the level (debug, info, warn, error), the format (json
// or text) and the stream (stdout or stderr):
//
//	logging:
//	  level: "info"
//	  format: "json"
//	  output: "stdout"
//
// Usage:
//
//	log := logging.New(cfg.Logging, version)
//	log.Component("ebus").Info("link opened", "port", cfg.Link.Port)
//
// Never log MQTT or InfluxDB credentials.
package logging
