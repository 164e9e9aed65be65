// Package influxdb writes the eBUS bridge's decoded states to InfluxDB v2
// using github.com/influxdata/influxdb-client-go/v2.
//
// Numeric and on/off field states become points of the "ebus_state"
// measurement tagged with the field name (see ebus.MetricsPublisher).
// Writes are batched and non-blocking; batch failures are reported to the
// SetOnError callback wrapped in ErrWriteFailed. Connect and HealthCheck
// return their errors directly.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.SetOnError(func(err error) { log.Warn("influxdb write failed", "error", err) })
package influxdb
