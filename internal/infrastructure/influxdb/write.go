package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePointWithTime queues one point. It implements ebus.PointWriter;
// the bridge passes the time the telegram was decoded.
//
//	client.WritePointWithTime("ebus_state",
//	    map[string]string{"name": "heating.flow_temperature"},
//	    map[string]any{"value": 45.5}, t.Timestamp())
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		c.dropped.Add(1)
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
