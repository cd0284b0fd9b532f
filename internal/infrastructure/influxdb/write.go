package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementChannelState is the measurement channel values are written to.
const MeasurementChannelState = "channel_state"

// WriteChannelState records one channel value observed now.
//
// Numbers are written to the "value" field. Booleans go to "state" with a
// 0/1 copy in "value" so switches can be graphed. Strings go to "text".
// nil (UNDEF) and unsupported types are skipped.
//
// Parameters:
//   - thingID: Thing the channel belongs to (tag thing_id)
//   - channelID: Channel identifier (tag channel_id)
//   - value: Converted channel value
func (c *Client) WriteChannelState(thingID, channelID string, value any) {
	c.WriteChannelStateAt(thingID, channelID, value, time.Now())
}

// WriteChannelStateAt is WriteChannelState with an explicit timestamp.
func (c *Client) WriteChannelStateAt(thingID, channelID string, value any, ts time.Time) {
	fields := channelFields(value)
	if fields == nil {
		return
	}
	c.WritePointWithTime(MeasurementChannelState,
		map[string]string{
			"thing_id":   thingID,
			"channel_id": channelID,
		},
		fields,
		ts,
	)
}

// WritePoint writes a custom point timestamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() || c.writer == nil {
		return
	}
	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

func channelFields(value any) map[string]any {
	switch v := value.(type) {
	case float64:
		return map[string]any{"value": v}
	case float32:
		return map[string]any{"value": float64(v)}
	case int:
		return map[string]any{"value": float64(v)}
	case int64:
		return map[string]any{"value": float64(v)}
	case bool:
		numeric := 0.0
		if v {
			numeric = 1.0
		}
		return map[string]any{"state": v, "value": numeric}
	case string:
		return map[string]any{"text": v}
	default:
		return nil
	}
}
