// Package influxdb records CoAP channel values as time series.
//
// It wraps influxdb-client-go v2 with a non-blocking, batched write API.
// Every state change the bridge observes becomes one point in the
// channel_state measurement, tagged with thing_id and channel_id:
//
//	channel_state,channel_id=temperature,thing_id=kitchen value=21.5
//	channel_state,channel_id=light,thing_id=kitchen state=true,value=1
//	channel_state,channel_id=door,thing_id=hall text="open"
//
// InfluxDB is optional. Connect returns ErrDisabled when influxdb.enabled
// is false and the bridge runs without a series writer.
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.WriteChannelState("kitchen", "temperature", 21.5)
package influxdb
