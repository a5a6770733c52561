// Package influxdb records Fingerprint telemetry in InfluxDB v2.
//
// Two measurements are written:
//   - fingerprint_state: run_state, result_state, error_type and asset_state
//     on every DeviceState change, tagged by module_id
//   - fingerprint_command: duration_ms and error_type per finished command,
//     tagged by module_id, command and result
//
// Writes are batched and non-blocking; asynchronous failures are reported
// through SetOnError.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
package influxdb
