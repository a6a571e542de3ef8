// Package gateway configures the operator HTTP surface of the relay.
//
// The server itself lives in gateway/http. It is a thin request/response
// layer over the device manager, the uplink and the tracking session:
//
//	GET  /health                         aggregated component health
//	GET  /metrics                        Prometheus exposition
//	GET  /devices                        inventory joined with live state
//	GET  /devices/{address}              one device
//	POST /devices/{address}/connect      set target CONNECTED
//	POST /devices/{address}/disconnect   set target DISCONNECTED
//	POST /devices/{address}/reconnect    sever and reconnect a live link
//	GET  /uplink                         broker state and buffer statistics
//	GET  /tracking                       current tracking session
//	POST /tracking/start                 begin a tracking session
//	POST /tracking/stop                  end the tracking session
//
// Errors are JSON objects with "error", "code" and "status" fields. Messages
// are sanitized; internal detail goes to the log, not the client.
package gateway
