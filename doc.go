// Package sensorsync is a recording controller for multi-sensor
// physiological capture. It accepts links from sensing clients (wearable GSR,
// PPG, accelerometer and thermal devices, usually behind a phone companion),
// puts every device on one reference clock, and records synchronized
// sessions to disk.
//
// # Architecture
//
// Data flows from the transport endpoints through the connection layer into
// the ingestion path:
//
//	transport (websocket, NATS relay, MQTT relay)
//	    -> connection.Manager   handshake, link state, standby failover
//	    -> clocksync            offset and drift estimation per device
//	    -> signalproc           filtering and artifact scoring per channel
//	    -> fusion               time-aligned windows across devices
//	    -> storage              per-session CSV streams and manifest
//
// Around that path sit the session.Coordinator (start/stop barrier with a
// quorum policy), the quality.Assessor (composite score and degraded
// flagging), the archive (SQLite history of sessions and sync events) and
// the gateway (HTTP and websocket operator API). The controller package
// owns the wiring; cmd/sensorsync builds it from configuration.
//
// # Packages
//
// Domain:
//   - protocol: wire messages, JSON schema validation, version negotiation
//   - registry: device records, connection state machine, status feed
//   - clocksync: NTP-style exchanges, offset filtering, drift regression
//   - signalproc: per-channel filter banks and artifact detection
//   - fusion: bounded per-channel buffers and window alignment
//   - quality: composite scoring with hysteresis
//   - session: recording lifecycle and quorum
//   - connection: link supervision, backoff, failover
//   - storage: session directories, stream writers, file transfer
//   - archive: SQLite session history
//
// Infrastructure:
//   - transport: link abstraction and the direct and relayed endpoints
//   - natsclient: NATS client with circuit breaker for the relayed endpoint
//   - gateway: operator API
//   - config: layered JSON/YAML configuration with environment overrides
//   - errors: classified errors (transient, invalid, fatal)
//   - metric, health: Prometheus metrics and component health
//   - pkg/buffer, pkg/retry, pkg/timestamp, pkg/worker: shared utilities
//
// # Time
//
// All sample times in storage and fusion are controller-clock Unix
// nanoseconds. A device's readings are corrected with its current clock
// model as they arrive; readings that arrive before the device has a
// model are held back and replayed once it synchronizes.
//
// # Running
//
//	go build -o bin/sensorsync ./cmd/sensorsync
//	./bin/sensorsync -config configs/lab.yaml
//
// Integration tests that need a NATS server run behind the integration
// build tag and start one with testcontainers:
//
//	go test -tags integration ./transport/...
package sensorsync
