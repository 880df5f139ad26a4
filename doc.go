// Package perfmon implements an agent that samples Windows performance
// counters and publishes them as named metrics.
//
// Each configured agent polls one host on a fixed interval. A poll cycle runs
// the configured counter queries in order and reports every counter row as a
// metric named "<category>(<instance>)/<counter>". Worker process instances
// are renamed after the application pool that owns them when a ProcessID
// query precedes the counters of the same instances.
//
// Counters are read through WMI on Windows or from the local host through
// gopsutil elsewhere. Metrics are delivered to:
//   - an in-memory store of latest values served by the status server
//   - the plugin platform as gzip-compressed, optionally HMAC-signed batches
//   - a PostgreSQL sample history
//   - a JSON lines file
//
// The agent is configured with command-line flags, environment variables and
// a config/plugin.json file listing the agents and their counters.
package perfmon
