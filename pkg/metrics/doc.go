/*
Package metrics provides Prometheus metrics collection and health reporting
for the bridge process.

Metrics are defined and registered at package init, exposed via an HTTP
handler for scraping, and updated in two ways: directly at the call site
for event-driven counters (watcher events, hub drops/evictions, delta
messages), and periodically by Collector for state that otherwise has no
natural update point (active symbol counts, rollover countdowns,
per-identifier subscriber gauges).

# Metrics Catalog

File Watcher:
  - bridge_watcher_events_total{kind}
  - bridge_watcher_resyncs_total

Delta Engine:
  - bridge_delta_messages_total{source}
  - bridge_delta_sequence{identifier}

Subscription Hub:
  - bridge_hub_subscribers{identifier}
  - bridge_hub_messages_dropped_total
  - bridge_hub_subscribers_evicted_total

Historical API:
  - bridge_historical_requests_total{endpoint,status}
  - bridge_historical_request_duration_seconds{endpoint}

Archive Reader:
  - bridge_archive_bytes_read_total
  - bridge_archive_path_rejections_total

Symbol Registry:
  - bridge_registry_active_symbols
  - bridge_registry_rollover_days{role}

# Health

HealthChecker tracks named component health independent of the metrics
above; HealthHandler, ReadyHandler, and LivenessHandler serve /health,
/ready, and /live respectively. Readiness additionally requires the
watcher, hub, and historical components to be registered and healthy.
*/
package metrics
