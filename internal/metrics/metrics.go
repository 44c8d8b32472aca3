package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetpulse_ingest_build_info",
		Help: "Build information of the ingest server",
	}, []string{"version", "commit", "date"})

	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetpulse_ingest_connections_accepted_total", Help: "Total device connections accepted.",
	})
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetpulse_ingest_connections_active", Help: "Device connections currently open.",
	})
	AcceptErrs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetpulse_ingest_accept_errors_total", Help: "Total listener accept errors.",
	}, []string{"kind"})
	RouterRefused = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetpulse_ingest_router_refused_total", Help: "Connections closed because neither protocol matched.",
	})

	FramesParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetpulse_ingest_frames_parsed_total", Help: "Total frames/packets successfully parsed.",
	}, []string{"protocol"})
	ParseErrs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetpulse_ingest_parse_errors_total", Help: "Total per-frame parse errors.",
	}, []string{"protocol"})
	CRCErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetpulse_ingest_crc_errors_total", Help: "Teltonika AVL batches rejected on CRC mismatch.",
	})
	AcksSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetpulse_ingest_acks_sent_total", Help: "Total acknowledgements written back to devices.",
	}, []string{"protocol"})

	UnknownDevices = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetpulse_ingest_unknown_devices_total", Help: "Connections rejected for an unregistered IMEI.",
	}, []string{"protocol"})
	ShortIDsAssigned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetpulse_ingest_short_ids_assigned_total", Help: "Short device IDs allocated at login.",
	})
	LoginsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetpulse_ingest_logins_accepted_total", Help: "Device identifications accepted.",
	}, []string{"protocol"})

	RecordsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetpulse_ingest_records_inserted_total", Help: "Telemetry records persisted.",
	}, []string{"protocol"})
	RecordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetpulse_ingest_records_dropped_total", Help: "Telemetry records dropped instead of persisted.",
	}, []string{"reason"})
	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetpulse_ingest_store_retries_total", Help: "Store calls retried after a transient failure.",
	})
	InsertQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetpulse_ingest_insert_queue_depth", Help: "Records queued for insert across live connections.",
	})
	LastSeenTouches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetpulse_ingest_last_seen_touches_total", Help: "Coalesced last-seen updates written.",
	})
)
