package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/santhoshcv/fleetpulse-server/internal/codec/teltonika"
	"github.com/santhoshcv/fleetpulse-server/internal/codec/tfms90"
	"github.com/santhoshcv/fleetpulse-server/internal/metrics"
	"github.com/santhoshcv/fleetpulse-server/internal/store"
	"github.com/santhoshcv/fleetpulse-server/internal/telemetry"
)

var (
	errUnknownDevice = errors.New("handler: device not registered")
	errIdentify      = errors.New("handler: identification failed")
)

// handler drives one device connection through routing, identification,
// the running loop, and close. Parsing and acking are synchronous; inserts
// flow through a bounded per-connection queue so a slow store never stalls
// the device into a retry storm.
type handler struct {
	log       *slog.Logger
	cfg       *Config
	clock     clockwork.Clock
	store     store.Gateway
	conn      net.Conn
	touchGate *ttlcache.Cache[string, time.Time]
	registry  *registry

	protocol   Protocol
	deviceKey  string
	ackID      string // on-wire short id echoed in TFMS90 acks
	identified bool

	queue      chan *telemetry.Record
	writerDone chan struct{}
}

func newHandler(s *Server, conn net.Conn) *handler {
	return &handler{
		log:       s.log.With("remote", conn.RemoteAddr().String()),
		cfg:       s.cfg,
		clock:     s.cfg.Clock,
		store:     s.cfg.Store,
		conn:      conn,
		touchGate: s.touchGate,
		registry:  s.registry,
	}
}

func (h *handler) serve(ctx context.Context) {
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	// Unblocks any pending read or write when the server shuts down.
	stop := context.AfterFunc(ctx, func() { _ = h.conn.Close() })
	defer stop()
	defer func() { _ = h.conn.Close() }()
	defer h.stopWriter()
	defer func() {
		if h.deviceKey != "" {
			h.registry.remove(h.deviceKey, h.conn)
		}
	}()

	_ = h.conn.SetReadDeadline(h.clock.Now().Add(h.cfg.PeekTimeout))
	proto, peek, err := routeConn(h.conn, h.cfg.PeekBudget)
	if err != nil {
		if errors.Is(err, errRouterRefused) {
			metrics.RouterRefused.Inc()
			h.log.Warn("refusing connection, unknown protocol", "peek", fmt.Sprintf("%.32x", peek))
		} else if !isClosedNetErr(err) {
			h.log.Debug("peek failed", "error", err)
		}
		return
	}
	h.protocol = proto

	switch proto {
	case ProtocolTFMS90:
		err = h.runTFMS90(ctx, peek)
	case ProtocolTeltonika:
		err = h.runTeltonika(ctx, peek)
	}
	if err != nil && !isClosedNetErr(err) && ctx.Err() == nil {
		h.log.Info("connection closed", "device", h.deviceKey, "reason", err)
		return
	}
	h.log.Debug("connection done", "device", h.deviceKey)
}

// ---- TFMS90 ----

func (h *handler) runTFMS90(ctx context.Context, peek []byte) error {
	dec := tfms90.NewDecoder(h.clock)
	dec.Feed(peek)
	buf := make([]byte, h.cfg.ReadBufferBytes)

	for {
		for {
			f, ok := dec.Next()
			if !ok {
				break
			}
			if err := h.handleTFMS90Frame(ctx, dec, f); err != nil {
				return err
			}
		}

		timeout := h.cfg.IdleTimeoutTFMS90
		if !h.identified {
			timeout = h.cfg.HandshakeTimeout
		}
		n, err := h.read(buf, timeout)
		if err != nil {
			return err
		}
		dec.Feed(buf[:n])
	}
}

func (h *handler) handleTFMS90Frame(ctx context.Context, dec *tfms90.Decoder, f *tfms90.Frame) error {
	if f.Type == "LG" {
		return h.loginTFMS90(ctx, f)
	}

	if !h.identified {
		if err := h.bindShortID(ctx, f); err != nil {
			return err
		}
	}

	rec, err := dec.Parse(f, h.deviceKey)
	if err != nil {
		// Per-frame failure: log, no ack, resync on the next '$'.
		metrics.ParseErrs.WithLabelValues(string(ProtocolTFMS90)).Inc()
		h.log.Warn("dropping malformed frame", "device", h.deviceKey, "frame", truncated(f.Raw), "error", err)
		return nil
	}
	metrics.FramesParsed.WithLabelValues(string(ProtocolTFMS90)).Inc()
	h.enqueue(rec)
	return h.writeAck(tfms90.DataAck(f.AckToken(), h.ackID, 1))
}

// bindShortID identifies a registered device reconnecting straight into
// data frames. The claimed short id must resolve to a device row; a
// telemetry row keyed to a nonexistent device is never written.
func (h *handler) bindShortID(ctx context.Context, f *tfms90.Frame) error {
	if !isDigits(f.Device) {
		metrics.UnknownDevices.WithLabelValues(string(ProtocolTFMS90)).Inc()
		return fmt.Errorf("%w: first frame %s with device %q", errIdentify, f.Type, f.Device)
	}
	shortID, err := strconv.Atoi(f.Device)
	if err != nil {
		metrics.UnknownDevices.WithLabelValues(string(ProtocolTFMS90)).Inc()
		return fmt.Errorf("%w: first frame device %q", errIdentify, f.Device)
	}

	cctx, cancel := h.storeCtx(ctx)
	dev, err := backoff.Retry(cctx, func() (*store.Device, error) {
		d, err := h.store.LookupByShortID(cctx, telemetry.ProtocolTFMS90, shortID)
		if errors.Is(err, store.ErrDeviceNotFound) {
			return nil, backoff.Permanent(err)
		}
		return d, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(100*time.Millisecond)),
		backoff.WithMaxTries(2),
	)
	cancel()
	if errors.Is(err, store.ErrDeviceNotFound) {
		metrics.UnknownDevices.WithLabelValues(string(ProtocolTFMS90)).Inc()
		h.log.Warn("rejecting unregistered short id", "shortID", shortID)
		return errUnknownDevice
	}
	if err != nil {
		return fmt.Errorf("short id lookup: %w", err)
	}

	h.bind(dev.CanonicalKey, f.Device)
	metrics.LoginsAccepted.WithLabelValues(string(ProtocolTFMS90)).Inc()
	h.log.Info("device identified by short id", "shortID", shortID, "device", dev.CanonicalKey)
	return nil
}

func (h *handler) loginTFMS90(ctx context.Context, f *tfms90.Frame) error {
	lg, err := tfms90.ParseLogin(f)
	if err != nil {
		metrics.ParseErrs.WithLabelValues(string(ProtocolTFMS90)).Inc()
		return fmt.Errorf("%w: %v", errIdentify, err)
	}

	dev, err := h.lookupIMEI(ctx, lg.IMEI)
	if errors.Is(err, store.ErrDeviceNotFound) {
		metrics.UnknownDevices.WithLabelValues(string(ProtocolTFMS90)).Inc()
		h.log.Warn("rejecting unregistered device", "imei", lg.IMEI)
		return errUnknownDevice
	}
	if err != nil {
		return fmt.Errorf("login lookup: %w", err)
	}

	var shortID int
	if dev.ShortID != nil {
		shortID = *dev.ShortID
	} else {
		cctx, cancel := h.storeCtx(ctx)
		shortID, err = h.store.AllocateShortID(cctx, telemetry.ProtocolTFMS90)
		cancel()
		if err != nil {
			return fmt.Errorf("allocate short id: %w", err)
		}
		metrics.ShortIDsAssigned.Inc()
	}

	patch := store.RegisterPatch{
		CanonicalKey: telemetry.TFMS90Key(shortID),
		ShortID:      shortID,
		Protocol:     telemetry.ProtocolTFMS90,
		Firmware:     lg.Firmware,
		ICCID:        lg.ICCID,
		LastSeen:     h.clock.Now().UTC(),
		Active:       true,
	}
	cctx, cancel := h.storeCtx(ctx)
	err = h.store.RegisterDevice(cctx, dev.ID, patch)
	cancel()
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}

	h.bind(patch.CanonicalKey, strconv.Itoa(shortID))
	metrics.LoginsAccepted.WithLabelValues(string(ProtocolTFMS90)).Inc()
	h.log.Info("device registered", "imei", lg.IMEI, "shortID", shortID, "firmware", lg.Firmware)
	return h.writeAck(tfms90.LoginAck(f.Token, shortID))
}

// ---- Teltonika ----

func (h *handler) runTeltonika(ctx context.Context, peek []byte) error {
	dec := teltonika.NewDecoder()
	dec.Feed(peek)
	buf := make([]byte, h.cfg.ReadBufferBytes)

	for !h.identified {
		imei, ok, err := dec.Greeting()
		if err != nil {
			return fmt.Errorf("%w: %v", errIdentify, err)
		}
		if ok {
			if err := h.greetTeltonika(ctx, imei); err != nil {
				return err
			}
			break
		}
		n, err := h.read(buf, h.cfg.HandshakeTimeout)
		if err != nil {
			return err
		}
		dec.Feed(buf[:n])
	}

	for {
		for {
			b, err := dec.Next(h.deviceKey)
			if err != nil {
				metrics.ParseErrs.WithLabelValues(string(ProtocolTeltonika)).Inc()
				return err
			}
			if b == nil {
				break
			}
			if err := h.handleBatch(b); err != nil {
				return err
			}
		}
		n, err := h.read(buf, h.cfg.IdleTimeoutTeltonika)
		if err != nil {
			return err
		}
		dec.Feed(buf[:n])
	}
}

func (h *handler) greetTeltonika(ctx context.Context, imei string) error {
	_, err := h.lookupIMEI(ctx, imei)
	if errors.Is(err, store.ErrDeviceNotFound) {
		metrics.UnknownDevices.WithLabelValues(string(ProtocolTeltonika)).Inc()
		h.log.Warn("rejecting unregistered device", "imei", imei)
		if werr := h.writeAck(teltonika.GreetingAck(false)); werr != nil {
			return werr
		}
		return errUnknownDevice
	}
	if err != nil {
		return fmt.Errorf("greeting lookup: %w", err)
	}

	h.bind(imei, "")
	metrics.LoginsAccepted.WithLabelValues(string(ProtocolTeltonika)).Inc()
	h.log.Info("device identified", "imei", imei)
	return h.writeAck(teltonika.GreetingAck(true))
}

func (h *handler) handleBatch(b *teltonika.Batch) error {
	if !b.CRCOK {
		metrics.CRCErrs.Inc()
		h.log.Warn("rejecting AVL batch", "device", h.deviceKey, "codec", fmt.Sprintf("%#x", b.CodecID), "declared", b.Declared)
		return h.writeAck(teltonika.Ack(0))
	}
	metrics.FramesParsed.WithLabelValues(string(ProtocolTeltonika)).Inc()
	for _, rec := range b.Records {
		h.enqueue(rec)
	}
	return h.writeAck(teltonika.Ack(len(b.Records)))
}

// ---- shared plumbing ----

// bind fixes the connection's canonical device key and starts the insert
// writer. Safe to call again on re-login with the same key.
func (h *handler) bind(key, ackID string) {
	if h.deviceKey != "" && h.deviceKey != key {
		h.registry.remove(h.deviceKey, h.conn)
	}
	h.deviceKey = key
	h.ackID = ackID
	h.identified = true
	h.registry.add(key, h.conn)
	if h.queue == nil {
		h.queue = make(chan *telemetry.Record, h.cfg.InsertQueueSize)
		h.writerDone = make(chan struct{})
		go h.writeLoop()
	}
}

func (h *handler) stopWriter() {
	if h.queue != nil {
		close(h.queue)
		<-h.writerDone
	}
}

// enqueue hands a record to the writer, dropping when the queue is full:
// acking and dropping beats stalling the device into a retry storm.
func (h *handler) enqueue(rec *telemetry.Record) {
	select {
	case h.queue <- rec:
		metrics.InsertQueueDepth.Inc()
	default:
		metrics.RecordsDropped.WithLabelValues("backpressure").Inc()
	}
}

// writeLoop drains the insert queue in parse order. It deliberately does
// not observe the server context: writes already queued are allowed to
// land during shutdown, bounded by the store timeout per call.
func (h *handler) writeLoop() {
	defer close(h.writerDone)
	var last time.Time
	for rec := range h.queue {
		metrics.InsertQueueDepth.Dec()
		h.persist(rec)
		if rec.Timestamp.After(last) {
			last = rec.Timestamp
		}
		h.touch(rec.Timestamp)
	}
	if !last.IsZero() {
		// Final touch so a disconnect lands the newest timestamp even if
		// the coalesce window had swallowed it.
		h.touchGate.Delete(h.deviceKey)
		h.touch(last)
	}
}

func (h *handler) persist(rec *telemetry.Record) {
	cctx, cancel := h.storeCtx(context.Background())
	defer cancel()

	_, err := backoff.Retry(cctx, func() (int64, error) {
		return h.store.InsertTelemetry(cctx, rec)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(100*time.Millisecond)),
		backoff.WithMaxTries(2),
		backoff.WithNotify(func(err error, _ time.Duration) {
			metrics.StoreRetries.Inc()
			h.log.Debug("retrying telemetry insert", "device", h.deviceKey, "error", err)
		}),
	)
	if err != nil {
		metrics.RecordsDropped.WithLabelValues("store").Inc()
		h.log.Error("dropping record, insert failed", "device", h.deviceKey, "type", rec.MessageType, "error", err)
		return
	}
	metrics.RecordsInserted.WithLabelValues(rec.Protocol).Inc()
}

// touch updates last-seen at most once per coalesce interval per device.
func (h *handler) touch(ts time.Time) {
	if h.touchGate.Has(h.deviceKey) {
		return
	}
	h.touchGate.Set(h.deviceKey, ts, ttlcache.DefaultTTL)

	cctx, cancel := h.storeCtx(context.Background())
	defer cancel()
	if err := h.store.TouchLastSeen(cctx, h.deviceKey, ts.UTC()); err != nil {
		h.log.Debug("last-seen update failed", "device", h.deviceKey, "error", err)
		return
	}
	metrics.LastSeenTouches.Inc()
}

func (h *handler) lookupIMEI(ctx context.Context, imei string) (*store.Device, error) {
	cctx, cancel := h.storeCtx(ctx)
	defer cancel()
	return backoff.Retry(cctx, func() (*store.Device, error) {
		dev, err := h.store.LookupByIMEI(cctx, imei)
		if errors.Is(err, store.ErrDeviceNotFound) {
			return nil, backoff.Permanent(err)
		}
		return dev, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(100*time.Millisecond)),
		backoff.WithMaxTries(2),
	)
}

func (h *handler) storeCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, h.cfg.StoreTimeout)
}

func (h *handler) read(buf []byte, timeout time.Duration) (int, error) {
	if err := h.conn.SetReadDeadline(h.clock.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("set read deadline: %w", err)
	}
	n, err := h.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, fmt.Errorf("idle timeout after %s", timeout)
		}
		return 0, err
	}
	return n, nil
}

func (h *handler) writeAck(ack []byte) error {
	_ = h.conn.SetWriteDeadline(h.clock.Now().Add(h.cfg.WriteTimeout))
	if _, err := h.conn.Write(ack); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}
	metrics.AcksSent.WithLabelValues(string(h.protocol)).Inc()
	return nil
}

func truncated(b []byte) string {
	const max = 64
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
