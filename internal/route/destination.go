package route

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dskow/cacheproxy/internal/backend"
	"github.com/dskow/cacheproxy/internal/codec"
	"github.com/dskow/cacheproxy/internal/mc"
	"github.com/dskow/cacheproxy/internal/metrics"
	"github.com/dskow/cacheproxy/internal/tko"
)

// Destination performs the terminal backend call. It consults the health
// registry before touching the backend and records every outcome.
type Destination struct {
	name     string
	client   backend.Client
	tracker  *tko.Composite
	registry *tko.Registry
	codecs   *codec.Map
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewDestination builds a destination for backend name. codecs may be nil.
func NewDestination(name string, client backend.Client, registry *tko.Registry, tracker *tko.Composite, codecs *codec.Map, timeout time.Duration, logger *slog.Logger) *Destination {
	return &Destination{
		name:     name,
		client:   client,
		tracker:  tracker,
		registry: registry,
		codecs:   codecs,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

func (d *Destination) Name() string       { return "destination|" + d.name }
func (d *Destination) Children() []Handle { return nil }

// Backend returns the backend name.
func (d *Destination) Backend() string { return d.name }

func (d *Destination) Route(ctx context.Context, req *mc.Request) mc.Reply {
	if d.registry != nil && d.registry.IsMarkedDown(d.name) {
		return d.finish(mc.ErrorReply(mc.ResultTko, "%s is marked down", d.name), 0)
	}
	switch d.tracker.Admit() {
	case tko.RejectedTko:
		return d.finish(mc.ErrorReply(mc.ResultTko, "%s is TKO", d.name), 0)
	case tko.RejectedBusy:
		return d.finish(mc.ErrorReply(mc.ResultBusy, "%s has too many requests in flight", d.name), 0)
	}
	defer d.tracker.Release()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	reply := d.dispatch(ctx, req)
	latency := time.Since(start)

	switch {
	case reply.Result == mc.ResultCancelled:
		// The caller went away; says nothing about the destination.
	case reply.Result.IsAvailabilityError():
		d.tracker.RecordFailure(latency)
	default:
		d.tracker.RecordSuccess(latency)
	}
	metrics.DestinationDuration.WithLabelValues(d.name).Observe(latency.Seconds())
	return d.finish(reply, latency)
}

func (d *Destination) finish(reply mc.Reply, latency time.Duration) mc.Reply {
	reply.Destination = d.name
	metrics.DestinationRequests.WithLabelValues(d.name, reply.Result.String()).Inc()
	if reply.Result.IsAvailabilityError() {
		d.logger.Debug("destination error",
			"destination", d.name,
			"result", reply.Result.String(),
			"latency", latency,
			"message", reply.Message,
		)
	}
	return reply
}

func (d *Destination) dispatch(ctx context.Context, req *mc.Request) mc.Reply {
	switch req.Op {
	case mc.OpGet:
		return d.get(ctx, req)
	case mc.OpSet:
		return d.set(ctx, req)
	case mc.OpDelete:
		return d.del(ctx, req)
	default:
		return mc.ErrorReply(mc.ResultClientError, "unsupported operation %s", req.Op)
	}
}

func (d *Destination) get(ctx context.Context, req *mc.Request) mc.Reply {
	payload, err := d.client.Get(ctx, req.Key)
	if err != nil {
		return errorReply(err)
	}
	value, h, err := codec.DecodeFrame(d.codecs, payload)
	switch {
	case errors.Is(err, codec.ErrNotFramed):
		// Written by something other than the proxy; hand it back as is.
		return mc.Reply{Result: mc.ResultFound, Value: payload}
	case err != nil:
		metrics.CompressionErrors.WithLabelValues(h.Codec.String(), "uncompress").Inc()
		d.logger.Warn("stored value failed to decode",
			"destination", d.name,
			"key", req.Key,
			"codec", h.Codec.String(),
			"codec_id", h.ID,
			"error", err,
		)
		return mc.ErrorReply(mc.ResultLocalError, "decode: %v", err)
	}
	if h.Codec != codec.TypeNone {
		metrics.CompressionBytes.WithLabelValues(h.Codec.String(), "in").Add(float64(len(payload)))
	}
	return mc.Reply{Result: mc.ResultFound, Value: value, Flags: h.Flags}
}

func (d *Destination) set(ctx context.Context, req *mc.Request) mc.Reply {
	ttl := req.TTL(d.now())
	if ttl < 0 {
		// An exptime in the past stores an item that is gone immediately.
		if err := d.client.Delete(ctx, req.Key); err != nil && !errors.Is(err, backend.ErrNotFound) {
			return errorReply(err)
		}
		return mc.Reply{Result: mc.ResultStored}
	}

	payload, h, err := codec.EncodeFrame(d.codecs, req.Value, req.Flags)
	if err != nil {
		metrics.CompressionErrors.WithLabelValues(h.Codec.String(), "compress").Inc()
		return mc.ErrorReply(mc.ResultLocalError, "encode: %v", err)
	}
	if h.Codec != codec.TypeNone {
		metrics.CompressionBytes.WithLabelValues(h.Codec.String(), "out").Add(float64(len(payload)))
	}
	if err := d.client.Set(ctx, req.Key, payload, ttl); err != nil {
		return errorReply(err)
	}
	return mc.Reply{Result: mc.ResultStored}
}

func (d *Destination) del(ctx context.Context, req *mc.Request) mc.Reply {
	if err := d.client.Delete(ctx, req.Key); err != nil {
		return errorReply(err)
	}
	return mc.Reply{Result: mc.ResultDeleted}
}

func errorReply(err error) mc.Reply {
	return mc.Reply{Result: backend.Classify(err), Message: err.Error()}
}
