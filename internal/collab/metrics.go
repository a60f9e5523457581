package collab

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/manpreetbhatti/lattice/collab/internal/collab"

var bg = context.Background()

type metrics struct {
	frames      metric.Int64Counter
	frameErrors metric.Int64Counter
	sendErrors  metric.Int64Counter
	rejections  metric.Int64Counter
	loads       metric.Int64Counter
	loadErrors  metric.Int64Counter
	flushes     metric.Int64Counter
	flushErrors metric.Int64Counter
	reclaims    metric.Int64Counter
	rooms       metric.Int64UpDownCounter
	sessions    metric.Int64UpDownCounter
}

func newMetrics(meter metric.Meter) *metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	return &metrics{
		frames:      counter(meter, "collab.frames", "Inbound frames handled"),
		frameErrors: counter(meter, "collab.frame.errors", "Inbound frames dropped as malformed"),
		sendErrors:  counter(meter, "collab.send.errors", "Outbound frames that could not be queued"),
		rejections:  counter(meter, "collab.session.rejections", "Connections rejected because the user already has a session"),
		loads:       counter(meter, "collab.loads", "Document loads issued to the store"),
		loadErrors:  counter(meter, "collab.load.errors", "Document loads that failed"),
		flushes:     counter(meter, "collab.flushes", "Document snapshots written to the store"),
		flushErrors: counter(meter, "collab.flush.errors", "Document snapshot writes that failed"),
		reclaims:    counter(meter, "collab.reclaims", "Idle rooms removed from memory"),
		rooms:       upDown(meter, "collab.rooms", "Rooms held in memory"),
		sessions:    upDown(meter, "collab.sessions", "Registered sessions"),
	}
}

func counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func upDown(meter metric.Meter, name, description string) metric.Int64UpDownCounter {
	c, err := meter.Int64UpDownCounter(name, metric.WithDescription(description))
	if err != nil {
		return noop.Int64UpDownCounter{}
	}
	return c
}

func add(c metric.Int64Counter, attrs ...attribute.KeyValue) {
	c.Add(bg, 1, metric.WithAttributes(attrs...))
}
