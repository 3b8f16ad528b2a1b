// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package monitor periodically publishes a snapshot of the fleet (hosts
// and devices with their attributes) to an external sink.
package monitor

import (
	"context"
	"encoding/json"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"

	"github.com/hashicorp/devicelab/devicelab/structs"
)

const (
	// maxBatchBytes and maxBatchCount cap one publish. Messages larger
	// than the byte cap on their own are dropped.
	maxBatchBytes = 9 << 20
	maxBatchCount = 1000

	defaultPullInterval   = time.Minute
	defaultPublishTimeout = 10 * time.Second
)

// Message is one monitor record. Field order is fixed so the rendered
// JSON is canonical; map keys are sorted by the encoder.
type Message struct {
	Kind       string            `json:"kind"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Puller produces the snapshot published on each tick.
type Puller interface {
	Pull() []*Message
}

// Sink receives rendered batches. Publish returns the sink-assigned ids
// of the accepted messages.
type Sink interface {
	Publish(ctx context.Context, payloads [][]byte) ([]string, error)
}

// Config bundles the pipeline's collaborators and knobs.
type Config struct {
	Logger hclog.Logger
	Puller Puller
	Sink   Sink

	// PullInterval is the tick period; PublishTimeout is the per-batch
	// deadline. Zero selects the defaults.
	PullInterval   time.Duration
	PublishTimeout time.Duration

	// PublishLimit paces publishes across batches; zero means unpaced.
	PublishLimit rate.Limit

	// OnSuccess and OnFailure observe each batch's outcome; optional.
	OnSuccess func(ids []string)
	OnFailure func(err error)
}

// Pipeline pulls, batches and publishes until its context is cancelled.
type Pipeline struct {
	logger  hclog.Logger
	puller  Puller
	sink    Sink
	limiter *rate.Limiter

	pullInterval   time.Duration
	publishTimeout time.Duration

	onSuccess func(ids []string)
	onFailure func(err error)
}

func NewPipeline(config *Config) *Pipeline {
	p := &Pipeline{
		logger:         config.Logger.Named("monitor"),
		puller:         config.Puller,
		sink:           config.Sink,
		pullInterval:   config.PullInterval,
		publishTimeout: config.PublishTimeout,
		onSuccess:      config.OnSuccess,
		onFailure:      config.OnFailure,
	}
	if p.pullInterval == 0 {
		p.pullInterval = defaultPullInterval
	}
	if p.publishTimeout == 0 {
		p.publishTimeout = defaultPublishTimeout
	}
	if config.PublishLimit > 0 {
		p.limiter = rate.NewLimiter(config.PublishLimit, 1)
	}
	return p
}

// Run publishes one snapshot per tick until ctx is cancelled. Publish
// failures are reported through the failure callback and never stop the
// loop.
func (p *Pipeline) Run(ctx context.Context) {
	p.logger.Info("monitor pipeline started", "interval", p.pullInterval)
	defer p.logger.Info("monitor pipeline stopped")

	ticker := time.NewTicker(p.pullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PublishOnce(ctx)
		}
	}
}

// PublishOnce pulls one snapshot and publishes it in capped batches.
func (p *Pipeline) PublishOnce(ctx context.Context) {
	defer metrics.MeasureSince([]string{"devicelab", "monitor", "publish"}, time.Now())

	messages := p.puller.Pull()
	if len(messages) == 0 {
		return
	}

	for _, batch := range p.batch(messages) {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
		}
		p.publishBatch(ctx, batch)
	}
}

// batch renders the messages and splits them on the byte and count caps.
func (p *Pipeline) batch(messages []*Message) [][][]byte {
	var batches [][][]byte
	var current [][]byte
	currentBytes := 0

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
			currentBytes = 0
		}
	}

	for _, message := range messages {
		payload, err := json.Marshal(message)
		if err != nil {
			p.logger.Warn("failed to serialize monitor message", "name", message.Name, "error", err)
			continue
		}
		if len(payload) > maxBatchBytes {
			p.logger.Warn("dropping oversized monitor message",
				"name", message.Name, "bytes", len(payload))
			metrics.IncrCounter([]string{"devicelab", "monitor", "dropped"}, 1)
			continue
		}

		if len(current) >= maxBatchCount || currentBytes+len(payload) > maxBatchBytes {
			flush()
		}
		current = append(current, payload)
		currentBytes += len(payload)
	}
	flush()
	return batches
}

func (p *Pipeline) publishBatch(ctx context.Context, batch [][]byte) {
	publishCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	ids, err := p.sink.Publish(publishCtx, batch)
	if err != nil {
		err = structs.NewErr(structs.ErrKindPublish, "publishing monitor batch: %v", err)
		p.logger.Warn("monitor publish failed", "messages", len(batch), "error", err)
		metrics.IncrCounter([]string{"devicelab", "monitor", "publish_error"}, 1)
		if p.onFailure != nil {
			p.onFailure(err)
		}
		return
	}

	metrics.IncrCounter([]string{"devicelab", "monitor", "published"}, float32(len(batch)))
	if p.onSuccess != nil {
		p.onSuccess(ids)
	}
}

// FleetPuller adapts a fleet snapshot source to the pipeline.
type FleetPuller struct {
	snapshot func() ([]*structs.Lab, []*structs.Device)
}

// NewFleetPuller wraps the scheduler's Snapshot method.
func NewFleetPuller(snapshot func() ([]*structs.Lab, []*structs.Device)) *FleetPuller {
	return &FleetPuller{snapshot: snapshot}
}

func (f *FleetPuller) Pull() []*Message {
	labs, devices := f.snapshot()
	now := time.Now().UTC()

	messages := make([]*Message, 0, len(labs)+len(devices))
	for _, lab := range labs {
		attrs := map[string]string{"host_name": lab.HostName}
		for k, v := range lab.Labels {
			attrs[k] = v
		}
		messages = append(messages, &Message{
			Kind:       "host",
			Name:       lab.IP,
			Attributes: attrs,
			Timestamp:  now,
		})
	}
	for _, device := range devices {
		attrs := map[string]string{
			"lab_ip": device.LabIP,
			"status": device.Status.String(),
		}
		for k, v := range device.Dimensions {
			attrs[k] = v
		}
		messages = append(messages, &Message{
			Kind:       "device",
			Name:       device.UniversalID,
			Attributes: attrs,
			Timestamp:  now,
		})
	}
	return messages
}
