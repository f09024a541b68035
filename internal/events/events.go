// Package events publishes job lifecycle notifications. Sinks are a side channel:
// a failing sink is logged and never changes what happened to a job.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/novasolve/nova-cmo-sub003/internal/model"
)

type Type string

const (
	JobSubmitted Type = "job.submitted"
	JobStarted   Type = "job.started"
	JobProgress  Type = "job.progress"
	JobSucceeded Type = "job.succeeded"
	JobFailed    Type = "job.failed"
	JobCancelled Type = "job.cancelled"
	JobRecovered Type = "job.recovered"
)

// Terminal returns the event type announcing a job reached st.
func Terminal(st model.Status) Type {
	switch st {
	case model.StatusSucceeded:
		return JobSucceeded
	case model.StatusFailed:
		return JobFailed
	case model.StatusCancelled:
		return JobCancelled
	}
	return Type("job." + string(st))
}

type Event struct {
	Type     Type         `json:"type"`
	JobID    string       `json:"job_id"`
	Status   model.Status `json:"status,omitempty"`
	Stage    string       `json:"stage,omitempty"`
	Step     *int         `json:"step,omitempty"`
	Error    string       `json:"error,omitempty"`
	Instance string       `json:"instance,omitempty"`
	At       time.Time    `json:"at"`
}

type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev Event) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Emit(ctx, ev))
	}
	return err
}

// LogSink writes events to a logrus logger.
type LogSink struct {
	log logrus.FieldLogger
}

func NewLogSink(log logrus.FieldLogger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Emit(_ context.Context, ev Event) error {
	fields := logrus.Fields{"event": ev.Type, "job_id": ev.JobID}
	if ev.Status != "" {
		fields["status"] = ev.Status
	}
	if ev.Stage != "" {
		fields["stage"] = ev.Stage
	}
	if ev.Step != nil {
		fields["step"] = *ev.Step
	}
	entry := s.log.WithFields(fields)
	if ev.Error != "" {
		entry.WithField("error", ev.Error).Info("job event")
		return nil
	}
	entry.Info("job event")
	return nil
}

// RedisSink appends events to a capped Redis stream.
type RedisSink struct {
	rdb    redis.Cmdable
	stream string
	maxLen int64
}

const DefaultStream = "cmo:events"

func NewRedisSink(rdb redis.Cmdable, stream string, maxLen int64) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (s *RedisSink) Emit(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"type":   string(ev.Type),
			"job_id": ev.JobID,
			"data":   string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.rdb.XAdd(ctx, args).Err()
}

// Emit delivers ev to sink and reports failures to log instead of the caller.
func Emit(ctx context.Context, sink Sink, log logrus.FieldLogger, ev Event) {
	if sink == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{"event": ev.Type, "job_id": ev.JobID}).
				Errorf("event sink panicked: %v", r)
		}
	}()
	if err := sink.Emit(ctx, ev); err != nil {
		log.WithFields(logrus.Fields{"event": ev.Type, "job_id": ev.JobID}).
			WithError(fmt.Errorf("emit: %w", err)).Warn("event sink failed")
	}
}
