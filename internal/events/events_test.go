package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/novasolve/nova-cmo-sub003/internal/model"
)

type failing struct{ err error }

func (f failing) Emit(context.Context, Event) error { return f.err }

type panicking struct{}

func (panicking) Emit(context.Context, Event) error { panic("boom") }

func bufferLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})
	return l, &buf
}

func TestRedisSinkAppendsToStream(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	sink := NewRedisSink(rdb, "test:events", 100)
	if err := sink.Emit(ctx, Event{Type: JobSucceeded, JobID: "j1", Status: model.StatusSucceeded}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := sink.Emit(ctx, Event{Type: JobProgress, JobID: "j1", Stage: "scraping", Step: model.Step(2)}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	msgs, err := rdb.XRange(ctx, "test:events", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("stream has %d entries, want 2", len(msgs))
	}
	if msgs[0].Values["type"] != string(JobSucceeded) || msgs[0].Values["job_id"] != "j1" {
		t.Errorf("first entry = %v", msgs[0].Values)
	}
	var ev Event
	if err := json.Unmarshal([]byte(msgs[1].Values["data"].(string)), &ev); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if ev.Stage != "scraping" || ev.Step == nil || *ev.Step != 2 {
		t.Errorf("decoded event = %+v", ev)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	errA, errB := errors.New("a"), errors.New("b")
	err := Multi{Nop{}, failing{errA}, failing{errB}}.Emit(context.Background(), Event{Type: JobStarted})
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("Multi error = %v", err)
	}
}

func TestEmitSwallowsFailures(t *testing.T) {
	log, buf := bufferLogger()
	Emit(context.Background(), failing{errors.New("redis down")}, log, Event{Type: JobFailed, JobID: "j"})
	Emit(context.Background(), panicking{}, log, Event{Type: JobFailed, JobID: "j"})
	Emit(context.Background(), nil, log, Event{Type: JobFailed, JobID: "j"})

	out := buf.String()
	if !strings.Contains(out, "redis down") {
		t.Errorf("sink error not logged: %s", out)
	}
	if !strings.Contains(out, "panicked") {
		t.Errorf("sink panic not logged: %s", out)
	}
}

func TestLogSink(t *testing.T) {
	log, buf := bufferLogger()
	if err := NewLogSink(log).Emit(context.Background(), Event{Type: JobFailed, JobID: "j9", Error: "bad"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	for _, want := range []string{`"job_id":"j9"`, `"event":"job.failed"`, `"error":"bad"`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log output %s missing %s", buf.String(), want)
		}
	}
}

func TestTerminal(t *testing.T) {
	cases := map[model.Status]Type{
		model.StatusSucceeded: JobSucceeded,
		model.StatusFailed:    JobFailed,
		model.StatusCancelled: JobCancelled,
	}
	for st, want := range cases {
		if got := Terminal(st); got != want {
			t.Errorf("Terminal(%s) = %s, want %s", st, got, want)
		}
	}
}
