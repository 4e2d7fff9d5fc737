package audit

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"otp-auth-service/internal/bucketing"
	"otp-auth-service/internal/models"
)

type captureSink struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Write(_ context.Context, events []models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *captureSink) all() []models.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SecurityEvent(nil), s.events...)
}

type gateSink struct {
	gate chan struct{}
}

func (s *gateSink) Name() string { return "gate" }

func (s *gateSink) Write(context.Context, []models.SecurityEvent) error {
	<-s.gate
	return nil
}

func TestDispatcherStampsAndDrainsOnClose(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(Options{BufferSize: 16, Workers: 2, BatchSize: 4, FlushInterval: time.Hour},
		bucketing.New(8), zap.NewNop(), sink)

	for i := 0; i < 10; i++ {
		d.Record(context.Background(), models.SecurityEvent{
			EventType: models.EventCodeIssued,
			Phone:     "+380*****4567",
		})
	}
	d.Close()

	events := sink.all()
	require.Len(t, events, 10)
	seen := map[string]bool{}
	for _, e := range events {
		assert.NotEmpty(t, e.ID)
		assert.False(t, seen[e.ID])
		seen[e.ID] = true
		assert.False(t, e.OccurredAt.IsZero())
		assert.Equal(t, bucketing.DateBucket(e.OccurredAt), e.EventDate)
		assert.Less(t, e.EventBucket, 8)
	}

	// closed dispatcher ignores further events
	d.Record(context.Background(), models.SecurityEvent{EventType: models.EventCodeIssued})
	assert.Len(t, sink.all(), 10)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	gate := &gateSink{gate: make(chan struct{})}
	d := NewDispatcher(Options{BufferSize: 1, Workers: 1, BatchSize: 1, FlushInterval: time.Hour},
		nil, zap.NewNop(), gate)

	for i := 0; i < 5; i++ {
		d.Record(context.Background(), models.SecurityEvent{EventType: models.EventVerifyFailed})
	}
	assert.GreaterOrEqual(t, d.Dropped(), uint64(3))

	close(gate.gate)
	d.Close()
}

type fakeProducer struct {
	msgs []kafka.Message
}

func (f *fakeProducer) ProduceMessages(_ context.Context, msgs []kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaSinkKeysByAccount(t *testing.T) {
	p := &fakeProducer{}
	sink := NewKafkaSink(p, "auth.security-events")

	err := sink.Write(context.Background(), []models.SecurityEvent{
		{ID: "a", EventType: models.EventLoginSuccess, AccountID: 1001},
		{ID: "b", EventType: models.EventCodeIssued, Phone: "+380*****4567"},
	})
	require.NoError(t, err)
	require.Len(t, p.msgs, 2)

	assert.Equal(t, "auth.security-events", p.msgs[0].Topic)
	assert.Equal(t, "1001", string(p.msgs[0].Key))
	assert.Equal(t, "+380*****4567", string(p.msgs[1].Key))
	assert.Equal(t, "login_success", string(p.msgs[0].Headers[0].Value))

	var decoded models.SecurityEvent
	require.NoError(t, json.Unmarshal(p.msgs[0].Value, &decoded))
	assert.Equal(t, int64(1001), decoded.AccountID)
}

type fakeClickHouse struct {
	execs []string
	rows  [][]interface{}
}

func (f *fakeClickHouse) Exec(_ context.Context, query string, _ ...interface{}) error {
	f.execs = append(f.execs, query)
	return nil
}

func (f *fakeClickHouse) BatchInsert(_ context.Context, _ string, data [][]interface{}) error {
	f.rows = append(f.rows, data...)
	return nil
}

func TestClickHouseSinkRows(t *testing.T) {
	ch := &fakeClickHouse{}
	sink := NewClickHouseSink(ch)
	require.NoError(t, sink.EnsureSchema(context.Background()))
	assert.Contains(t, ch.execs[0], "CREATE TABLE IF NOT EXISTS security_events")

	now := time.Now().UTC()
	require.NoError(t, sink.Write(context.Background(), []models.SecurityEvent{
		{ID: "x", EventType: models.EventSessionRevoked, AccountID: 7, EventBucket: 3, OccurredAt: now},
	}))
	require.Len(t, ch.rows, 1)
	row := ch.rows[0]
	assert.Len(t, row, 11)
	assert.Equal(t, "session_revoked", row[1])
	assert.Equal(t, uint16(3), row[7])
	assert.Equal(t, map[string]string{}, row[10])
}

type fakeBulk struct {
	calls map[string]int
}

func (f *fakeBulk) Bulk(_ context.Context, index string, docs map[string]interface{}) error {
	f.calls[index] += len(docs)
	return nil
}

func TestElasticsearchSinkSplitsByDay(t *testing.T) {
	es := &fakeBulk{calls: map[string]int{}}
	sink := NewElasticsearchSink(es, "auth-security-events")

	require.NoError(t, sink.Write(context.Background(), []models.SecurityEvent{
		{ID: "1", EventDate: "2026-10-17"},
		{ID: "2", EventDate: "2026-10-18"},
		{ID: "3", EventDate: "2026-10-18"},
	}))
	assert.Equal(t, map[string]int{
		"auth-security-events-2026-10-17": 1,
		"auth-security-events-2026-10-18": 2,
	}, es.calls)
}
