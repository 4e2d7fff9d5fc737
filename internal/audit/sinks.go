package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"otp-auth-service/internal/models"
)

type kafkaWriter interface {
	ProduceMessages(ctx context.Context, msgs []kafka.Message) error
}

// KafkaSink publishes events as JSON keyed by account id, so one account's
// events stay ordered within a partition.
type KafkaSink struct {
	producer kafkaWriter
	topic    string
}

func NewKafkaSink(producer kafkaWriter, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, events []models.SecurityEvent) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode audit event: %w", err)
		}
		key := e.Phone
		if e.AccountID != 0 {
			key = strconv.FormatInt(e.AccountID, 10)
		}
		msgs = append(msgs, kafka.Message{
			Topic: s.topic,
			Key:   []byte(key),
			Value: value,
			Time:  e.OccurredAt,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(e.EventType)},
			},
		})
	}
	return s.producer.ProduceMessages(ctx, msgs)
}

type clickhouseWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

const (
	createSecurityEventsDDL = `CREATE TABLE IF NOT EXISTS security_events (
		id String,
		event_type LowCardinality(String),
		account_id Int64,
		session_id String,
		phone String,
		ip_address String,
		user_agent String,
		event_bucket UInt16,
		event_date Date,
		occurred_at DateTime64(3, 'UTC'),
		details Map(String, String)
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(event_date)
	ORDER BY (event_type, event_date, event_bucket, occurred_at)`

	insertSecurityEventsSQL = `INSERT INTO security_events (
		id, event_type, account_id, session_id, phone, ip_address, user_agent,
		event_bucket, event_date, occurred_at, details
	)`
)

// ClickHouseSink appends events to the security_events MergeTree table
type ClickHouseSink struct {
	conn clickhouseWriter
}

func NewClickHouseSink(conn clickhouseWriter) *ClickHouseSink {
	return &ClickHouseSink{conn: conn}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, createSecurityEventsDDL); err != nil {
		return fmt.Errorf("failed to create security_events table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, events []models.SecurityEvent) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		details := e.Details
		if details == nil {
			details = map[string]string{}
		}
		rows = append(rows, []interface{}{
			e.ID, string(e.EventType), e.AccountID, e.SessionID, e.Phone, e.IPAddress, e.UserAgent,
			uint16(e.EventBucket), e.OccurredAt, e.OccurredAt, details,
		})
	}
	return s.conn.BatchInsert(ctx, insertSecurityEventsSQL, rows)
}

type esBulkWriter interface {
	Bulk(ctx context.Context, index string, docs map[string]interface{}) error
}

// ElasticsearchSink indexes events by id into a daily index
type ElasticsearchSink struct {
	es     esBulkWriter
	prefix string
}

func NewElasticsearchSink(es esBulkWriter, indexPrefix string) *ElasticsearchSink {
	return &ElasticsearchSink{es: es, prefix: indexPrefix}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, events []models.SecurityEvent) error {
	byIndex := map[string]map[string]interface{}{}
	for _, e := range events {
		index := s.prefix + "-" + e.EventDate
		if byIndex[index] == nil {
			byIndex[index] = map[string]interface{}{}
		}
		byIndex[index][e.ID] = e
	}
	for index, docs := range byIndex {
		if err := s.es.Bulk(ctx, index, docs); err != nil {
			return err
		}
	}
	return nil
}

// LogSink writes events to the structured log; used when no external sink is enabled
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, events []models.SecurityEvent) error {
	for _, e := range events {
		s.logger.Info("security event",
			zap.String("event_type", string(e.EventType)),
			zap.Int64("account_id", e.AccountID),
			zap.String("session_id", e.SessionID),
			zap.String("phone", e.Phone),
			zap.String("ip_address", e.IPAddress),
			zap.Any("details", e.Details))
	}
	return nil
}
