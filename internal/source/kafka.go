package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"spreadmatrix/config"
	"spreadmatrix/logger"
	"spreadmatrix/models"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// kafkaRow is the JSON payload of one price message.
type kafkaRow struct {
	Timestamp json.RawMessage `json:"timestamp"`
	Asset     string          `json:"asset"`
	Exchange  string          `json:"exchange"`
	Side      string          `json:"side"`
	Price     any             `json:"price"`
	FXRate    any             `json:"fx_rate"`
}

// KafkaSource consumes price messages into a retention buffer. Fetch only
// sees what Run has consumed so far.
type KafkaSource struct {
	reader messageReader
	buffer *Buffer
	topic  string
	log    *logger.Log
}

func NewKafkaSource(cfg config.KafkaConfig) *KafkaSource {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 1e6,
		MaxWait:  500 * time.Millisecond,
	})
	return newKafkaSource(r, cfg)
}

func newKafkaSource(r messageReader, cfg config.KafkaConfig) *KafkaSource {
	return &KafkaSource{
		reader: r,
		buffer: NewBuffer(cfg.Retention, cfg.MaxRows),
		topic:  cfg.Topic,
		log:    logger.GetLogger(),
	}
}

func (s *KafkaSource) Name() string { return "kafka" }

func (s *KafkaSource) Fetch(_ context.Context, w Window) ([]models.RawRow, error) {
	return s.buffer.Select(w), nil
}

func (s *KafkaSource) Close() error { return s.reader.Close() }

// Run reads messages until ctx is cancelled.
func (s *KafkaSource) Run(ctx context.Context) error {
	log := s.log.WithComponent("kafka_source").WithFields(logger.Fields{"topic": s.topic})
	log.Info("starting kafka consumer")

	var consumed int
	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				log.WithFields(logger.Fields{"consumed": consumed}).Info("kafka consumer stopped")
				return nil
			}
			return fmt.Errorf("read kafka message: %w", err)
		}
		row, err := decodeKafkaRow(m)
		if err != nil {
			log.WithError(err).Warn("bad message")
			continue
		}
		s.buffer.Add(row)
		consumed++
	}
}

func decodeKafkaRow(m kafka.Message) (models.RawRow, error) {
	dec := json.NewDecoder(bytes.NewReader(m.Value))
	dec.UseNumber()

	var kr kafkaRow
	if err := dec.Decode(&kr); err != nil {
		return models.RawRow{}, err
	}

	ts, err := jsonTimestamp(kr.Timestamp)
	if err != nil {
		return models.RawRow{}, err
	}
	if ts.IsZero() {
		ts = m.Time
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return models.RawRow{
		Timestamp: ts,
		Asset:     kr.Asset,
		Exchange:  kr.Exchange,
		Side:      kr.Side,
		RawPrice:  kr.Price,
		FXRate:    kr.FXRate,
	}, nil
}

// jsonTimestamp accepts a string timestamp or Unix milliseconds. A missing
// value yields the zero time.
func jsonTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ParseTimestamp(s)
	}
	var ms json.Number
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	n, err := ms.Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	return time.UnixMilli(n).UTC(), nil
}
