package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/camuig/strategy-lab/internal/config"
	"github.com/camuig/strategy-lab/internal/logger"
)

// KafkaQueue publishes jobs to a topic and consumes them through a consumer
// group. Offsets are committed before a job is handed out, so a crash loses
// the in-flight job instead of running it twice.
type KafkaQueue struct {
	writer *kafka.Writer
	reader *kafka.Reader
	topic  string

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	logger *logger.Logger
}

func NewKafkaQueue(cfg config.KafkaConfig, log *logger.Logger) *KafkaQueue {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		BatchTimeout:           10 * time.Millisecond,
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: 30 * time.Second,
		StartOffset:    kafka.FirstOffset,
		MaxBytes:       10e6,
	})

	log.Info("kafka queue configured", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	return &KafkaQueue{
		writer: writer,
		reader: reader,
		topic:  cfg.Topic,
		logger: log,
	}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(job.StrategyID), 10)),
		Value: data,
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	q.logger.Debug("job published", "job_id", job.ID, "topic", q.topic)
	return nil
}

func (q *KafkaQueue) Next(ctx context.Context) (*Job, error) {
	for {
		msg, err := q.reader.FetchMessage(ctx)
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		if err != nil {
			return nil, fmt.Errorf("fetch job: %w", err)
		}

		if err := q.reader.CommitMessages(ctx, msg); err != nil {
			return nil, fmt.Errorf("commit job offset: %w", err)
		}

		var job Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			q.logger.Error("decode job message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			q.failed.Add(1)
			continue
		}
		q.active.Add(1)
		return &job, nil
	}
}

func (q *KafkaQueue) Finish(_ context.Context, jobID string, jobErr error) error {
	q.active.Add(-1)
	if jobErr != nil {
		q.failed.Add(1)
	} else {
		q.completed.Add(1)
	}
	return nil
}

// Recover has nothing to do: committed offsets never redeliver, and the
// strategies of lost jobs are recovered from their persisted status.
func (q *KafkaQueue) Recover(context.Context) ([]Job, error) {
	return nil, nil
}

// Stats reports consumer lag as pending. Completed and failed counts cover
// this process only.
func (q *KafkaQueue) Stats(context.Context) (Stats, error) {
	rs := q.reader.Stats()
	return Stats{
		Pending:   rs.Lag,
		Active:    q.active.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
	}, nil
}

func (q *KafkaQueue) Close() error {
	werr := q.writer.Close()
	rerr := q.reader.Close()
	return errors.Join(werr, rerr)
}
