package usagelog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/accgate/accgate/internal/models"
)

var droppedRecords = promauto.NewCounter(prometheus.CounterOpts{
	Name: "accgate_usage_log_dropped_total",
	Help: "Usage records dropped because the append queue was full.",
})

type Config struct {
	DB            *gorm.DB
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	Logger        *zap.Logger
}

// Logger is the fire-and-forget durable usage appender. Append never blocks
// the request path: a full queue drops the oldest pending record. A single
// writer goroutine batches inserts; records that fail to insert go to stderr
// as JSON so no accounting data silently vanishes.
type Logger struct {
	db            *gorm.DB
	queue         chan *models.UsageRecord
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
	done          chan struct{}
	stopped       chan struct{}
}

func New(cfg *Config) *Logger {
	queueSize := cfg.QueueSize
	if queueSize == 0 {
		queueSize = 1024
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval == 0 {
		flushInterval = 2 * time.Second
	}

	l := &Logger{
		db:            cfg.DB,
		queue:         make(chan *models.UsageRecord, queueSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        cfg.Logger.Named("usagelog"),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go l.run()
	return l
}

// Append enqueues a record without blocking. On overflow the oldest pending
// record is dropped in its favor.
func (l *Logger) Append(record *models.UsageRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	for {
		select {
		case l.queue <- record:
			return
		default:
		}

		select {
		case dropped := <-l.queue:
			droppedRecords.Inc()
			l.logger.Warn("usage record dropped on overflow",
				zap.String("request_id", dropped.RequestID))
		default:
		}
	}
}

func (l *Logger) run() {
	defer close(l.stopped)

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]*models.UsageRecord, 0, l.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.write(batch)
		batch = batch[:0]
	}

	for {
		select {
		case record := <-l.queue:
			batch = append(batch, record)
			if len(batch) >= l.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.done:
			for {
				select {
				case record := <-l.queue:
					batch = append(batch, record)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *Logger) write(batch []*models.UsageRecord) {
	if l.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := l.db.WithContext(ctx).Create(batch).Error
		cancel()
		if err == nil {
			return
		}
		l.logger.Error("usage batch insert failed", zap.Error(err), zap.Int("records", len(batch)))
	}

	// Last resort: the record still exists somewhere greppable.
	for _, record := range batch {
		if raw, err := json.Marshal(record); err == nil {
			fmt.Fprintf(os.Stderr, "usage_record_fallback %s\n", raw)
		}
	}
}

// Close flushes pending records and stops the writer.
func (l *Logger) Close() {
	close(l.done)
	<-l.stopped
}
