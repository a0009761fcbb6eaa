package recorder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"dhanflow/config"
	"dhanflow/internal/channel"
	"dhanflow/internal/metrics"
	"dhanflow/logger"
)

const reportInterval = 60 * time.Second

// Recorder drains the event stage and persists market data as partitioned
// parquet batches, to S3 when configured and to the local data directory
// otherwise. Buffers are keyed per instrument and flushed when they reach
// the batch size or on the flush interval, whichever comes first.
type Recorder struct {
	cfg    config.RecorderConfig
	store  config.S3Config
	events *channel.Channels

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	buffer  map[string][]Row

	// sink receives one encoded batch; split out so tests can capture
	// uploads without S3 or a filesystem
	sink func(ctx context.Context, key string, data []byte) error
	now  func() time.Time

	batchesWritten atomic.Int64
	filesWritten   atomic.Int64
	bytesWritten   atomic.Int64
	errorsCount    atomic.Int64

	s3Client *s3.Client
	log      *logger.Log
}

// New builds the recorder and, when S3 storage is enabled, its client. The
// AWS setup failing is an error; recording to local disk needs nothing.
func New(cfg config.RecorderConfig, store config.S3Config, events *channel.Channels) (*Recorder, error) {
	r := &Recorder{
		cfg:    cfg,
		store:  store,
		events: events,
		buffer: make(map[string][]Row),
		now:    time.Now,
		log:    logger.GetLogger(),
	}

	if store.Enabled {
		client, err := newS3Client(store)
		if err != nil {
			return nil, err
		}
		r.s3Client = client
		r.sink = r.uploadToS3
		r.log.WithComponent("recorder").WithFields(logger.Fields{
			"bucket":     store.Bucket,
			"region":     store.Region,
			"endpoint":   store.Endpoint,
			"path_style": store.PathStyle,
		}).Info("s3 storage configured")
	} else {
		r.sink = r.writeLocal
	}
	return r, nil
}

func newS3Client(store config.S3Config) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(store.Region),
	}
	if store.AccessKeyID != "" && store.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(store.AccessKeyID, store.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws configuration: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if store.Endpoint != "" {
			o.BaseEndpoint = aws.String(store.Endpoint)
		}
		o.UsePathStyle = store.PathStyle
	}), nil
}

// Start launches the drain workers and the flush loop.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("recorder already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	log := r.log.WithComponent("recorder")

	workers := r.cfg.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	log.WithFields(logger.Fields{"workers": workers, "batch_size": r.batchSize()}).Info("starting recorder")

	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.wg.Add(1)
	go r.flushLoop()
	r.wg.Add(1)
	go r.reportLoop()
	return nil
}

// Stop drains what is buffered and shuts the workers down. Idempotent.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	log := r.log.WithComponent("recorder")
	log.Info("stopping recorder")
	cancel()
	r.wg.Wait()
	log.Info("recorder stopped")
}

// Stats snapshots the cumulative writer counters.
func (r *Recorder) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		BatchesWritten: r.batchesWritten.Load(),
		FilesWritten:   r.filesWritten.Load(),
		BytesWritten:   r.bytesWritten.Load(),
		ErrorsCount:    r.errorsCount.Load(),
		QueueLen:       len(r.events.Events),
		QueueCap:       cap(r.events.Events),
	}
}

func (r *Recorder) worker(id int) {
	defer r.wg.Done()
	log := r.log.WithComponent("recorder").WithFields(logger.Fields{"worker_id": id})
	log.Info("recorder worker started")

	for {
		select {
		case <-r.ctx.Done():
			log.Info("recorder worker stopped")
			return
		case ev, ok := <-r.events.Events:
			if !ok {
				log.Info("event stage closed, worker stopping")
				return
			}
			row, ok := rowFrom(r.events.Name, ev, r.now())
			if !ok {
				continue
			}
			r.addRow(row)
		}
	}
}

func (r *Recorder) addRow(row Row) {
	key := fmt.Sprintf("%s|%d", row.Segment, row.SecurityID)

	r.mu.Lock()
	r.buffer[key] = append(r.buffer[key], row)
	var full []Row
	if len(r.buffer[key]) >= r.batchSize() {
		full = r.buffer[key]
		delete(r.buffer, key)
	}
	r.mu.Unlock()

	if full != nil {
		r.processBatch(full, "batch_size")
	}
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.flushInterval())
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.flushAll("shutdown")
			return
		case <-ticker.C:
			r.flushAll("interval")
		}
	}
}

func (r *Recorder) flushAll(reason string) {
	r.mu.Lock()
	buffers := r.buffer
	r.buffer = make(map[string][]Row)
	r.mu.Unlock()

	if len(buffers) == 0 {
		return
	}
	r.log.WithComponent("recorder").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	for _, rows := range buffers {
		if len(rows) > 0 {
			r.processBatch(rows, reason)
		}
	}
}

func (r *Recorder) processBatch(rows []Row, reason string) {
	first := rows[0]
	ts := r.now()
	batchID := uuid.New().String()
	key := r.batchKey(first.Segment, first.SecurityID, ts, batchID)

	log := r.log.WithComponent("recorder").WithFields(logger.Fields{
		"batch_id":     batchID,
		"segment":      first.Segment,
		"security_id":  first.SecurityID,
		"record_count": len(rows),
		"key":          key,
		"reason":       reason,
	})

	data, err := encodeBatch(rows, r.cfg.Compression)
	if err != nil {
		r.errorsCount.Add(1)
		log.WithError(err).Error("failed to encode batch")
		return
	}

	// shutdown flushes still have to land after ctx is cancelled
	if err := r.sink(context.WithoutCancel(r.ctx), key, data); err != nil {
		r.errorsCount.Add(1)
		log.WithError(err).Error("failed to store batch")
		return
	}

	r.batchesWritten.Add(1)
	r.filesWritten.Add(1)
	r.bytesWritten.Add(int64(len(data)))
	metrics.IncrementBatchWritten(first.Segment)
	logger.IncrementBatchWrite(int64(len(data)))
	logger.LogDataFlowEntry(log, "event_stage", "parquet_store", len(rows), "rows")
	log.WithFields(logger.Fields{"file_size": len(data)}).Info("batch stored")
}

// batchKey lays out the hive-style partition path for one batch.
func (r *Recorder) batchKey(segment string, securityID int32, ts time.Time, batchID string) string {
	utc := ts.UTC()
	filename := fmt.Sprintf("%s_%d_%s_%s.parquet", segment, securityID, utc.Format("20060102150405"), batchID[:8])
	key := filepath.Join(
		"feeds",
		fmt.Sprintf("segment=%s", segment),
		fmt.Sprintf("security=%d", securityID),
		fmt.Sprintf("date=%s", utc.Format("2006-01-02")),
		fmt.Sprintf("hour=%02d", utc.Hour()),
		filename,
	)
	if r.store.Prefix != "" {
		key = filepath.Join(r.store.Prefix, key)
	}
	return filepath.ToSlash(key)
}

func (r *Recorder) uploadToS3(ctx context.Context, key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(r.store.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type": "parquet",
			"compression":  r.cfg.Compression,
		},
	}
	if _, err := r.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload to s3 bucket %s: %w", r.store.Bucket, err)
	}
	return nil
}

func (r *Recorder) writeLocal(ctx context.Context, key string, data []byte) error {
	dir := r.cfg.DataDir
	if dir == "" {
		dir = "data"
	}
	path := filepath.Join(dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create batch directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write batch file: %w", err)
	}
	return nil
}

func (r *Recorder) reportLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			metrics.ReportWriter(r.log, "recorder", r.Stats())
		}
	}
}

func (r *Recorder) batchSize() int {
	if r.cfg.BatchSize < 1 {
		return 5000
	}
	return r.cfg.BatchSize
}

func (r *Recorder) flushInterval() time.Duration {
	if r.cfg.FlushIntervalSeconds < 1 {
		return 60 * time.Second
	}
	return time.Duration(r.cfg.FlushIntervalSeconds) * time.Second
}
