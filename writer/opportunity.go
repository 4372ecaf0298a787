// Package writer archives detected opportunities to S3 as parquet, batched
// and partitioned by date and hour for downstream analytics.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "arbiflow/config"
	"arbiflow/logger"
	"arbiflow/models"
)

// OpportunityRecord is the parquet row schema for archived opportunities.
type OpportunityRecord struct {
	ID            string  `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	BuyVenue      string  `parquet:"name=buy_venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	SellVenue     string  `parquet:"name=sell_venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	Pair          string  `parquet:"name=pair, type=BYTE_ARRAY, convertedtype=UTF8"`
	BuyPrice      float64 `parquet:"name=buy_price, type=DOUBLE"`
	SellPrice     float64 `parquet:"name=sell_price, type=DOUBLE"`
	TradeVolume   float64 `parquet:"name=trade_volume, type=DOUBLE"`
	GrossSpread   float64 `parquet:"name=gross_spread, type=DOUBLE"`
	SpreadPct     float64 `parquet:"name=spread_pct, type=DOUBLE"`
	EstimatedFees float64 `parquet:"name=estimated_fees, type=DOUBLE"`
	NetProfit     float64 `parquet:"name=net_profit, type=DOUBLE"`
	Degraded      bool    `parquet:"name=degraded, type=BOOLEAN"`
	DetectedAt    int64   `parquet:"name=detected_at, type=INT64"`
}

// memoryFile implements the parquet source interface over a byte buffer so
// files are assembled in memory before the S3 put.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memoryFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memoryFile) Read(b []byte) (int, error)                { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                              { return nil }
func (m *memoryFile) Bytes() []byte                             { return m.buffer.Bytes() }

// s3Putter is the slice of the S3 client the writer uses.
type s3Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// OpportunityWriter drains an opportunity stream into batched parquet files
// on S3. Flushes happen on the configured interval, on batch size, and on
// shutdown.
type OpportunityWriter struct {
	cfg      appconfig.S3Config
	source   <-chan models.ArbitrageOpportunity
	s3Client s3Putter
	log      *logger.Entry

	mu      sync.Mutex
	running bool
	buffer  []models.ArbitrageOpportunity

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOpportunityWriter builds the writer and its S3 client. Static
// credentials from config win over the ambient AWS chain.
func NewOpportunityWriter(cfg appconfig.S3Config, opportunities <-chan models.ArbitrageOpportunity) (*OpportunityWriter, error) {
	log := logger.GetLogger().WithComponent("opportunity-writer")

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws configuration: %w", err)
	}

	w := &OpportunityWriter{
		cfg:      cfg,
		source:   opportunities,
		s3Client: s3.NewFromConfig(awsCfg),
		log:      log,
	}
	log.WithFields(logger.Fields{
		"bucket": cfg.Bucket,
		"region": cfg.Region,
		"prefix": cfg.Prefix,
	}).Info("opportunity writer initialized")
	return w, nil
}

// Start launches the drain and flush workers.
func (w *OpportunityWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("opportunity writer already running")
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)
	w.log.Info("opportunity writer started")
	return nil
}

// Stop flushes the remaining buffer and waits for workers to exit.
func (w *OpportunityWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	w.log.Info("opportunity writer stopped")
}

func (w *OpportunityWriter) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(context.Background(), "shutdown")
			return
		case <-ticker.C:
			w.flush(ctx, "interval")
		case opp, ok := <-w.source:
			if !ok {
				w.flush(context.Background(), "source closed")
				return
			}
			w.mu.Lock()
			w.buffer = append(w.buffer, opp)
			full := len(w.buffer) >= w.cfg.BatchSize
			w.mu.Unlock()
			if full {
				w.flush(ctx, "batch size")
			}
		}
	}
}

func (w *OpportunityWriter) flush(ctx context.Context, reason string) {
	w.mu.Lock()
	batch := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	batchID := uuid.NewString()
	log := w.log.WithFields(logger.Fields{
		"batch_id": batchID,
		"records":  len(batch),
		"reason":   reason,
	})

	data, err := encodeParquet(batch)
	if err != nil {
		log.WithError(err).Error("parquet encode failed, batch dropped")
		return
	}

	key := w.objectKey(batch[0].DetectedAt, batchID)
	_, err = w.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &w.cfg.Bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"s3_key": key}).Error("s3 upload failed")
		return
	}

	logger.IncrementArchiveWrite(int64(len(data)))
	log.WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
	}).Info("batch archived")
}

// objectKey builds the dt=/hour= partitioned path.
func (w *OpportunityWriter) objectKey(ts time.Time, batchID string) string {
	ts = ts.UTC()
	key := filepath.Join(
		w.cfg.Prefix,
		fmt.Sprintf("dt=%s", ts.Format("2006-01-02")),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		fmt.Sprintf("opportunities_%s_%s.parquet", ts.Format("20060102150405"), batchID),
	)
	return filepath.ToSlash(key)
}

func encodeParquet(batch []models.ArbitrageOpportunity) ([]byte, error) {
	fw := newMemoryFile()
	pw, err := parquetwriter.NewParquetWriter(fw, new(OpportunityRecord), 2)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, opp := range batch {
		record := OpportunityRecord{
			ID:            opp.ID,
			BuyVenue:      opp.BuyVenue,
			SellVenue:     opp.SellVenue,
			Pair:          opp.Pair.String(),
			BuyPrice:      opp.BuyPrice,
			SellPrice:     opp.SellPrice,
			TradeVolume:   opp.TradeVolume,
			GrossSpread:   opp.GrossSpread,
			SpreadPct:     opp.SpreadPct,
			EstimatedFees: opp.EstimatedFees,
			NetProfit:     opp.NetProfit,
			Degraded:      opp.Degraded,
			DetectedAt:    opp.DetectedAt.UnixMilli(),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Bytes(), nil
}
