package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/parser"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(records []*models.Record) error
	Close() error
	Validate() error
}

// Deduplicator remembers record keys already emitted for the current shop.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDeduplicator seeds the set with keys, typically from a checkpoint.
func NewDeduplicator(keys []string) *Deduplicator {
	d := &Deduplicator{}
	d.Reset(keys)
	return d
}

// Accept records key and reports whether it was new.
func (d *Deduplicator) Accept(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// Seen reports whether key has been accepted.
func (d *Deduplicator) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[key]
	return ok
}

// Forget removes keys, used when their records could not be written.
func (d *Deduplicator) Forget(keys ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		delete(d.seen, k)
	}
}

// Keys returns the accepted keys in sorted order.
func (d *Deduplicator) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.seen))
	for k := range d.seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of accepted keys.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Reset replaces the set with keys; called when a new shop starts.
func (d *Deduplicator) Reset(keys []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		d.seen[k] = struct{}{}
	}
}

// Options tune record preparation.
type Options struct {
	Filter        *parser.ItemFilter
	StripPrefixes []string
}

// Pipeline validates, normalizes, de-duplicates and writes the records of
// one shop. It is driven synchronously by a single worker so that every
// batch is on disk before the caller saves its checkpoint.
type Pipeline struct {
	writer OutputWriter
	dedup  *Deduplicator
	opts   Options

	metrics metrics

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error
}

// NewPipeline builds a pipeline writing to writer and filtering with dedup.
func NewPipeline(writer OutputWriter, dedup *Deduplicator, opts Options) *Pipeline {
	if dedup == nil {
		dedup = NewDeduplicator(nil)
	}
	return &Pipeline{
		writer:  writer,
		dedup:   dedup,
		opts:    opts,
		metrics: newMetrics(),
	}
}

// Dedup returns the pipeline's key set.
func (p *Pipeline) Dedup() *Deduplicator {
	return p.dedup
}

// Process prepares records and writes the accepted ones as one batch,
// returning them. Nothing is returned unless the write succeeded.
func (p *Pipeline) Process(records []*models.Record) ([]*models.Record, error) {
	closed, err := p.state()
	if err != nil {
		return nil, err
	}
	if closed {
		return nil, ErrPipelineClosed
	}

	batch := make([]*models.Record, 0, len(records))
	keys := make([]string, 0, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		prepared, key := p.prepare(record)
		if prepared == nil {
			continue
		}
		batch = append(batch, prepared)
		keys = append(keys, key)
	}
	if len(batch) == 0 {
		return nil, nil
	}

	if err := p.writer.Write(batch); err != nil {
		p.dedup.Forget(keys...)
		err = fmt.Errorf("write batch: %w", err)
		p.setErr(err)
		return nil, err
	}
	p.metrics.addProcessed(len(batch))
	return batch, nil
}

// Close marks the pipeline closed and closes the writer.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return p.Err()
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

func (p *Pipeline) prepare(record *models.Record) (*models.Record, string) {
	if err := parser.ValidateRecord(record); err != nil {
		p.metrics.addValidation("invalid_record")
		return nil, ""
	}

	r := *record
	r.ItemName = parser.CleanItemName(r.ItemName, p.opts.StripPrefixes)
	r.Price = parser.NormalizePrice(r.Price)
	r.MonthlySales = parser.NormalizeSales(r.MonthlySales)
	if p.opts.Filter != nil && !p.opts.Filter.Valid(r.ItemName) {
		p.metrics.addValidation("invalid_name")
		return nil, ""
	}

	key := r.Key()
	if !p.dedup.Accept(key) {
		p.metrics.addValidation("duplicate_key")
		return nil, ""
	}
	return &r, key
}

func (p *Pipeline) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
	p.closed = true
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

type metrics struct {
	mu         sync.Mutex
	processed  int64
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) addProcessed(n int) {
	m.mu.Lock()
	m.processed += int64(n)
	m.mu.Unlock()
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"processed_records": m.processed,
		"validation_errors": copyValidation,
	}
}
