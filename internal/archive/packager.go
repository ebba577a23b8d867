// Package archive accumulates downloaded documents and serializes them
// into a single zip file.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	yzip "github.com/yeka/zip"

	"docbatch/internal/metrics"
	"docbatch/internal/models"
)

var (
	ErrFinalized = errors.New("archive: already finalized")
	ErrEmpty     = errors.New("archive: no entries")
)

// Archive is a finalized zip file.
type Archive struct {
	Name     string
	Data     []byte
	Entries  int
	RawBytes int64
}

// Packager collects entries by path. A later Add to the same path replaces
// the earlier data but keeps its original position.
type Packager struct {
	mu        sync.Mutex
	name      string
	password  string
	entries   map[string][]byte
	order     []string
	finalized bool
	modified  time.Time
	metrics   *metrics.Metrics
}

// New creates a packager for batchName. A non-empty password encrypts every
// entry with AES-256.
func New(batchName, password string, m *metrics.Metrics) *Packager {
	return &Packager{
		name:     ArchiveName(batchName),
		password: password,
		entries:  make(map[string][]byte),
		modified: time.Now(),
		metrics:  m,
	}
}

// ArchiveName returns "{batchName}.zip", without doubling the suffix.
func ArchiveName(batchName string) string {
	name := strings.TrimSpace(batchName)
	if strings.HasSuffix(strings.ToLower(name), ".zip") {
		name = name[:len(name)-4]
	}
	if name == "" {
		name = "download"
	}
	return name + ".zip"
}

func (p *Packager) Name() string {
	return p.name
}

// Add stores data under path.
func (p *Packager) Add(path string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return ErrFinalized
	}
	if _, exists := p.entries[path]; !exists {
		p.order = append(p.order, path)
	}
	p.entries[path] = data
	return nil
}

// Len returns the number of distinct entries.
func (p *Packager) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Paths returns entry paths in insertion order.
func (p *Packager) Paths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

// Finalize serializes the archive. It may be called once.
func (p *Packager) Finalize() (*Archive, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return nil, ErrFinalized
	}
	p.finalized = true
	if len(p.order) == 0 {
		return nil, ErrEmpty
	}

	var buf bytes.Buffer
	out := &models.ByteCounter{Writer: &buf}

	var (
		raw int64
		err error
	)
	if p.password != "" {
		raw, err = p.writeEncrypted(out)
	} else {
		raw, err = p.writePlain(out)
	}
	if err != nil {
		return nil, err
	}

	p.metrics.ArchiveBytesHist.Observe(float64(out.Count))
	p.metrics.IncomingBytesHist.Observe(float64(raw))
	if raw > 0 {
		p.metrics.CompressionRatio.Observe(float64(out.Count) / float64(raw))
	}

	return &Archive{
		Name:     p.name,
		Data:     buf.Bytes(),
		Entries:  len(p.order),
		RawBytes: raw,
	}, nil
}

func (p *Packager) writePlain(w io.Writer) (int64, error) {
	zw := zip.NewWriter(w)
	var raw int64
	for _, path := range p.order {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     path,
			Method:   zip.Deflate,
			Modified: p.modified,
		})
		if err != nil {
			return 0, fmt.Errorf("create entry %q: %w", path, err)
		}
		n, err := fw.Write(p.entries[path])
		if err != nil {
			return 0, fmt.Errorf("write entry %q: %w", path, err)
		}
		raw += int64(n)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zip: %w", err)
	}
	return raw, nil
}

func (p *Packager) writeEncrypted(w io.Writer) (int64, error) {
	zw := yzip.NewWriter(w)
	var raw int64
	for _, path := range p.order {
		fw, err := zw.Encrypt(path, p.password, yzip.AES256Encryption)
		if err != nil {
			return 0, fmt.Errorf("create encrypted entry %q: %w", path, err)
		}
		n, err := fw.Write(p.entries[path])
		if err != nil {
			return 0, fmt.Errorf("write encrypted entry %q: %w", path, err)
		}
		raw += int64(n)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zip: %w", err)
	}
	return raw, nil
}
