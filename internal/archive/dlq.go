package archive

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"evidence-collector/internal/config"
	"evidence-collector/internal/metrics"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

const metaSuffix = ".meta.json"

// fileUploader 는 DLQ 가 필요로 하는 Uploader 의 일부.
type fileUploader interface {
	UploadFile(ctx context.Context, key string, f io.ReadSeeker, size int64) error
}

// DLQ
//
// S3 업로드에 실패한 JSONL.gz 배치를 로컬 디렉토리에 보관했다가 재업로드한다.
//   - data 파일:  <unix>_<instance>_<counter>.jsonl.gz
//   - meta 파일:  같은 이름 + ".meta.json" ({"num_events":N})
//   - 용량(DLQMaxSizeBytes)을 넘으면 가장 오래된 파일부터 지운다
//   - TTL(DLQMaxAge)은 파일명 prefix 의 epoch seconds 기준
//   - 재업로드 시 첫 줄이 JSON 이 아니면 RawPrefix 대신 DLQPrefix 로 보낸다
type DLQ struct {
	cfg        config.Archive
	instanceID string
	m          *metrics.Metrics
	uploader   fileUploader
	now        func() time.Time

	mu        sync.Mutex // Save / ProcessOne 직렬화
	sizeBytes int64
}

// NewDLQ 는 디렉토리를 만들고 기존 파일을 스캔해서 크기/개수 gauge 를 복원한다.
// data 없이 남은 meta 파일은 지운다.
func NewDLQ(cfg config.Archive, instanceID string, up fileUploader, m *metrics.Metrics) (*DLQ, error) {
	if err := os.MkdirAll(cfg.DLQDir, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq dir: %w", err)
	}

	d := &DLQ{
		cfg:        cfg,
		instanceID: instanceID,
		m:          m,
		uploader:   up,
		now:        time.Now,
	}

	entries, err := os.ReadDir(cfg.DLQDir)
	if err != nil {
		return nil, fmt.Errorf("scan dlq dir: %w", err)
	}

	var total, count int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, metaSuffix) {
			dataName := strings.TrimSuffix(name, metaSuffix)
			if _, err := os.Stat(filepath.Join(cfg.DLQDir, dataName)); errors.Is(err, os.ErrNotExist) {
				_ = os.Remove(filepath.Join(cfg.DLQDir, name))
			}
			continue
		}
		if !isDataFile(name) {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
			count++
		}
	}

	d.sizeBytes = total
	atomic.AddInt64(&m.DLQSizeBytes, total)
	atomic.AddInt64(&m.DLQFilesCurrent, count)

	if count > 0 {
		log.Info().Int64("files", count).Int64("bytes", total).Msg("dlq restored from disk")
	}
	return d, nil
}

func isDataFile(name string) bool {
	return name != "" && name[0] != '.' && !strings.HasSuffix(name, metaSuffix)
}

// Save 는 업로드 실패한 배치를 디스크에 쓴다.
// 공간을 만들 수 없으면 배치를 버리고(drop) nil 을 돌려준다.
func (d *DLQ) Save(data []byte, numEvents int) error {
	if len(data) == 0 || numEvents <= 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	size := int64(len(data))
	if !d.ensureCapacity(size) {
		log.Error().Int64("bytes", size).Int("events", numEvents).Msg("dlq full, archive batch dropped")
		atomic.AddInt64(&d.m.DLQEventsDroppedTotal, int64(numEvents))
		return nil
	}

	name := NewFilename(d.instanceID)
	dataPath := filepath.Join(d.cfg.DLQDir, name)

	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		return err
	}
	meta := []byte(fmt.Sprintf(`{"num_events":%d}`, numEvents))
	_ = os.WriteFile(dataPath+metaSuffix, meta, 0o600)

	d.sizeBytes += size
	atomic.AddInt64(&d.m.DLQSizeBytes, size)
	atomic.AddInt64(&d.m.DLQFilesCurrent, 1)
	atomic.AddInt64(&d.m.DLQEventsEnqueuedTotal, int64(numEvents))
	return nil
}

// ensureCapacity 는 d.mu 를 잡은 상태에서 호출한다.
func (d *DLQ) ensureCapacity(incoming int64) bool {
	limit := d.cfg.DLQMaxSizeBytes
	if limit <= 0 {
		return true
	}
	if incoming > limit {
		return false
	}

	for d.sizeBytes+incoming > limit {
		oldest := d.oldest()
		if oldest == "" {
			return false
		}
		d.remove(oldest)
		atomic.AddInt64(&d.m.DLQFilesExpiredTotal, 1)
		log.Warn().Str("file", oldest).Msg("dlq capacity reached, oldest file removed")
	}
	return true
}

// remove 는 data/meta 를 지우고 gauge 를 맞춘다. d.mu 를 잡은 상태에서 호출한다.
func (d *DLQ) remove(name string) {
	dataPath := filepath.Join(d.cfg.DLQDir, name)
	if info, err := os.Stat(dataPath); err == nil {
		d.sizeBytes -= info.Size()
		atomic.AddInt64(&d.m.DLQSizeBytes, -info.Size())
	}
	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath + metaSuffix)
	atomic.AddInt64(&d.m.DLQFilesCurrent, -1)
}

// ProcessOne
//
// 가장 오래된 파일 1개를 처리한다.
//   - TTL 초과: 삭제
//   - 그 외   : 재업로드 후 삭제 (실패하면 그대로 두고 다음 주기에 재시도)
//
// 처리할 파일이 있었으면 true.
func (d *DLQ) ProcessOne(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	name := d.oldest()
	if name == "" {
		return false
	}

	dataPath := filepath.Join(d.cfg.DLQDir, name)
	info, err := os.Stat(dataPath)
	if err != nil {
		d.remove(name)
		return true
	}

	if d.cfg.DLQMaxAge > 0 {
		if sec, ok := unixFromFilename(name); ok {
			age := d.now().Sub(time.Unix(sec, 0))
			if age > d.cfg.DLQMaxAge {
				d.remove(name)
				atomic.AddInt64(&d.m.DLQFilesExpiredTotal, 1)
				log.Info().Str("file", name).Dur("age", age).Msg("dlq file expired")
				return true
			}
		}
	}

	f, err := os.Open(dataPath)
	if err != nil {
		log.Warn().Err(err).Str("file", name).Msg("dlq open failed")
		return false
	}
	defer f.Close()

	prefix := d.cfg.RawPrefix
	if !validJSONLGZ(f) {
		prefix = d.cfg.DLQPrefix
	}
	key := BuildS3Key(prefix, name)

	if err := d.uploader.UploadFile(ctx, key, f, info.Size()); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("dlq reupload failed")
		return false
	}

	numEvents := readNumEvents(dataPath + metaSuffix)
	d.remove(name)
	atomic.AddInt64(&d.m.DLQEventsReuploadedTotal, numEvents)

	log.Info().Str("key", key).Int64("events", numEvents).Msg("dlq file reuploaded")
	return true
}

// Pending 은 디스크에 남은 data 파일 수.
func (d *DLQ) Pending() int {
	entries, err := os.ReadDir(d.cfg.DLQDir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && isDataFile(e.Name()) {
			n++
		}
	}
	return n
}

// oldest 는 파일명 정렬 기준 가장 오래된 data 파일.
func (d *DLQ) oldest() string {
	entries, err := os.ReadDir(d.cfg.DLQDir)
	if err != nil {
		return ""
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isDataFile(e.Name()) {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return ""
	}
	sort.Strings(files)
	return files[0]
}

// validJSONLGZ 는 gzip 을 풀어 첫 줄이 JSON 객체인지만 확인한다.
func validJSONLGZ(f io.ReadSeeker) bool {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer gz.Close()

	line, err := bufio.NewReader(gz).ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}
	var tmp map[string]any
	return json.Unmarshal(line, &tmp) == nil
}

// readNumEvents 는 meta 가 없거나 깨져 있으면 1.
func readNumEvents(metaPath string) int64 {
	b, err := os.ReadFile(metaPath)
	if err != nil {
		return 1
	}
	var v struct {
		NumEvents int64 `json:"num_events"`
	}
	if json.Unmarshal(b, &v) != nil || v.NumEvents <= 0 {
		return 1
	}
	return v.NumEvents
}
