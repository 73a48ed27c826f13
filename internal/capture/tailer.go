package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"evidence-collector/internal/metrics"
	"evidence-collector/internal/model"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// maxReadChunk 는 tick 한 번에 읽는 최대 바이트 수.
const maxReadChunk = 4 << 20

// ErrTailerRunning 은 이미 시작된 Tailer 에 Start 를 다시 호출한 경우.
var ErrTailerRunning = errors.New("tailer already running")

type TailerOptions struct {
	Path       string        // 대상 로그 파일
	OffsetFile string        // offset sidecar (비어 있으면 메모리에만 보관)
	ServerName string        // 이벤트 server_name
	PollEvery  time.Duration // polling 주기 (기본 1s)
}

// Tailer
//
// append-only JSON 로그 파일을 일정 주기로 polling 한다.
//   - 시작 offset: sidecar 에 저장된 값, 없으면 현재 파일 끝(EOF)
//   - tick 마다 파일 크기가 offset 보다 크면 증가분만 읽는다
//   - 완성된 줄(개행으로 끝난 줄)만 처리하고 offset 은 마지막 개행 다음으로 옮긴다
//   - 파싱 실패한 줄은 로그를 남기고 건너뛴다 (나머지 줄 처리는 계속)
//   - 파일이 offset 보다 작아지면(truncate/rotate) 0 부터 다시 읽는다
type Tailer struct {
	opts TailerOptions
	sink Sink
	m    *metrics.Metrics

	offset  int64
	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewTailer(opts TailerOptions, sink Sink, m *metrics.Metrics) *Tailer {
	if opts.PollEvery <= 0 {
		opts.PollEvery = time.Second
	}
	if m == nil {
		m = metrics.New()
	}
	return &Tailer{
		opts: opts,
		sink: sink,
		m:    m,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start 는 파일이 없으면 즉시 실패한다.
func (t *Tailer) Start(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrTailerRunning
	}

	info, err := os.Stat(t.opts.Path)
	if err != nil {
		t.running.Store(false)
		return fmt.Errorf("log file %s: %w", t.opts.Path, err)
	}

	t.offset = info.Size()
	if saved, ok := t.loadOffset(); ok {
		if saved <= info.Size() {
			t.offset = saved
		} else {
			t.offset = 0
		}
	}

	log.Info().
		Str("file", t.opts.Path).
		Int64("offset", t.offset).
		Dur("poll", t.opts.PollEvery).
		Msg("log tailer started")

	go t.loop(ctx)
	return nil
}

func (t *Tailer) loop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.opts.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			if err := t.poll(); err != nil {
				log.Error().Err(err).Str("file", t.opts.Path).Msg("error reading log file")
			}
		}
	}
}

// Stop 은 polling 을 멈추고 loop 종료를 기다린다.
func (t *Tailer) Stop() {
	if !t.running.Load() {
		return
	}
	t.once.Do(func() { close(t.stop) })
	<-t.done
	t.running.Store(false)
}

// Offset 은 다음에 읽을 위치.
func (t *Tailer) Offset() int64 { return atomic.LoadInt64(&t.offset) }

// poll 은 tick 1회 처리.
func (t *Tailer) poll() error {
	info, err := os.Stat(t.opts.Path)
	if err != nil {
		return err
	}

	offset := atomic.LoadInt64(&t.offset)
	size := info.Size()

	if size < offset {
		log.Info().Int64("size", size).Int64("offset", offset).Msg("log file truncated, reading from start")
		offset = 0
		atomic.StoreInt64(&t.offset, 0)
	}
	if size == offset {
		return nil
	}

	n := size - offset
	if n > maxReadChunk {
		n = maxReadChunk
	}

	f, err := os.Open(t.opts.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	data := make([]byte, n)
	read, err := f.ReadAt(data, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	data = data[:read]

	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		// 개행이 없으면 아직 쓰는 중인 줄. 한 줄이 chunk 보다 크면 통째로 버린다.
		if int64(len(data)) < maxReadChunk {
			return nil
		}
		end = len(data) - 1
	}

	t.processLines(data[:end+1])

	atomic.StoreInt64(&t.offset, offset+int64(end+1))
	t.saveOffset()
	return nil
}

func (t *Tailer) processLines(chunk []byte) {
	for _, raw := range bytes.Split(chunk, []byte{'\n'}) {
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		atomic.AddInt64(&t.m.TailerLinesTotal, 1)

		var entry model.LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			t.skip(line, err)
			continue
		}
		ev, err := FromLogEntry(entry, t.opts.ServerName)
		if err != nil {
			t.skip(line, err)
			continue
		}
		if err := t.sink.Record(ev); err != nil {
			log.Debug().Err(err).Msg("evidence not recorded")
		}
	}
}

func (t *Tailer) skip(line []byte, err error) {
	atomic.AddInt64(&t.m.TailerLinesSkippedTotal, 1)
	preview := string(line)
	if len(preview) > 200 {
		preview = preview[:200]
	}
	log.Warn().Err(err).Str("line", preview).Msg("failed to parse log line")
}

// ------------------------------------------------------------
// offset sidecar
//
// 재시작 시 이어 읽기 위한 작은 파일. 내용은 10진수 offset 한 줄.
// tmp 파일에 쓰고 rename 해서 중간 상태가 남지 않게 한다.
// ------------------------------------------------------------

func (t *Tailer) loadOffset() (int64, bool) {
	if t.opts.OffsetFile == "" {
		return 0, false
	}
	b, err := os.ReadFile(t.opts.OffsetFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("file", t.opts.OffsetFile).Msg("cannot read tail offset")
		}
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil || v < 0 {
		log.Warn().Str("file", t.opts.OffsetFile).Msg("ignoring malformed tail offset")
		return 0, false
	}
	return v, true
}

func (t *Tailer) saveOffset() {
	if t.opts.OffsetFile == "" {
		return
	}
	dir := filepath.Dir(t.opts.OffsetFile)
	tmp, err := os.CreateTemp(dir, ".offset-*")
	if err != nil {
		log.Warn().Err(err).Msg("cannot persist tail offset")
		return
	}
	_, werr := tmp.WriteString(strconv.FormatInt(atomic.LoadInt64(&t.offset), 10) + "\n")
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmp.Name())
		log.Warn().Err(errors.Join(werr, cerr)).Msg("cannot persist tail offset")
		return
	}
	if err := os.Rename(tmp.Name(), t.opts.OffsetFile); err != nil {
		_ = os.Remove(tmp.Name())
		log.Warn().Err(err).Msg("cannot persist tail offset")
	}
}
