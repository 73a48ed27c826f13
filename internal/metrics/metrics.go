package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 는 server / collector 상태를 나타내는 카운터 모음이다.
// 필드는 atomic 으로만 갱신한다.
type Metrics struct {
	// ======================
	// Ingestion (server)
	// ======================

	// BulkRequestsTotal
	// - Authentication Gate 를 통과한 /bulk 요청 수 (본문 검증 전 기준).
	// - 401 로 끝난 요청은 BulkAuthFailuresTotal 에만 잡힌다.
	BulkRequestsTotal int64

	// BulkAuthFailuresTotal
	// - Authentication Gate 에서 401 로 거절된 요청 수.
	// - 급증하면 secret 불일치 배포, 시계 오차(timestamp window), 재전송 공격을 의심.
	BulkAuthFailuresTotal int64

	// BulkValidationFailuresTotal
	// - 배치 shape/field 검증 실패로 400 을 돌려준 요청 수 (배치 단위).
	BulkValidationFailuresTotal int64

	// EventsAcceptedTotal / EventsDuplicateTotal
	// - store 에 새로 저장된 이벤트 수 / request_id 중복으로 거절된 이벤트 수.
	// - 중복 비율이 높다는 것은 collector 재전송이 많다는 신호(정상적인 멱등 처리).
	EventsAcceptedTotal  int64
	EventsDuplicateTotal int64

	// StoreErrorsTotal
	// - store 호출이 예상치 못한 에러로 실패한 횟수 (500 응답).
	StoreErrorsTotal int64

	// ExportRowsTotal
	// - export 로 스트리밍된 row 수.
	ExportRowsTotal int64

	// ======================
	// Archive (S3) / DLQ
	// ======================

	ArchiveQueueFullTotal    int64 // archive 입력 큐가 가득 차서 버려진 이벤트 수
	S3EventsStoredTotal      int64 // S3 에 성공 저장된 이벤트 수
	S3PutErrorsTotal         int64 // PutObject 실패 시도 수
	DLQEventsEnqueuedTotal   int64
	DLQEventsReuploadedTotal int64
	DLQEventsDroppedTotal    int64
	DLQFilesExpiredTotal     int64
	DLQFilesCurrent          int64 // gauge
	DLQSizeBytes             int64 // gauge

	// ======================
	// Delivery Agent (collector)
	// ======================

	AgentEventsRecordedTotal int64 // Record 로 버퍼에 들어간 이벤트 수
	AgentEventsRefusedTotal  int64 // shutdown 이후 Record 가 거절한 이벤트 수
	AgentBatchesSentTotal    int64 // 200 을 받은 배치 수
	AgentBatchesFailedTotal  int64 // 전송 실패 배치 수
	AgentEventsAcceptedTotal int64 // 서버가 accepted 로 보고한 수
	AgentEventsRejectedTotal int64 // 서버가 rejected(중복) 로 보고한 수
	AgentEventsRequeuedTotal int64 // 실패 후 버퍼 앞에 다시 넣은 수
	AgentEventsDroppedTotal  int64 // 재삽입 상한/시도 상한으로 버린 수 (데이터 유실)
	AgentBufferSize          int64 // gauge

	// ======================
	// Capture
	// ======================

	TailerLinesTotal        int64
	TailerLinesSkippedTotal int64
}

func New() *Metrics {
	return &Metrics{}
}

type counter struct {
	name  string
	help  string
	v     *int64
	gauge bool
}

func (m *Metrics) counters() []counter {
	return []counter{
		{"bulk_requests_total", "Bulk requests that passed the authentication gate.", &m.BulkRequestsTotal, false},
		{"bulk_auth_failures_total", "Bulk requests rejected by the authentication gate.", &m.BulkAuthFailuresTotal, false},
		{"bulk_validation_failures_total", "Bulk requests rejected by validation.", &m.BulkValidationFailuresTotal, false},
		{"events_accepted_total", "Events inserted into the store.", &m.EventsAcceptedTotal, false},
		{"events_duplicate_total", "Events rejected by the request_id uniqueness constraint.", &m.EventsDuplicateTotal, false},
		{"store_errors_total", "Unexpected store failures.", &m.StoreErrorsTotal, false},
		{"export_rows_total", "Rows streamed by export.", &m.ExportRowsTotal, false},

		{"archive_queue_full_total", "Events not archived because the archive queue was full.", &m.ArchiveQueueFullTotal, false},
		{"s3_events_stored_total", "Events archived to S3.", &m.S3EventsStoredTotal, false},
		{"s3_put_errors_total", "Failed S3 PutObject attempts.", &m.S3PutErrorsTotal, false},
		{"dlq_events_enqueued_total", "Events written to the local DLQ.", &m.DLQEventsEnqueuedTotal, false},
		{"dlq_events_reuploaded_total", "Events re-uploaded from the local DLQ.", &m.DLQEventsReuploadedTotal, false},
		{"dlq_events_dropped_total", "Events dropped because the DLQ was full.", &m.DLQEventsDroppedTotal, false},
		{"dlq_files_expired_total", "DLQ files removed by TTL or capacity.", &m.DLQFilesExpiredTotal, false},
		{"dlq_files_current", "DLQ files on disk.", &m.DLQFilesCurrent, true},
		{"dlq_size_bytes", "DLQ bytes on disk.", &m.DLQSizeBytes, true},

		{"agent_events_recorded_total", "Events appended to the delivery buffer.", &m.AgentEventsRecordedTotal, false},
		{"agent_events_refused_total", "Events refused after shutdown began.", &m.AgentEventsRefusedTotal, false},
		{"agent_batches_sent_total", "Batches acknowledged by the backend.", &m.AgentBatchesSentTotal, false},
		{"agent_batches_failed_total", "Batches that failed delivery.", &m.AgentBatchesFailedTotal, false},
		{"agent_events_accepted_total", "Events the backend reported as accepted.", &m.AgentEventsAcceptedTotal, false},
		{"agent_events_rejected_total", "Events the backend reported as rejected.", &m.AgentEventsRejectedTotal, false},
		{"agent_events_requeued_total", "Events re-queued after a failed delivery.", &m.AgentEventsRequeuedTotal, false},
		{"agent_events_dropped_total", "Events dropped by the re-queue or attempt cap.", &m.AgentEventsDroppedTotal, false},
		{"agent_buffer_size", "Events currently pending delivery.", &m.AgentBufferSize, true},

		{"tailer_lines_total", "Log lines read by the tailer.", &m.TailerLinesTotal, false},
		{"tailer_lines_skipped_total", "Log lines skipped because they failed to parse.", &m.TailerLinesSkippedTotal, false},
	}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(1024)
	for _, c := range m.counters() {
		fmt.Fprintf(&sb, "%s=%d\n", c.name, atomic.LoadInt64(c.v))
	}
	return sb.String()
}

// Collector 는 Metrics 를 prometheus registry 에 노출하는 어댑터.
// 값은 scrape 시점에 atomic 으로 읽는다.
type Collector struct {
	m     *Metrics
	descs map[string]*prometheus.Desc
}

// NewCollector builds a collector with every counter prefixed by namespace.
func NewCollector(namespace string, m *Metrics) *Collector {
	c := &Collector{m: m, descs: make(map[string]*prometheus.Desc)}
	for _, ctr := range m.counters() {
		c.descs[ctr.name] = prometheus.NewDesc(prometheus.BuildFQName(namespace, "", ctr.name), ctr.help, nil, nil)
	}
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, ctr := range c.m.counters() {
		kind := prometheus.CounterValue
		if ctr.gauge {
			kind = prometheus.GaugeValue
		}
		ch <- prometheus.MustNewConstMetric(c.descs[ctr.name], kind, float64(atomic.LoadInt64(ctr.v)))
	}
}

// Registry 는 Collector 하나만 담은 전용 registry 를 만든다.
func Registry(namespace string, m *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(namespace, m))
	return reg
}
