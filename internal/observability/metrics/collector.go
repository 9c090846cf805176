package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// 对话与任务结果的标签取值。
const (
	ChatOutcomeOK      = "ok"
	ChatOutcomeError   = "error"
	ChatOutcomeTimeout = "timeout"

	JobOutcomeSucceeded = "succeeded"
	JobOutcomeFailed    = "failed"
	JobOutcomeRetried   = "retried"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type routeKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			h.counts[idx]++
		}
	}
}

func (h *histogram) snapshot() *histogram {
	return &histogram{
		buckets: h.buckets,
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

var (
	httpBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	chatBuckets = []float64{0.5, 1, 2, 5, 10, 20, 30, 60}
)

type collector struct {
	mu         sync.Mutex
	requests   map[requestKey]uint64
	errors     map[routeKey]uint64
	latency    map[routeKey]*histogram
	chats      map[string]uint64
	chatTokens map[string]uint64
	chatTime   *histogram
	jobs       map[string]uint64
	sessions   int64
}

func newCollector() *collector {
	return &collector{
		requests:   make(map[requestKey]uint64),
		errors:     make(map[routeKey]uint64),
		latency:    make(map[routeKey]*histogram),
		chats:      make(map[string]uint64),
		chatTokens: make(map[string]uint64),
		chatTime:   newHistogram(chatBuckets),
		jobs:       make(map[string]uint64),
	}
}

var defaultCollector = newCollector()

// ObserveHTTPRequest 记录一次 HTTP 请求的状态码与耗时。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observeHTTP(handler, method, status, duration)
}

// ObserveChat 记录一次对话补全调用。
func ObserveChat(outcome string, duration time.Duration, promptTokens, completionTokens int64) {
	defaultCollector.observeChat(outcome, duration, promptTokens, completionTokens)
}

// ObserveJob 记录一次异步任务的处理结果。
func ObserveJob(outcome string) {
	c := defaultCollector
	c.mu.Lock()
	c.jobs[outcome]++
	c.mu.Unlock()
}

// SetSessions 更新当前驻留内存的会话数量。
func SetSessions(n int) {
	c := defaultCollector
	c.mu.Lock()
	c.sessions = int64(n)
	c.mu.Unlock()
}

func (c *collector) observeHTTP(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	key := routeKey{handler: handler, method: method}
	if status >= 500 {
		c.errors[key]++
	}
	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram(httpBuckets)
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observeChat(outcome string, duration time.Duration, promptTokens, completionTokens int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.chats[outcome]++
	c.chatTime.observe(duration.Seconds())
	if promptTokens > 0 {
		c.chatTokens["prompt"] += uint64(promptTokens)
	}
	if completionTokens > 0 {
		c.chatTokens["completion"] += uint64(completionTokens)
	}
}

func (c *collector) render() string {
	c.mu.Lock()
	requests := make(map[requestKey]uint64, len(c.requests))
	for k, v := range c.requests {
		requests[k] = v
	}
	errs := make(map[routeKey]uint64, len(c.errors))
	for k, v := range c.errors {
		errs[k] = v
	}
	latency := make(map[routeKey]*histogram, len(c.latency))
	for k, v := range c.latency {
		latency[k] = v.snapshot()
	}
	chats := copyCounts(c.chats)
	tokens := copyCounts(c.chatTokens)
	jobs := copyCounts(c.jobs)
	chatTime := c.chatTime.snapshot()
	sessions := c.sessions
	c.mu.Unlock()

	var b strings.Builder
	b.Grow(2048)

	header(&b, "leanchat_http_requests_total", "counter", "Total number of HTTP requests processed.")
	reqKeys := make([]requestKey, 0, len(requests))
	for k := range requests {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		a, z := reqKeys[i], reqKeys[j]
		if a.handler != z.handler {
			return a.handler < z.handler
		}
		if a.method != z.method {
			return a.method < z.method
		}
		return a.code < z.code
	})
	for _, k := range reqKeys {
		fmt.Fprintf(&b, "leanchat_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(k.handler), escape(k.method), escape(k.code), requests[k])
	}

	header(&b, "leanchat_http_request_errors_total", "counter", "Total number of HTTP requests that resulted in a server error.")
	for _, k := range sortedRoutes(errs) {
		fmt.Fprintf(&b, "leanchat_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(k.handler), escape(k.method), errs[k])
	}

	header(&b, "leanchat_http_request_duration_seconds", "histogram", "HTTP request duration in seconds.")
	for _, k := range sortedRoutes(latency) {
		labels := fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(k.handler), escape(k.method))
		writeHistogram(&b, "leanchat_http_request_duration_seconds", labels, latency[k])
	}

	header(&b, "leanchat_chat_completions_total", "counter", "Chat completion calls by outcome.")
	writeCounts(&b, "leanchat_chat_completions_total", "outcome", chats)

	header(&b, "leanchat_chat_tokens_total", "counter", "Tokens reported by the completion API.")
	writeCounts(&b, "leanchat_chat_tokens_total", "kind", tokens)

	header(&b, "leanchat_chat_duration_seconds", "histogram", "Chat completion round-trip time in seconds.")
	writeHistogram(&b, "leanchat_chat_duration_seconds", "", chatTime)

	header(&b, "leanchat_jobs_total", "counter", "Asynchronous chat jobs by outcome.")
	writeCounts(&b, "leanchat_jobs_total", "outcome", jobs)

	header(&b, "leanchat_sessions", "gauge", "Sessions currently held in memory.")
	fmt.Fprintf(&b, "leanchat_sessions %d\n", sessions)

	return b.String()
}

func header(b *strings.Builder, name, kind, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func writeCounts(b *strings.Builder, name, label string, counts map[string]uint64) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=\"%s\"} %d\n", name, label, escape(k), counts[k])
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	prefix := labels
	if prefix != "" {
		prefix += ","
	}
	for idx, bound := range h.buckets {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%s\"} %d\n", name, prefix, formatFloat(bound), h.counts[idx])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, h.count)
	if labels == "" {
		fmt.Fprintf(b, "%s_sum %s\n%s_count %d\n", name, formatFloat(h.sum), name, h.count)
		return
	}
	fmt.Fprintf(b, "%s_sum{%s} %s\n%s_count{%s} %d\n", name, labels, formatFloat(h.sum), name, labels, h.count)
}

func sortedRoutes[V any](m map[routeKey]V) []routeKey {
	keys := make([]routeKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		return keys[i].method < keys[j].method
	})
	return keys
}

func copyCounts(src map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return strings.ReplaceAll(value, "\n", "")
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
