package metrics

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// 指标名称
const (
	requestsName        = "fabric.requests"
	noHealthyTargetName = "fabric.no_healthy_target"
	upstreamErrorsName  = "fabric.upstream_errors"
	clientAbortsName    = "fabric.client_aborts"
	probesName          = "fabric.probes"
	dnsQueriesName      = "fabric.dns_queries"
)

var (
	attrService = attribute.Key("service")
	attrResult  = attribute.Key("result")
)

// Metrics 基于OpenTelemetry计数器的进程内指标，通过ManualReader按需汇总。
// 所有方法在nil接收者上都是安全的空操作。
type Metrics struct {
	startedAt time.Time
	reader    *sdkmetric.ManualReader
	provider  *sdkmetric.MeterProvider

	requests        metric.Int64Counter
	noHealthyTarget metric.Int64Counter
	upstreamErrors  metric.Int64Counter
	clientAborts    metric.Int64Counter
	probes          metric.Int64Counter
	dnsQueries      metric.Int64Counter
}

// Snapshot 某一时刻的指标
type Snapshot struct {
	Uptime            string           `json:"uptime"`
	RequestCount      int64            `json:"request_count"`
	RequestsByService map[string]int64 `json:"requests_by_service"`
	DefaultResponses  int64            `json:"default_responses"`
	NoHealthyTarget   int64            `json:"no_healthy_target"`
	UpstreamErrors    int64            `json:"upstream_errors"`
	ClientAborts      int64            `json:"client_aborts"`
	ProbeCount        int64            `json:"probe_count"`
	ProbeFailures     int64            `json:"probe_failures"`
	DNSQueryCount     int64            `json:"dns_query_count"`
	Services          []string         `json:"services"`
	LastCollectedTime time.Time        `json:"last_collected_time"`
}

// New 创建指标收集器
func New() *Metrics {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("github.com/hewenyu/edge-fabric")

	return &Metrics{
		startedAt:       time.Now(),
		reader:          reader,
		provider:        provider,
		requests:        counter(meter, requestsName, "按服务统计的请求数，默认响应的service为空"),
		noHealthyTarget: counter(meter, noHealthyTargetName, "因无健康实例返回503的次数"),
		upstreamErrors:  counter(meter, upstreamErrorsName, "转发到后端失败的次数"),
		clientAborts:    counter(meter, clientAbortsName, "客户端提前断开的次数"),
		probes:          counter(meter, probesName, "按结果统计的健康检查次数"),
		dnsQueries:      counter(meter, dnsQueriesName, "私有DNS查询次数"),
	}
}

// counter 创建计数器，失败时退化为空操作计数器
func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

// Shutdown 释放MeterProvider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// ObserveRequest 记录一次请求，service为空表示走了默认响应
func (m *Metrics) ObserveRequest(service string) {
	if m == nil {
		return
	}
	m.requests.Add(context.Background(), 1, metric.WithAttributes(attrService.String(service)))
}

// ObserveNoHealthyTarget 记录一次无健康实例
func (m *Metrics) ObserveNoHealthyTarget() {
	if m == nil {
		return
	}
	m.noHealthyTarget.Add(context.Background(), 1)
}

// ObserveUpstreamError 记录一次后端转发失败
func (m *Metrics) ObserveUpstreamError() {
	if m == nil {
		return
	}
	m.upstreamErrors.Add(context.Background(), 1)
}

// ObserveClientAbort 记录一次客户端提前断开
func (m *Metrics) ObserveClientAbort() {
	if m == nil {
		return
	}
	m.clientAborts.Add(context.Background(), 1)
}

// ObserveProbe 记录一次健康检查
func (m *Metrics) ObserveProbe(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.probes.Add(context.Background(), 1, metric.WithAttributes(attrResult.String(result)))
}

// ObserveDNSQuery 记录一次DNS查询
func (m *Metrics) ObserveDNSQuery() {
	if m == nil {
		return
	}
	m.dnsQueries.Add(context.Background(), 1)
}

// Snapshot 汇总当前累计值
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		RequestsByService: map[string]int64{},
		Services:          []string{},
		LastCollectedTime: time.Now(),
	}
	if m == nil {
		return s
	}
	s.Uptime = time.Since(m.startedAt).Round(time.Second).String()

	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(context.Background(), &rm); err != nil {
		return s
	}

	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				s.add(md.Name, dp)
			}
		}
	}

	for name := range s.RequestsByService {
		s.Services = append(s.Services, name)
	}
	sort.Strings(s.Services)
	return s
}

func (s *Snapshot) add(name string, dp metricdata.DataPoint[int64]) {
	switch name {
	case requestsName:
		s.RequestCount += dp.Value
		service, _ := dp.Attributes.Value(attrService)
		if service.AsString() == "" {
			s.DefaultResponses += dp.Value
		} else {
			s.RequestsByService[service.AsString()] += dp.Value
		}
	case noHealthyTargetName:
		s.NoHealthyTarget += dp.Value
	case upstreamErrorsName:
		s.UpstreamErrors += dp.Value
	case clientAbortsName:
		s.ClientAborts += dp.Value
	case probesName:
		s.ProbeCount += dp.Value
		if result, _ := dp.Attributes.Value(attrResult); result.AsString() == "failure" {
			s.ProbeFailures += dp.Value
		}
	case dnsQueriesName:
		s.DNSQueryCount += dp.Value
	}
}
