package dnsserver

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hewenyu/edge-fabric/internal/config"
	"github.com/hewenyu/edge-fabric/internal/metrics"
	"github.com/hewenyu/edge-fabric/pkg/model"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Registry DNS服务读取的注册表视图
type Registry interface {
	Services() []model.Service
	HealthyInstances(serviceName string) ([]model.Instance, error)
}

// Options DNS服务选项
type Options struct {
	ListenAddress string
	Port          int
	// "udp", "tcp" 或 "both"
	Protocol string
	// 私有命名空间，如 http-api.local
	Namespace   string
	TTL         uint32
	UpstreamDNS []string
	// 上游查询和读写超时
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// Server 私有DNS命名空间服务。<dns_name>.<namespace> 解析为服务的健康实例。
type Server struct {
	opts     Options
	registry Registry
	logger   config.Logger
	suffix   string

	udpServer  *dns.Server
	tcpServer  *dns.Server
	addr       string
	shutdownWg sync.WaitGroup
}

// NewServer 创建DNS服务
func NewServer(reg Registry, logger config.Logger, opts Options) *Server {
	if opts.Protocol == "" {
		opts.Protocol = "udp"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &Server{
		opts:     opts,
		registry: reg,
		logger:   logger,
		suffix:   "." + strings.ToLower(dns.Fqdn(opts.Namespace)),
	}
}

// Start 绑定端口并在后台处理查询。端口为0时由系统分配，UDP和TCP使用同一端口号。
func (s *Server) Start() error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSRequest)

	addr := net.JoinHostPort(s.opts.ListenAddress, strconv.Itoa(s.opts.Port))
	proto := strings.ToLower(s.opts.Protocol)

	if proto == "udp" || proto == "both" {
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return fmt.Errorf("绑定UDP地址%s失败: %w", addr, err)
		}
		addr = pc.LocalAddr().String()
		s.udpServer = &dns.Server{
			PacketConn:   pc,
			Net:          "udp",
			Handler:      mux,
			ReadTimeout:  s.opts.Timeout,
			WriteTimeout: s.opts.Timeout,
		}
		if err := s.serve(s.udpServer, "UDP"); err != nil {
			s.udpServer = nil
			return err
		}
	}

	if proto == "tcp" || proto == "both" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.Stop()
			return fmt.Errorf("绑定TCP地址%s失败: %w", addr, err)
		}
		addr = ln.Addr().String()
		s.tcpServer = &dns.Server{
			Listener:     ln,
			Net:          "tcp",
			Handler:      mux,
			ReadTimeout:  s.opts.Timeout,
			WriteTimeout: s.opts.Timeout,
		}
		if err := s.serve(s.tcpServer, "TCP"); err != nil {
			s.tcpServer = nil
			s.Stop()
			return err
		}
	}

	if s.udpServer == nil && s.tcpServer == nil {
		return fmt.Errorf("不支持的DNS协议: %s", s.opts.Protocol)
	}

	s.addr = addr
	s.logger.Info("DNS服务已启动",
		zap.String("address", addr),
		zap.String("protocol", proto),
		zap.String("namespace", s.opts.Namespace))
	return nil
}

// serve 在后台处理查询，返回前等待服务器真正开始监听
func (s *Server) serve(srv *dns.Server, name string) error {
	started := make(chan struct{})
	errCh := make(chan error, 1)
	srv.NotifyStartedFunc = func() { close(started) }

	s.shutdownWg.Add(1)
	go func() {
		defer s.shutdownWg.Done()
		if err := srv.ActivateAndServe(); err != nil {
			s.logger.Error(name+" DNS服务异常退出", zap.Error(err))
			errCh <- err
		}
	}()

	select {
	case <-started:
		return nil
	case err := <-errCh:
		return fmt.Errorf("启动%s DNS服务失败: %w", name, err)
	}
}

// Addr 返回实际监听地址
func (s *Server) Addr() string {
	return s.addr
}

// Stop 停止DNS服务
func (s *Server) Stop() error {
	var errs []error

	if s.udpServer != nil {
		if err := s.udpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("关闭UDP服务器失败: %w", err))
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("关闭TCP服务器失败: %w", err))
		}
	}

	s.shutdownWg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("停止DNS服务器时发生错误: %v", errs)
	}
	s.logger.Info("DNS服务已停止")
	return nil
}

// handleDNSRequest 处理DNS请求，只回答第一个问题
func (s *Server) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	s.opts.Metrics.ObserveDNSQuery()

	m := new(dns.Msg)
	m.SetReply(r)

	if len(r.Question) == 0 {
		m.Rcode = dns.RcodeFormatError
		s.write(w, m)
		return
	}

	q := r.Question[0]
	s.logger.Debug("收到DNS查询请求",
		zap.String("name", q.Name),
		zap.String("type", dns.TypeToString[q.Qtype]))

	label, ok := s.serviceLabel(q.Name)
	if !ok {
		s.forward(w, r, m)
		return
	}

	m.Authoritative = true
	svc, instances, found := s.lookup(label)
	if !found || len(instances) == 0 {
		m.Rcode = dns.RcodeNameError
		s.logger.Debug("服务不存在或没有健康实例，返回NXDOMAIN", zap.String("name", q.Name))
		s.write(w, m)
		return
	}

	switch q.Qtype {
	case dns.TypeA:
		s.answerA(m, q, svc, instances)
	case dns.TypeSRV:
		s.answerSRV(m, q, svc, instances)
	}
	s.write(w, m)
}

// serviceLabel 从 <label>.<namespace>. 中取出服务标签，大小写不敏感
func (s *Server) serviceLabel(name string) (string, bool) {
	name = strings.ToLower(dns.Fqdn(name))
	if !strings.HasSuffix(name, s.suffix) {
		return "", false
	}
	label := strings.TrimSuffix(name, s.suffix)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}

// lookup 按DNS名称找到服务及其健康实例
func (s *Server) lookup(label string) (model.Service, []model.Instance, bool) {
	for _, svc := range s.registry.Services() {
		if !strings.EqualFold(svc.DNSName, label) {
			continue
		}
		instances, err := s.registry.HealthyInstances(svc.Name)
		if err != nil {
			s.logger.Warn("查询健康实例失败", zap.String("service", svc.Name), zap.Error(err))
			return svc, nil, false
		}
		return svc, instances, true
	}
	return model.Service{}, nil, false
}

func (s *Server) answerA(m *dns.Msg, q dns.Question, svc model.Service, instances []model.Instance) {
	for _, inst := range instances {
		host, _ := inst.HostPort(svc.Port)
		ip := net.ParseIP(host).To4()
		if ip == nil {
			continue
		}
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: s.opts.TTL},
			A:   ip,
		})
	}
}

// answerSRV 每个实例一条SRV记录，目标名称的A记录放在附加部分
func (s *Server) answerSRV(m *dns.Msg, q dns.Question, svc model.Service, instances []model.Instance) {
	for idx, inst := range instances {
		host, port := inst.HostPort(svc.Port)
		target := fmt.Sprintf("instance-%d.%s", idx, q.Name)
		if ip := net.ParseIP(host).To4(); ip != nil {
			m.Extra = append(m.Extra, &dns.A{
				Hdr: dns.RR_Header{Name: target, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: s.opts.TTL},
				A:   ip,
			})
		} else {
			target = dns.Fqdn(host)
		}
		m.Answer = append(m.Answer, &dns.SRV{
			Hdr:      dns.RR_Header{Name: q.Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: s.opts.TTL},
			Priority: 0,
			Weight:   0,
			Port:     uint16(port),
			Target:   target,
		})
	}
}

// forward 命名空间之外的查询转发到上游，未配置上游时返回NXDOMAIN
func (s *Server) forward(w dns.ResponseWriter, r *dns.Msg, m *dns.Msg) {
	if len(s.opts.UpstreamDNS) == 0 {
		m.Rcode = dns.RcodeNameError
		s.write(w, m)
		return
	}

	resp, err := s.forwardToUpstream(r)
	if err != nil {
		s.logger.Warn("转发到上游DNS失败", zap.Error(err))
		m.Rcode = dns.RcodeServerFailure
		s.write(w, m)
		return
	}
	s.write(w, resp)
}

// forwardToUpstream 依次尝试上游服务器，响应被截断时改用TCP
func (s *Server) forwardToUpstream(r *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	for _, upstreamAddr := range s.opts.UpstreamDNS {
		c := &dns.Client{Timeout: s.opts.Timeout}
		resp, _, err := c.Exchange(r, upstreamAddr)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.Truncated {
			c.Net = "tcp"
			resp, _, err = c.Exchange(r, upstreamAddr)
			if err != nil {
				lastErr = err
				continue
			}
		}
		return resp, nil
	}
	return nil, fmt.Errorf("所有上游DNS服务器都失败: %v", lastErr)
}

func (s *Server) write(w dns.ResponseWriter, m *dns.Msg) {
	if err := w.WriteMsg(m); err != nil {
		s.logger.Warn("发送DNS响应失败", zap.Error(err))
	}
}
