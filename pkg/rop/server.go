package rop

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime/debug"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/bridgemq/rockgate/pkg/backend"
	"github.com/bridgemq/rockgate/pkg/wire"
)

type negCacheKey struct {
	group   string
	topic   string
	queueID int32
}

// Handler owns the request pipelines and the state they share. One Handler
// serves every connection.
type Handler struct {
	cfg        *Config
	backend    backend.Client
	cluster    backend.ClusterView
	translator *TopicTranslator
	topics     TopicConfigs
	subGroups  SubscriptionGroups
	offsets    OffsetManager
	groups     *Groups
	metrics    *Metrics
	hold       *Hold
	negCache   *expirable.LRU[negCacheKey, struct{}]
	logger     *zap.Logger
}

// NewHandler wires a Handler onto a backend and the external managers.
func NewHandler(cfg *Config, bk backend.Client, topics TopicConfigs, subGroups SubscriptionGroups, offsets OffsetManager, metrics *Metrics) *Handler {
	h := &Handler{
		cfg:     cfg,
		backend: bk,
		cluster: bk.Cluster(),
		translator: &TopicTranslator{
			DefaultTenant:    cfg.DefaultTenant,
			DefaultNamespace: cfg.DefaultNamespace,
		},
		topics:    topics,
		subGroups: subGroups,
		offsets:   offsets,
		groups:    NewGroups(cfg.Logger),
		metrics:   metrics,
		negCache:  expirable.NewLRU[negCacheKey, struct{}](defaultNegCacheSize, nil, defaultNegCacheTTL),
		logger:    cfg.Logger,
	}
	h.hold = NewHold(cfg.Logger, metrics, h.reexecutePull)
	return h
}

// Translator exposes the handler's topic translator.
func (h *Handler) Translator() *TopicTranslator { return h.translator }

// NotifyArrival forwards a backend-side arrival to the hold; the delay
// scheduler and replicated writers land messages the local producer path
// never sees.
func (h *Handler) NotifyArrival(topic string, queueID int32) {
	h.hold.NotifyArrival(topic, queueID)
}

// Close stops the hold worker.
func (h *Handler) Close() { h.hold.Close() }

// reexecutePull runs a parked pull again with suspension disabled and
// writes the result back on the original channel.
func (h *Handler) reexecutePull(c *Conn, req *wire.Command) {
	resp := h.handlePull(context.Background(), c, req, false)
	if resp == nil {
		return
	}
	if err := c.WriteCommand(resp); err != nil {
		h.logger.Warn("write of woken pull response failed",
			zap.String("remote", c.RemoteAddr()), zap.Error(err))
	}
}

// Dispatch routes one request to its handler and runs it on the calling
// goroutine, so a handler that blocks on the backend blocks Dispatch too; the
// server calls it from the send and pull executors for those requests.
func (h *Handler) Dispatch(ctx context.Context, c *Conn, req *wire.Command) (resp *wire.Command) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("handler panic",
				zap.Int16("code", req.Code),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			resp = wire.NewResponse(req, wire.SystemError, fmt.Sprint(r))
		}
	}()
	switch req.Code {
	case wire.SendMessage, wire.SendMessageV2, wire.SendBatchMessage:
		return h.handleSend(ctx, c, req)
	case wire.ConsumerSendMsgBack:
		return h.handleSendBack(ctx, c, req)
	case wire.PullMessage:
		return h.handlePull(ctx, c, req, true)
	case wire.GetRouteInfoByTopic:
		return h.handleRouteInfo(ctx, c, req)
	case wire.GetBrokerClusterInfo:
		return h.handleClusterInfo(ctx, c, req)
	case wire.HeartBeat:
		return h.handleHeartbeat(c, req)
	case wire.UnregisterClient:
		return h.handleUnregister(c, req)
	}
	return wire.NewResponse(req, wire.RequestCodeNotSupported,
		fmt.Sprintf("request code %d not supported", req.Code))
}

// heartbeatData is the JSON body of HEART_BEAT.
type heartbeatData struct {
	ClientID        string `json:"clientID"`
	ConsumerDataSet []struct {
		GroupName           string `json:"groupName"`
		MessageModel        string `json:"messageModel"`
		SubscriptionDataSet []struct {
			Topic          string `json:"topic"`
			SubString      string `json:"subString"`
			SubVersion     int64  `json:"subVersion"`
			ExpressionType string `json:"expressionType"`
		} `json:"subscriptionDataSet"`
	} `json:"consumerDataSet"`
}

func (h *Handler) handleHeartbeat(c *Conn, req *wire.Command) *wire.Command {
	var hb heartbeatData
	if err := json.Unmarshal(req.Body, &hb); err != nil {
		return wire.NewResponse(req, wire.SystemError, err.Error())
	}
	for _, cd := range hb.ConsumerDataSet {
		model := ModelClustering
		if cd.MessageModel == "BROADCASTING" {
			model = ModelBroadcasting
		}
		subs := make([]*Subscription, 0, len(cd.SubscriptionDataSet))
		for _, sd := range cd.SubscriptionDataSet {
			subs = append(subs, &Subscription{
				Topic:          sd.Topic,
				Expression:     sd.SubString,
				ExpressionType: sd.ExpressionType,
				Version:        sd.SubVersion,
			})
		}
		h.groups.Heartbeat(cd.GroupName, model, c.channelID, subs)
	}
	return wire.NewResponse(req, wire.Success, "")
}

func (h *Handler) handleUnregister(c *Conn, req *wire.Command) *wire.Command {
	if group := req.ExtFields["consumerGroup"]; group != "" {
		h.groups.Unregister(group, c.channelID)
	}
	return wire.NewResponse(req, wire.Success, "")
}

// Conn is one client connection: the socket, its session, and a serialized
// write path shared by the reader-loop responses and hold wakeups.
type Conn struct {
	netConn net.Conn
	session *Session

	channelID  ChannelID
	remoteAddr net.Addr
	localAddr  net.Addr

	writeMu sync.Mutex
	dead    atomic.Bool
}

// NewConn wraps an accepted socket.
func NewConn(nc net.Conn, session *Session) *Conn {
	c := &Conn{
		netConn:   nc,
		session:   session,
		channelID: NewChannelID(),
	}
	if nc != nil {
		c.remoteAddr = nc.RemoteAddr()
		c.localAddr = nc.LocalAddr()
	}
	return c
}

func (c *Conn) alive() bool { return !c.dead.Load() }

// RemoteAddr returns the client address string.
func (c *Conn) RemoteAddr() string {
	if c.remoteAddr == nil {
		return ""
	}
	return c.remoteAddr.String()
}

func (c *Conn) localPort() int {
	if tcp, ok := c.localAddr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// WriteCommand frames and writes one response. Writes from the reader loop
// and the hold pool interleave; the lock keeps frames whole.
func (c *Conn) WriteCommand(cmd *wire.Command) error {
	if !c.alive() {
		return ErrChannelDead
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.netConn == nil {
		return ErrChannelDead
	}
	return cmd.WriteTo(c.netConn)
}

func (c *Conn) close() {
	if c.dead.Swap(true) {
		return
	}
	if c.netConn != nil {
		c.netConn.Close()
	}
}

// executor is a bounded pool for blocking request handlers. Submission is
// guarded by an RWMutex and an atomic dead flag so a backed-up queue cannot
// block shutdown.
type executor struct {
	tasks chan func()
	dieMu sync.RWMutex
	dead  atomic.Bool
	wg    sync.WaitGroup
}

func newExecutor(workers, depth int) *executor {
	e := &executor{tasks: make(chan func(), depth)}
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer e.wg.Done()
			for task := range e.tasks {
				task()
			}
		}()
	}
	return e
}

// submit queues a task, reporting false after shutdown.
func (e *executor) submit(task func()) bool {
	ok := true
	e.dieMu.RLock()
	if e.dead.Load() {
		ok = false
	} else {
		e.tasks <- task
	}
	e.dieMu.RUnlock()
	return ok
}

func (e *executor) stop() {
	if e.dead.Swap(true) {
		return
	}
	// Drain waiters before locking so nothing sits on the rlock.
	go func() {
		for range e.tasks {
		}
	}()
	e.dieMu.Lock()
	e.dieMu.Unlock()
	close(e.tasks)
	e.wg.Wait()
}

// Server accepts legacy connections and pumps their frames through the
// Handler. One goroutine reads each connection; blocking pipelines run on
// the send and pull executors, never on the reader.
type Server struct {
	cfg      *Config
	handler  *Handler
	backend  backend.Client
	logger   *zap.Logger
	sendExec *executor
	pullExec *executor

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
}

// NewServer builds a Server around a handler.
func NewServer(cfg *Config, handler *Handler, bk backend.Client) *Server {
	return &Server{
		cfg:      cfg,
		handler:  handler,
		backend:  bk,
		logger:   cfg.Logger,
		sendExec: newExecutor(16, 1024),
		pullExec: newExecutor(16, 1024),
	}
}

// ListenAndServe opens every configured ingress port and serves until Close.
func (s *Server) ListenAndServe() error {
	if len(s.cfg.Listeners) == 0 {
		return fmt.Errorf("no listeners configured")
	}
	var wg sync.WaitGroup
	for _, port := range s.cfg.Listeners {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, l)
		s.mu.Unlock()
		s.logger.Info("listening", zap.Int("port", port))
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serve(l)
		}()
	}
	wg.Wait()
	return nil
}

func (s *Server) serve(l net.Listener) {
	for {
		nc, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Warn("accept failed", zap.Error(err))
			}
			return
		}
		go s.serveConn(nc)
	}
}

// ServeConn runs the read loop for one already-accepted connection.
// Exported for tests driving in-memory pipes.
func (s *Server) ServeConn(nc net.Conn) { s.serveConn(nc) }

func (s *Server) serveConn(nc net.Conn) {
	session := NewSession(string(NewChannelID()), nc.RemoteAddr().String(), s.cfg, s.backend, s.handler.translator)
	c := NewConn(nc, session)
	s.logger.Debug("connection opened", zap.String("remote", c.RemoteAddr()))

	defer func() {
		c.close()
		session.OnInactive()
		s.handler.groups.DropChannel(c.channelID)
		s.logger.Debug("connection closed", zap.String("remote", c.RemoteAddr()))
	}()

	ctx := context.Background()
	for {
		req, err := wire.ReadFrame(nc, s.cfg.MaxFrameSize)
		if err != nil {
			session.OnException(err, c.close)
			return
		}
		s.dispatchAsync(ctx, c, req)
	}
}

// dispatchAsync hands a request to the right lane. Send and pull block on
// the backend and must leave the reader; everything else answers inline.
func (s *Server) dispatchAsync(ctx context.Context, c *Conn, req *wire.Command) {
	run := func() {
		resp := s.handler.Dispatch(ctx, c, req)
		if resp == nil || req.IsOneway() {
			return
		}
		if err := c.WriteCommand(resp); err != nil {
			s.logger.Debug("response write failed", zap.String("remote", c.RemoteAddr()), zap.Error(err))
		}
	}
	var submitted bool
	switch req.Code {
	case wire.SendMessage, wire.SendMessageV2, wire.SendBatchMessage, wire.ConsumerSendMsgBack:
		submitted = s.sendExec.submit(run)
	case wire.PullMessage:
		submitted = s.pullExec.submit(run)
	default:
		run()
		return
	}
	if !submitted && !req.IsOneway() {
		resp := wire.NewResponse(req, wire.SystemBusy, ErrServerClosed.Error())
		if err := c.WriteCommand(resp); err != nil {
			s.logger.Debug("busy response write failed", zap.Error(err))
		}
	}
}

// Close stops accepting, stops the executors, and closes the hold.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()
	for _, l := range listeners {
		l.Close()
	}
	s.sendExec.stop()
	s.pullExec.stop()
	s.handler.Close()
}
