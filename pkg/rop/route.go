package rop

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/bridgemq/rockgate/pkg/wire"
)

// BrokerData is one broker entry of a legacy topic route.
type BrokerData struct {
	Cluster     string           `json:"cluster"`
	BrokerName  string           `json:"brokerName"`
	BrokerAddrs map[int64]string `json:"brokerAddrs"`
}

// QueueData is one queue entry of a legacy topic route.
type QueueData struct {
	BrokerName     string `json:"brokerName"`
	ReadQueueNums  int32  `json:"readQueueNums"`
	WriteQueueNums int32  `json:"writeQueueNums"`
	Perm           int    `json:"perm"`
	TopicSysFlag   int32  `json:"topicSysFlag"`
}

// TopicRouteData is the legacy route answer.
type TopicRouteData struct {
	OrderTopicConf string        `json:"orderTopicConf"`
	QueueDatas     []*QueueData  `json:"queueDatas"`
	BrokerDatas    []*BrokerData `json:"brokerDatas"`
}

// ClusterInfo is the legacy cluster view answer.
type ClusterInfo struct {
	BrokerAddrTable  map[string]*BrokerData `json:"brokerAddrTable"`
	ClusterAddrTable map[string][]string    `json:"clusterAddrTable"`
}

// handleRouteInfo serves GET_ROUTEINFO_BY_TOPIC. Asking for the cluster
// name itself returns one random live broker, a legacy convenience used for
// topic creation; anything else synthesizes broker and queue data from the
// backend's partition ownership, advertised through the listener set the
// client's ingress port selects.
func (h *Handler) handleRouteInfo(ctx context.Context, c *Conn, req *wire.Command) *wire.Command {
	topicName := req.ExtFields["topic"]
	if topicName == "" {
		return wire.NewResponse(req, wire.SystemError, "topic is empty")
	}
	listener := h.cfg.ListenerNameForPort(c.localPort())

	if topicName == h.cfg.ClusterName {
		route, err := h.clusterRoute(ctx, listener)
		if err != nil {
			h.logger.Warn("cluster route lookup failed", zap.Error(err))
			return wire.NewResponse(req, wire.SystemError, err.Error())
		}
		return routeResponse(req, route)
	}

	topic := h.translator.Parse(topicName)
	owners, err := h.cluster.PartitionOwners(ctx, topic.FullName())
	if err != nil {
		h.logger.Warn("route lookup failed", zap.String("topic", topicName), zap.Error(err))
		return wire.NewResponse(req, wire.TopicNotExist,
			fmt.Sprintf("no route info of this topic: %s", topicName))
	}
	if len(owners) == 0 {
		return wire.NewResponse(req, wire.TopicNotExist,
			fmt.Sprintf("no route info of this topic: %s", topicName))
	}

	// One BrokerData per distinct owner; queue counts are the partitions
	// that owner holds.
	perBroker := make(map[string]int32)
	for _, addr := range owners {
		perBroker[addr]++
	}
	brokers := make([]string, 0, len(perBroker))
	for addr := range perBroker {
		brokers = append(brokers, addr)
	}
	sort.Strings(brokers)

	route := &TopicRouteData{}
	for _, addr := range brokers {
		endpoint, err := h.advertisedEndpoint(ctx, addr, listener)
		if err != nil {
			h.logger.Warn("listener resolution failed",
				zap.String("broker", addr), zap.String("listener", listener), zap.Error(err))
			continue
		}
		name := brokerNameFor(h.cfg.ClusterName, addr)
		route.BrokerDatas = append(route.BrokerDatas, &BrokerData{
			Cluster:     h.cfg.ClusterName,
			BrokerName:  name,
			BrokerAddrs: map[int64]string{0: endpoint},
		})
		route.QueueDatas = append(route.QueueDatas, &QueueData{
			BrokerName:     name,
			ReadQueueNums:  perBroker[addr],
			WriteQueueNums: perBroker[addr],
			Perm:           h.cfg.BrokerPermission,
		})
	}
	if len(route.BrokerDatas) == 0 {
		return wire.NewResponse(req, wire.TopicNotExist,
			fmt.Sprintf("no route info of this topic: %s", topicName))
	}
	return routeResponse(req, route)
}

func (h *Handler) clusterRoute(ctx context.Context, listener string) (*TopicRouteData, error) {
	active, err := h.cluster.ActiveBrokers(ctx)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("no active broker in cluster %s", h.cfg.ClusterName)
	}
	addr := active[rand.Intn(len(active))]
	endpoint, err := h.advertisedEndpoint(ctx, addr, listener)
	if err != nil {
		return nil, err
	}
	name := brokerNameFor(h.cfg.ClusterName, addr)
	return &TopicRouteData{
		BrokerDatas: []*BrokerData{{
			Cluster:     h.cfg.ClusterName,
			BrokerName:  name,
			BrokerAddrs: map[int64]string{0: endpoint},
		}},
		QueueDatas: []*QueueData{{
			BrokerName:     name,
			ReadQueueNums:  1,
			WriteQueueNums: 1,
			Perm:           h.cfg.BrokerPermission,
		}},
	}, nil
}

// advertisedEndpoint resolves a backend broker's endpoint for a listener
// name. An empty listener name falls back to the broker's raw address.
func (h *Handler) advertisedEndpoint(ctx context.Context, addr, listener string) (string, error) {
	if listener == "" {
		return addr, nil
	}
	info, err := h.cluster.BrokerInfo(ctx, addr)
	if err != nil {
		return "", err
	}
	endpoint, ok := info.AdvertisedListeners[listener]
	if !ok {
		return "", fmt.Errorf("broker %s advertises no listener %q", addr, listener)
	}
	return endpoint, nil
}

func brokerNameFor(cluster, addr string) string {
	return cluster + "-" + addr
}

func routeResponse(req *wire.Command, route *TopicRouteData) *wire.Command {
	body, err := json.Marshal(route)
	if err != nil {
		return wire.NewResponse(req, wire.SystemError, err.Error())
	}
	resp := wire.NewResponse(req, wire.Success, "")
	resp.Body = body
	return resp
}

// handleClusterInfo serves GET_BROKER_CLUSTER_INFO from the same cluster
// view the route responder consults.
func (h *Handler) handleClusterInfo(ctx context.Context, c *Conn, req *wire.Command) *wire.Command {
	active, err := h.cluster.ActiveBrokers(ctx)
	if err != nil {
		return wire.NewResponse(req, wire.SystemError, err.Error())
	}
	listener := h.cfg.ListenerNameForPort(c.localPort())
	info := &ClusterInfo{
		BrokerAddrTable:  make(map[string]*BrokerData),
		ClusterAddrTable: map[string][]string{h.cfg.ClusterName: {}},
	}
	for _, addr := range active {
		endpoint, err := h.advertisedEndpoint(ctx, addr, listener)
		if err != nil {
			continue
		}
		name := brokerNameFor(h.cfg.ClusterName, addr)
		info.BrokerAddrTable[name] = &BrokerData{
			Cluster:     h.cfg.ClusterName,
			BrokerName:  name,
			BrokerAddrs: map[int64]string{0: endpoint},
		}
		info.ClusterAddrTable[h.cfg.ClusterName] = append(info.ClusterAddrTable[h.cfg.ClusterName], name)
	}
	body, err := json.Marshal(info)
	if err != nil {
		return wire.NewResponse(req, wire.SystemError, err.Error())
	}
	resp := wire.NewResponse(req, wire.Success, "")
	resp.Body = body
	return resp
}
