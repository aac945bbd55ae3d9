package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PulsarConfig configures the production backend.
type PulsarConfig struct {
	// ServiceURL is the broker service url, e.g. pulsar://localhost:6650.
	ServiceURL string
	// AdminURL is the web service url used for cluster queries, e.g.
	// http://localhost:8080.
	AdminURL string
	// Cluster is the backend cluster name.
	Cluster string
	// LocalBroker is this broker's advertised backend address, used for
	// ownership checks.
	LocalBroker string
	// OperationTimeout bounds client operations.
	OperationTimeout time.Duration
}

type pulsarClient struct {
	client  pulsar.Client
	cluster *pulsarCluster
	logger  *zap.Logger
}

// NewPulsarClient connects a Client backed by a Pulsar cluster.
func NewPulsarClient(cfg PulsarConfig, logger *zap.Logger) (Client, error) {
	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:              cfg.ServiceURL,
		OperationTimeout: cfg.OperationTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", cfg.ServiceURL)
	}
	return &pulsarClient{
		client: client,
		cluster: &pulsarCluster{
			adminURL:    strings.TrimSuffix(cfg.AdminURL, "/"),
			cluster:     cfg.Cluster,
			localBroker: cfg.LocalBroker,
			http:        &http.Client{Timeout: cfg.OperationTimeout},
		},
		logger: logger,
	}, nil
}

func (c *pulsarClient) CreatePublisher(opts PublisherOptions, topic string) (Publisher, error) {
	p, err := c.client.CreateProducer(pulsar.ProducerOptions{
		Topic:                   topic,
		Name:                    opts.Name,
		SendTimeout:             opts.SendTimeout,
		MaxPendingMessages:      opts.MaxPending,
		DisableBatching:         !opts.Batching,
		BatchingMaxPublishDelay: opts.BatchingMaxDelay,
		BatchingMaxMessages:     uint(opts.BatchingMaxMessages),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create producer on %s", topic)
	}
	c.logger.Debug("backend producer created", zap.String("topic", topic), zap.String("name", opts.Name))
	return &pulsarPublisher{p: p}, nil
}

func (c *pulsarClient) CreateReader(opts ReaderOptions, topic string) (Reader, error) {
	r, err := c.client.CreateReader(pulsar.ReaderOptions{
		Topic:                   topic,
		Name:                    opts.Name,
		StartMessageID:          toPulsarID(opts.Start),
		StartMessageIDInclusive: opts.Inclusive,
		ReceiverQueueSize:       opts.ReceiverQueueSize,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create reader on %s", topic)
	}
	c.logger.Debug("backend reader created", zap.String("topic", topic), zap.String("name", opts.Name))
	return &pulsarReader{r: r}, nil
}

func (c *pulsarClient) Cluster() ClusterView { return c.cluster }

func (c *pulsarClient) Close() { c.client.Close() }

func toPulsarID(id MessageID) pulsar.MessageID {
	switch id {
	case EarliestMessageID:
		return pulsar.EarliestMessageID()
	case LatestMessageID:
		return pulsar.LatestMessageID()
	}
	return pulsar.NewMessageID(id.LedgerID, id.EntryID, -1, id.PartitionID)
}

func fromPulsarID(id pulsar.MessageID) MessageID {
	return MessageID{
		LedgerID:    id.LedgerID(),
		EntryID:     id.EntryID(),
		PartitionID: id.PartitionIdx(),
	}
}

type pulsarPublisher struct{ p pulsar.Producer }

func (p *pulsarPublisher) Send(ctx context.Context, payload []byte, properties map[string]string) (MessageID, error) {
	id, err := p.p.Send(ctx, &pulsar.ProducerMessage{Payload: payload, Properties: properties})
	if err != nil {
		return MessageID{}, err
	}
	return fromPulsarID(id), nil
}

func (p *pulsarPublisher) SendAsync(ctx context.Context, payload []byte, properties map[string]string, callback func(MessageID, error)) {
	p.p.SendAsync(ctx, &pulsar.ProducerMessage{Payload: payload, Properties: properties},
		func(id pulsar.MessageID, _ *pulsar.ProducerMessage, err error) {
			if err != nil {
				callback(MessageID{}, err)
				return
			}
			callback(fromPulsarID(id), nil)
		})
}

func (p *pulsarPublisher) Close() { p.p.Close() }

type pulsarReader struct{ r pulsar.Reader }

func (r *pulsarReader) Next(ctx context.Context) (*Message, error) {
	msg, err := r.r.Next(ctx)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:          fromPulsarID(msg.ID()),
		Payload:     msg.Payload(),
		Properties:  msg.Properties(),
		PublishTime: msg.PublishTime(),
		EventTime:   msg.EventTime(),
	}, nil
}

func (r *pulsarReader) Seek(id MessageID) error { return r.r.Seek(toPulsarID(id)) }

func (r *pulsarReader) SeekByTime(ts time.Time) error { return r.r.SeekByTime(ts) }

func (r *pulsarReader) Close() { r.r.Close() }

// pulsarCluster answers cluster queries over the admin REST surface; the
// streaming client does not expose membership or lookup.
type pulsarCluster struct {
	adminURL    string
	cluster     string
	localBroker string
	http        *http.Client
}

func (c *pulsarCluster) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.adminURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *pulsarCluster) ActiveBrokers(ctx context.Context) ([]string, error) {
	var brokers []string
	err := c.getJSON(ctx, "/admin/v2/brokers/"+url.PathEscape(c.cluster), &brokers)
	return brokers, err
}

func (c *pulsarCluster) BrokerInfo(ctx context.Context, address string) (*BrokerInfo, error) {
	// The per-broker view is served from internal configuration; the
	// advertised listener set comes back keyed by listener name.
	var raw struct {
		AdvertisedListeners map[string]struct {
			BrokerServiceURL string `json:"brokerServiceUrl"`
		} `json:"advertisedListeners"`
	}
	path := "/admin/v2/brokers/" + url.PathEscape(c.cluster) + "/" + url.PathEscape(address) + "/runtime-configuration"
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}
	info := &BrokerInfo{Address: address, AdvertisedListeners: make(map[string]string)}
	for name, l := range raw.AdvertisedListeners {
		info.AdvertisedListeners[name] = l.BrokerServiceURL
	}
	return info, nil
}

func (c *pulsarCluster) PartitionOwners(ctx context.Context, topic string) (map[int32]string, error) {
	n, err := c.Partitions(ctx, topic)
	if err != nil {
		return nil, err
	}
	owners := make(map[int32]string, n)
	for i := 0; i < n; i++ {
		var lookup struct {
			BrokerURL string `json:"brokerUrl"`
		}
		path := "/lookup/v2/topic/" + topicLookupPath(topic) + "-partition-" + fmt.Sprint(i)
		if err := c.getJSON(ctx, path, &lookup); err != nil {
			return nil, err
		}
		owners[int32(i)] = strings.TrimPrefix(lookup.BrokerURL, "pulsar://")
	}
	return owners, nil
}

func (c *pulsarCluster) Partitions(ctx context.Context, topic string) (int, error) {
	var meta struct {
		Partitions int `json:"partitions"`
	}
	path := "/admin/v2/persistent/" + topicAdminPath(topic) + "/partitions"
	if err := c.getJSON(ctx, path, &meta); err != nil {
		return 0, err
	}
	return meta.Partitions, nil
}

func (c *pulsarCluster) OwnsPartition(ctx context.Context, partitionedTopic string) (bool, error) {
	var lookup struct {
		BrokerURL string `json:"brokerUrl"`
	}
	if err := c.getJSON(ctx, "/lookup/v2/topic/"+topicLookupPath(partitionedTopic), &lookup); err != nil {
		return false, err
	}
	return strings.TrimPrefix(lookup.BrokerURL, "pulsar://") == c.localBroker, nil
}

// topicAdminPath turns persistent://tenant/ns/topic into tenant/ns/topic.
func topicAdminPath(topic string) string {
	return strings.TrimPrefix(topic, "persistent://")
}

// topicLookupPath turns persistent://tenant/ns/topic into
// persistent/tenant/ns/topic.
func topicLookupPath(topic string) string {
	return "persistent/" + topicAdminPath(topic)
}
