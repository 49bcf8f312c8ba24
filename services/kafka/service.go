package kafka

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	kafka "github.com/segmentio/kafka-go"

	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/keyvalue"
	"github.com/tradewire/tradewire/server/vars"
)

const (
	statWriteMessageCount = "write_messages"
	statWriteErrorCount   = "write_errors"
)

// messageBuffer is how many inbound messages may queue before the
// consumer loops block.
const messageBuffer = 64

type Diagnostic interface {
	WithContext(ctx ...keyvalue.T) Diagnostic
	InsecureSkipVerify()

	Error(msg string, err error)
	ConsumerStarted(cluster, topic string)
	ConsumerStopped(cluster string)
}

// Fetcher consumes messages from a command topic. It is implemented by
// kafka.Reader.
type Fetcher interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// NewFetcher creates the command topic consumer, replaceable for tests.
var NewFetcher = func(c Config) (Fetcher, error) {
	rc, err := c.ReaderConfig()
	if err != nil {
		return nil, err
	}
	return kafka.NewReader(rc), nil
}

type Cluster struct {
	mu  sync.RWMutex
	cfg Config

	writers map[string]*writer
}

// writer wraps a kafka.Writer and tracks stats
type writer struct {
	// Accessed with atomic, keep first for alignment.
	messageCount int64
	errorCount   int64

	kafka *kafka.Writer

	cluster,
	topic string

	wg   sync.WaitGroup
	done chan struct{}

	statsKey string
	ticker   *time.Ticker
}

func (w *writer) Open() {
	statsKey, statsMap := vars.NewStatistic("kafka", map[string]string{
		"cluster": w.cluster,
		"topic":   w.topic,
	})
	w.statsKey = statsKey
	statsMap.Set(statWriteErrorCount, &writeErrorCount{w: w})
	statsMap.Set(statWriteMessageCount, &writeMessageCount{w: w})

	w.ticker = time.NewTicker(time.Second)
	w.done = make(chan struct{})
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollStats()
	}()
}

func (w *writer) Close() {
	close(w.done)
	w.ticker.Stop()
	vars.DeleteStatistic(w.statsKey)
	w.kafka.Close()
	w.wg.Wait()
}

// pollStats periodically reads the writer Stats and accumulates the results.
// A read operation on the kafka.Writer.Stats() method causes the internal
// counters to be reset, so all reads go through this method.
func (w *writer) pollStats() {
	for {
		select {
		case <-w.done:
			return
		case <-w.ticker.C:
			stats := w.kafka.Stats()
			atomic.AddInt64(&w.messageCount, stats.Messages)
			atomic.AddInt64(&w.errorCount, stats.Errors)
		}
	}
}

// writeMessageCount implements the kexpvar.IntVar to expose message counts.
type writeMessageCount struct {
	w *writer
}

func (w *writeMessageCount) IntValue() int64 {
	return atomic.LoadInt64(&w.w.messageCount)
}
func (w *writeMessageCount) String() string {
	return strconv.FormatInt(w.IntValue(), 10)
}

// writeErrorCount implements the kexpvar.IntVar to expose error counts.
type writeErrorCount struct {
	w *writer
}

func (w *writeErrorCount) IntValue() int64 {
	return atomic.LoadInt64(&w.w.errorCount)
}
func (w *writeErrorCount) String() string {
	return strconv.FormatInt(w.IntValue(), 10)
}

func NewCluster(c Config) *Cluster {
	return &Cluster{
		cfg:     c,
		writers: make(map[string]*writer),
	}
}

func (c *Cluster) WriteMessage(ctx context.Context, topic string, key, msg []byte) error {
	w, err := c.writer(topic)
	if err != nil {
		return err
	}
	return w.kafka.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: msg,
	})
}

func (c *Cluster) writer(topic string) (*writer, error) {
	c.mu.RLock()
	w, ok := c.writers[topic]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		defer c.mu.Unlock()
		w, ok = c.writers[topic]
		if !ok {
			wc, err := c.cfg.WriterConfig(topic)
			if err != nil {
				return nil, err
			}
			w = &writer{
				kafka:   kafka.NewWriter(wc),
				cluster: c.cfg.ID,
				topic:   topic,
			}
			w.Open()
			c.writers[topic] = w
		}
	}
	return w, nil
}

func (c *Cluster) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.writers {
		w.Close()
	}
}

type Service struct {
	mu       sync.Mutex
	clusters map[string]*Cluster
	diag     Diagnostic

	messages chan channel.RawMessage

	opened        bool
	consumeCancel context.CancelFunc
	wg            sync.WaitGroup
}

func NewService(cs Configs, d Diagnostic) *Service {
	clusters := make(map[string]*Cluster, len(cs))
	for _, c := range cs {
		if !c.Enabled {
			continue
		}
		if c.InsecureSkipVerify {
			d.InsecureSkipVerify()
		}
		c.ApplyConditionalDefaults()
		clusters[c.ID] = NewCluster(c)
	}
	return &Service{
		diag:     d,
		clusters: clusters,
		messages: make(chan channel.RawMessage, messageBuffer),
	}
}

func (s *Service) Cluster(id string) (*Cluster, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[id]
	return c, ok
}

func (s *Service) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	s.opened = true

	ctx, cancel := context.WithCancel(context.Background())
	s.consumeCancel = cancel
	started := false
	for _, c := range s.clusters {
		if c.cfg.CommandTopic == "" {
			continue
		}
		f, err := NewFetcher(c.cfg)
		if err != nil {
			cancel()
			return errors.Wrapf(err, "failed to create consumer for kafka cluster %q", c.cfg.ID)
		}
		started = true
		s.wg.Add(1)
		go s.runConsumer(ctx, c.cfg, f)
	}
	if !started {
		cancel()
	}
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false

	if s.consumeCancel != nil {
		s.consumeCancel()
	}
	s.wg.Wait()
	for _, c := range s.clusters {
		c.Close()
	}
	close(s.messages)
	return nil
}

func (s *Service) runConsumer(ctx context.Context, c Config, f Fetcher) {
	defer s.wg.Done()
	defer f.Close()

	s.diag.ConsumerStarted(c.ID, c.CommandTopic)
	defer s.diag.ConsumerStopped(c.ID)

	reply := c.commandReplyTopic()
	if c.ID != DefaultID {
		reply = c.ID + ":" + reply
	}
	for {
		m, err := f.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.diag.Error("failed to read kafka command message", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		msg := channel.RawMessage{
			Destination: reply,
			Sender:      string(m.Key),
			Text:        string(m.Value),
			Correlation: strconv.FormatInt(m.Offset, 10),
			Time:        m.Time.UTC(),
		}
		select {
		case s.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// receiving reports whether any cluster consumes a command topic.
func (s *Service) receiving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clusters {
		if c.cfg.CommandTopic != "" {
			return true
		}
	}
	return false
}

// Adapter returns the channel adapter. Destination ids take the form
// [cluster:]topic; the cluster defaults to the "default" cluster.
func (s *Service) Adapter() channel.Adapter {
	if s.receiving() {
		return &duplexAdapter{sendAdapter{s: s}}
	}
	return &sendAdapter{s: s}
}

type sendAdapter struct {
	s *Service
}

func (a *sendAdapter) Send(ctx context.Context, destinationID string, m channel.Message) error {
	return a.s.Send(ctx, destinationID, m)
}

type duplexAdapter struct {
	sendAdapter
}

func (a *duplexAdapter) Receive() <-chan channel.RawMessage {
	return a.s.messages
}

// Send produces one message to the topic named by the destination id.
func (s *Service) Send(ctx context.Context, destinationID string, m channel.Message) error {
	cluster, topic, err := s.resolve(destinationID)
	if err != nil {
		return channel.WrapTransportError(channel.KindMalformed, err, "invalid kafka destination")
	}
	if err := cluster.WriteMessage(ctx, topic, []byte(m.Correlation), []byte(m.Text)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return writeError(err)
	}
	return nil
}

func (s *Service) resolve(destinationID string) (*Cluster, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clusters) == 0 {
		return nil, "", errors.New("no kafka cluster configured")
	}

	// Topic names cannot contain a colon, so any colon separates a
	// cluster id prefix from the topic.
	id, topic := DefaultID, destinationID
	if i := strings.Index(destinationID, ":"); i >= 0 {
		id, topic = destinationID[:i], destinationID[i+1:]
	}
	c, ok := s.clusters[id]
	if !ok {
		return nil, "", errors.Errorf("unknown kafka cluster %q", id)
	}
	if topic == "" {
		return nil, "", errors.New("no topic provided")
	}
	return c, topic, nil
}

func writeError(err error) error {
	var ke kafka.Error
	if errors.As(err, &ke) {
		switch ke {
		case kafka.SASLAuthenticationFailed, kafka.TopicAuthorizationFailed, kafka.ClusterAuthorizationFailed:
			return channel.WrapTransportError(channel.KindAuthRejected, err, "kafka produce rejected")
		case kafka.UnknownTopicOrPartition, kafka.InvalidTopic:
			return channel.WrapTransportError(channel.KindMalformed, err, "kafka produce rejected")
		}
	}
	return channel.WrapTransportError(channel.KindUnreachable, err, "kafka produce failed")
}
