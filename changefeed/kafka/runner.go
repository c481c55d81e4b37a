package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/sllopis/geoquery/internal/observability"
	"github.com/sllopis/geoquery/store"
)

type Config struct {
	Enabled          bool
	Brokers          []string
	Topic            string
	GroupID          string
	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool
}

// ParseBrokers splits a comma-separated broker list from the env.
func ParseBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

type Runner struct {
	log    *slog.Logger
	cfg    Config
	st     store.Store
	hist   *eventHistory
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type Options struct {
	Logger *slog.Logger
}

func New(cfg Config, st store.Store, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:  opts.Logger,
		cfg:  cfg,
		st:   st,
		hist: newEventHistory(8192),
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.log.Info("changefeed runner disabled")
		return nil
	}
	if r.st == nil {
		return errors.New("kafka runner: store dependency is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	if r.cfg.SessionTimeout > 0 {
		cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	}
	if r.cfg.Heartbeat > 0 {
		cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	}
	if r.cfg.RebalanceTimeout > 0 {
		cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	}
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{process: r.handleMessage}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka changefeed runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka changefeed runner stopped")
}

func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	if !msg.Timestamp.IsZero() {
		observability.SetChangefeedLag(time.Since(msg.Timestamp).Seconds())
	}

	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.ObserveChangefeedMessage(opLabel(ev.Op), "rejected", time.Since(start).Seconds())
		return fmt.Errorf("decode: %w", err)
	}
	if err := ev.Validate(); err != nil {
		observability.ObserveChangefeedMessage(opLabel(ev.Op), "rejected", time.Since(start).Seconds())
		return fmt.Errorf("validate: %w", err)
	}

	outcome, err := r.apply(ctx, ev)
	observability.ObserveChangefeedMessage(ev.Op, outcome, time.Since(start).Seconds())
	return err
}

func (r *Runner) apply(ctx context.Context, ev Event) (string, error) {
	if !r.hist.advances(ev) {
		return "stale", nil
	}

	switch ev.Op {
	case OpPut:
		if err := r.st.Put(ctx, ev.Collection, store.Document{ID: ev.ID, Fields: ev.Fields}); err != nil {
			return "error", fmt.Errorf("apply put %s/%s: %w", ev.Collection, ev.ID, err)
		}
	case OpDelete:
		if err := r.st.Delete(ctx, ev.Collection, ev.ID); err != nil {
			return "error", fmt.Errorf("apply delete %s/%s: %w", ev.Collection, ev.ID, err)
		}
	}
	return "applied", nil
}

// opLabel keeps the metric label space closed when a message never made
// it past decoding or validation.
func opLabel(op string) string {
	switch op {
	case OpPut, OpDelete:
		return op
	}
	return "unknown"
}

type groupHandler struct {
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
