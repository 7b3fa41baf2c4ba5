package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aerugo/SimCash-sub000/internal/config"
	"github.com/aerugo/SimCash-sub000/internal/engine"
	"github.com/aerugo/SimCash-sub000/internal/event"
)

// Publisher mirrors each tick into Redis: events go to a stream, agent
// snapshots to a hash, and the tick summary to a pub/sub channel.
type Publisher struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
	logger zerolog.Logger
}

// NewClient opens a Redis client from configuration and pings it.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewPublisher wraps client. An empty prefix defaults to "simcash".
func NewPublisher(client redis.UniversalClient, prefix string, maxLen int64, logger zerolog.Logger) *Publisher {
	if prefix == "" {
		prefix = "simcash"
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		maxLen: maxLen,
		logger: logger.With().Str("component", "stream").Logger(),
	}
}

// EventsKey is the stream holding every event of a run.
func (p *Publisher) EventsKey(runID string) string {
	return fmt.Sprintf("%s:%s:events", p.prefix, runID)
}

// AgentsKey is the hash of the latest agent snapshots, keyed by agent id.
func (p *Publisher) AgentsKey(runID string) string {
	return fmt.Sprintf("%s:%s:agents", p.prefix, runID)
}

// TickKey holds the last published tick.
func (p *Publisher) TickKey(runID string) string {
	return fmt.Sprintf("%s:%s:tick", p.prefix, runID)
}

// SummaryChannel carries one message per tick.
func (p *Publisher) SummaryChannel(runID string) string {
	return fmt.Sprintf("%s:%s:ticks", p.prefix, runID)
}

// EventArgs builds the XADD arguments for one event.
func (p *Publisher) EventArgs(runID string, ev event.Event) (*redis.XAddArgs, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.EventsKey(runID),
		Values: map[string]any{
			"tick":  strconv.FormatInt(ev.Tick, 10),
			"seq":   strconv.Itoa(ev.Seq),
			"kind":  string(ev.Kind()),
			"event": string(body),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	return args, nil
}

// AgentFields encodes snapshots as hash fields.
func AgentFields(states []engine.AgentState) (map[string]any, error) {
	fields := make(map[string]any, len(states))
	for _, st := range states {
		body, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("encode agent %s: %w", st.Agent.ID, err)
		}
		fields[st.Agent.ID] = string(body)
	}
	return fields, nil
}

// PublishTick writes one tick in a single pipeline.
func (p *Publisher) PublishTick(ctx context.Context, runID string, te engine.TickEvents, states []engine.AgentState) error {
	summary, err := json.Marshal(struct {
		Tick    int64              `json:"tick"`
		Events  int                `json:"events"`
		Summary engine.TickSummary `json:"summary"`
	}{te.Tick, len(te.Events), te.Summary})
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	fields, err := AgentFields(states)
	if err != nil {
		return err
	}

	pipe := p.client.Pipeline()
	for _, ev := range te.Events {
		args, err := p.EventArgs(runID, ev)
		if err != nil {
			return err
		}
		pipe.XAdd(ctx, args)
	}
	if len(fields) > 0 {
		pipe.HSet(ctx, p.AgentsKey(runID), fields)
	}
	pipe.Set(ctx, p.TickKey(runID), te.Tick, 0)
	pipe.Publish(ctx, p.SummaryChannel(runID), summary)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish tick %d: %w", te.Tick, err)
	}
	p.logger.Debug().Str("run_id", runID).Int64("tick", te.Tick).Int("events", len(te.Events)).Msg("tick published")
	return nil
}

// LastTick reads the last published tick of a run; ok is false when none was.
func (p *Publisher) LastTick(ctx context.Context, runID string) (int64, bool, error) {
	v, err := p.client.Get(ctx, p.TickKey(runID)).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read last tick: %w", err)
	}
	return v, true, nil
}

// Close releases the underlying client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
