package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/itskum47/neuralhub/control_plane/errs"
	"github.com/itskum47/neuralhub/control_plane/observability"
	"github.com/redis/go-redis/v9"
)

// maxMetricsPerList bounds each metrics list kept in Redis.
const maxMetricsPerList = 1000

// maxWatchRetries bounds optimistic read-modify-write attempts.
const maxWatchRetries = 5

// RedisStore implements Store and KV using Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	return newRedisStore(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisStoreFromURL accepts a redis:// or rediss:// URL.
func NewRedisStoreFromURL(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return newRedisStore(opts)
}

func newRedisStore(opts *redis.Options) (*RedisStore, error) {
	client := redis.NewClient(opts)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	log.Printf("[STORE] Connected to Redis at %s (db %d)", opts.Addr, opts.DB)
	return &RedisStore{client: client}, nil
}

// Client exposes the underlying connection so the stream broker can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func observeRedis(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// timeScore orders index members by time. Microseconds stay exact in a float64.
func timeScore(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// --- Generic helpers ---

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// loadIndexed resolves every id in an index sorted set, oldest first.
// decode is called once per stored value; ids whose record is gone are skipped.
func (s *RedisStore) loadIndexed(ctx context.Context, indexKey string, resource Resource, decode func([]byte) error) error {
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = Key(resource, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return err
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		if err := decode([]byte(str)); err != nil {
			log.Printf("[STORE] Skipping corrupt record %s: %v", keys[i], err)
		}
	}
	return nil
}

// update performs an optimistic read-modify-write of a JSON record.
// mutate receives the decoded value and returns the value to store.
func (s *RedisStore) update(ctx context.Context, key string, mutate func(data []byte) (any, error)) error {
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			data = nil
		} else if err != nil {
			return err
		}

		next, err := mutate(data)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("concurrent modification of %s", key)
}

// --- Product Operations ---

func (s *RedisStore) UpsertProduct(ctx context.Context, p *Product) error {
	defer observeRedis(time.Now())

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal product: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, Key(ResourceProduct, p.ID), data, 0)
		// NX keeps the first registration position
		pipe.ZAddNX(ctx, IndexKey(ResourceProduct), redis.Z{Score: timeScore(p.RegisteredAt), Member: p.ID})
		return nil
	})
	return err
}

func (s *RedisStore) ListProducts(ctx context.Context) ([]*Product, error) {
	defer observeRedis(time.Now())

	products := make([]*Product, 0)
	err := s.loadIndexed(ctx, IndexKey(ResourceProduct), ResourceProduct, func(data []byte) error {
		var p Product
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		products = append(products, &p)
		return nil
	})
	return products, err
}

// --- Agent Operations ---

func (s *RedisStore) UpsertAgent(ctx context.Context, a *Agent) error {
	defer observeRedis(time.Now())

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, Key(ResourceAgent, a.ID), data, 0)
		pipe.ZAddNX(ctx, IndexKey(ResourceAgent), redis.Z{Score: timeScore(a.CreatedAt), Member: a.ID})
		return nil
	})
	return err
}

func (s *RedisStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	defer observeRedis(time.Now())

	var a Agent
	found, err := s.getJSON(ctx, Key(ResourceAgent, agentID), &a)
	if err != nil || !found {
		return nil, err
	}
	return &a, nil
}

func (s *RedisStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	defer observeRedis(time.Now())

	agents := make([]*Agent, 0)
	err := s.loadIndexed(ctx, IndexKey(ResourceAgent), ResourceAgent, func(data []byte) error {
		var a Agent
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		if filter.Match(&a) {
			agents = append(agents, &a)
		}
		return nil
	})
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, err
}

func (s *RedisStore) TouchAgent(ctx context.Context, agentID string, t time.Time, status AgentStatus) error {
	defer observeRedis(time.Now())

	return s.update(ctx, Key(ResourceAgent, agentID), func(data []byte) (any, error) {
		if data == nil {
			return nil, errs.NotFound("agent", agentID)
		}
		var a Agent
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		a.LastSeen = t
		a.UpdatedAt = t
		if status != "" {
			a.Status = status
		}
		return &a, nil
	})
}

// --- Metric Operations ---

// AppendMetric pushes the sample onto both its typed list and the agent's
// combined list, trimming each to the most recent samples.
func (s *RedisStore) AppendMetric(ctx context.Context, m *AgentMetric) error {
	defer observeRedis(time.Now())

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal metric: %w", err)
	}
	typed := MetricsKey(m.AgentID, m.MetricType)
	all := MetricsKey(m.AgentID, "")

	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, typed, data)
		pipe.LTrim(ctx, typed, 0, maxMetricsPerList-1)
		pipe.LPush(ctx, all, data)
		pipe.LTrim(ctx, all, 0, maxMetricsPerList-1)
		return nil
	})
	return err
}

func (s *RedisStore) ListMetrics(ctx context.Context, agentID string, metricType MetricType, limit int) ([]*AgentMetric, error) {
	defer observeRedis(time.Now())

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	values, err := s.client.LRange(ctx, MetricsKey(agentID, metricType), 0, stop).Result()
	if err != nil {
		return nil, err
	}

	metrics := make([]*AgentMetric, 0, len(values))
	for _, v := range values {
		var m AgentMetric
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			continue
		}
		metrics = append(metrics, &m)
	}
	return metrics, nil
}

// --- Alert Operations ---

func (s *RedisStore) CreateAlert(ctx context.Context, alert *AgentAlert) error {
	defer observeRedis(time.Now())

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, Key(ResourceAlert, alert.ID), data, 0)
		pipe.ZAddNX(ctx, AgentIndexKey(alert.AgentID, ResourceAlert), redis.Z{Score: timeScore(alert.CreatedAt), Member: alert.ID})
		return nil
	})
	return err
}

func (s *RedisStore) ListAlerts(ctx context.Context, agentID string, resolved *bool) ([]*AgentAlert, error) {
	defer observeRedis(time.Now())

	alerts := make([]*AgentAlert, 0)
	err := s.loadIndexed(ctx, AgentIndexKey(agentID, ResourceAlert), ResourceAlert, func(data []byte) error {
		var a AgentAlert
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		if resolved == nil || a.Resolved == *resolved {
			alerts = append(alerts, &a)
		}
		return nil
	})
	return alerts, err
}

func (s *RedisStore) ResolveAlert(ctx context.Context, agentID string, alertID string, at time.Time) (*AgentAlert, error) {
	defer observeRedis(time.Now())

	var resolved AgentAlert
	err := s.update(ctx, Key(ResourceAlert, alertID), func(data []byte) (any, error) {
		if data == nil {
			return nil, errs.NotFound("alert", alertID)
		}
		if err := json.Unmarshal(data, &resolved); err != nil {
			return nil, err
		}
		if resolved.AgentID != agentID {
			return nil, errs.NotFound("alert", alertID)
		}
		if !resolved.Resolved {
			resolved.Resolved = true
			resolved.ResolvedAt = &at
		}
		return &resolved, nil
	})
	if err != nil {
		return nil, err
	}
	return &resolved, nil
}

// --- Command Operations ---

func (s *RedisStore) CreateCommand(ctx context.Context, cmd *AgentCommand) error {
	defer observeRedis(time.Now())

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, Key(ResourceCommand, cmd.ID), data, 0)
		pipe.ZAddNX(ctx, AgentIndexKey(cmd.AgentID, ResourceCommand), redis.Z{Score: timeScore(cmd.CreatedAt), Member: cmd.ID})
		return nil
	})
	return err
}

func (s *RedisStore) GetCommand(ctx context.Context, commandID string) (*AgentCommand, error) {
	defer observeRedis(time.Now())

	var c AgentCommand
	found, err := s.getJSON(ctx, Key(ResourceCommand, commandID), &c)
	if err != nil || !found {
		return nil, err
	}
	return &c, nil
}

func (s *RedisStore) ListCommands(ctx context.Context, agentID string, status CommandStatus) ([]*AgentCommand, error) {
	defer observeRedis(time.Now())

	commands := make([]*AgentCommand, 0)
	err := s.loadIndexed(ctx, AgentIndexKey(agentID, ResourceCommand), ResourceCommand, func(data []byte) error {
		var c AgentCommand
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		if status == "" || c.Status == status {
			commands = append(commands, &c)
		}
		return nil
	})
	return commands, err
}

// TransitionCommand uses WATCH so two concurrent transitions cannot both
// succeed from the same starting status.
func (s *RedisStore) TransitionCommand(ctx context.Context, commandID string, u CommandUpdate) (*AgentCommand, error) {
	defer observeRedis(time.Now())

	var cmd AgentCommand
	err := s.update(ctx, Key(ResourceCommand, commandID), func(data []byte) (any, error) {
		if data == nil {
			return nil, errs.NotFound("command", commandID)
		}
		cmd = AgentCommand{}
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, err
		}
		if err := cmd.Apply(u); err != nil {
			return nil, err
		}
		return &cmd, nil
	})
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// --- KV Operations ---

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	defer observeRedis(time.Now())

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	defer observeRedis(time.Now())
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())
	return s.client.SetNX(ctx, key, value, ttl).Result()
}
