// Package cache is the local persistence backstop: conversation sets,
// in-flight run ids, and UI selection state survive reloads here even
// when the remote control plane is unreachable.
package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack"

	"agentboard/internal/model"
)

type Cache struct {
	client *redis.Client
}

func New(redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, errors.Wrap(err, "parse cache redis url")
	}
	return &Cache{client: redis.NewClient(opts)}, nil
}

// NewWithClient wires an existing client, used by tests and by the push
// subscriber which shares the same Redis.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) Ping(ctx context.Context) error {
	return errors.Wrap(c.client.Ping(ctx).Err(), "cache ping")
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func conversationsKey(project string) string {
	return fmt.Sprintf("agentboard:%s:conversations", project)
}

func runsKey(project string) string {
	return fmt.Sprintf("agentboard:%s:runs", project)
}

func selectedKey(project string) string {
	return fmt.Sprintf("agentboard:%s:selected", project)
}

// WriteConversations serializes the whole conversation set for one
// project. Called synchronously on every log mutation.
func (c *Cache) WriteConversations(ctx context.Context, project string, convs []model.Conversation) error {
	payload, err := msgpack.Marshal(convs)
	if err != nil {
		return errors.Wrap(err, "encode conversation set")
	}
	if err := c.client.Set(ctx, conversationsKey(project), payload, 0).Err(); err != nil {
		return errors.Wrap(err, "write conversation set")
	}
	return nil
}

// ReadConversations returns the cached conversation set, or nil when
// the project has no cached history yet.
func (c *Cache) ReadConversations(ctx context.Context, project string) ([]model.Conversation, error) {
	payload, err := c.client.Get(ctx, conversationsKey(project)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read conversation set")
	}
	var convs []model.Conversation
	if err := msgpack.Unmarshal(payload, &convs); err != nil {
		return nil, errors.Wrap(err, "decode conversation set")
	}
	return convs, nil
}

func runField(agentType model.AgentType, ticketPK string) string {
	return fmt.Sprintf("%s|%s", agentType, ticketPK)
}

// SaveRunID records an in-flight run so a reloaded session resumes
// polling the same run instead of relaunching.
func (c *Cache) SaveRunID(ctx context.Context, project string, agentType model.AgentType, ticketPK, runID string) error {
	err := c.client.HSet(ctx, runsKey(project), runField(agentType, ticketPK), runID).Err()
	return errors.Wrap(err, "save run id")
}

func (c *Cache) ClearRunID(ctx context.Context, project string, agentType model.AgentType, ticketPK string) error {
	err := c.client.HDel(ctx, runsKey(project), runField(agentType, ticketPK)).Err()
	return errors.Wrap(err, "clear run id")
}

// LoadRunIDs returns in-flight run ids keyed by (agent type, ticket pk).
func (c *Cache) LoadRunIDs(ctx context.Context, project string) (map[model.AgentType]map[string]string, error) {
	fields, err := c.client.HGetAll(ctx, runsKey(project)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load run ids")
	}
	out := map[model.AgentType]map[string]string{}
	for field, runID := range fields {
		parts := strings.SplitN(field, "|", 2)
		if len(parts) != 2 {
			continue
		}
		agentType, err := model.ParseAgentType(parts[0])
		if err != nil {
			continue
		}
		if out[agentType] == nil {
			out[agentType] = map[string]string{}
		}
		out[agentType][parts[1]] = runID
	}
	return out, nil
}

// SaveSelectedConversation remembers the operator's last-open
// conversation for restore on reload.
func (c *Cache) SaveSelectedConversation(ctx context.Context, project string, key model.ConversationKey) error {
	err := c.client.Set(ctx, selectedKey(project), key.String(), 0).Err()
	return errors.Wrap(err, "save selected conversation")
}

func (c *Cache) LoadSelectedConversation(ctx context.Context, project string) (string, error) {
	value, err := c.client.Get(ctx, selectedKey(project)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "load selected conversation")
	}
	return value, nil
}
