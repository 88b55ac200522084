package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"agentboard/internal/model"
)

func startTestCache(t *testing.T) *Cache {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)
	c, err := New("redis://" + server.Addr() + "/0")
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConversationsRoundTrip(t *testing.T) {
	c := startTestCache(t)
	ctx := context.Background()
	key := model.ConversationKey{Role: model.AgentTypeQA, Instance: 1}
	in := []model.Conversation{{
		Key: key,
		Messages: []model.Message{
			{ID: 1, Author: model.AuthorUser, Content: "check it", CreatedAt: time.Now().UTC().Truncate(time.Second)},
			{ID: 1.01, Author: model.AuthorSystem, Content: "launching", CreatedAt: time.Now().UTC().Truncate(time.Second)},
		},
	}}
	if err := c.WriteConversations(ctx, "proj", in); err != nil {
		t.Fatalf("write conversations: %v", err)
	}
	out, err := c.ReadConversations(ctx, "proj")
	if err != nil {
		t.Fatalf("read conversations: %v", err)
	}
	if len(out) != 1 || len(out[0].Messages) != 2 {
		t.Fatalf("unexpected round trip result: %+v", out)
	}
	if out[0].Key != key {
		t.Fatalf("expected key %v, got %v", key, out[0].Key)
	}
	if out[0].Messages[1].ID != 1.01 {
		t.Fatalf("fractional id lost in round trip: %v", out[0].Messages[1].ID)
	}
}

func TestReadConversationsMissingProject(t *testing.T) {
	c := startTestCache(t)
	out, err := c.ReadConversations(context.Background(), "nothing-here")
	if err != nil {
		t.Fatalf("read missing project: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil conversation set, got %+v", out)
	}
}

func TestRunIDLifecycle(t *testing.T) {
	c := startTestCache(t)
	ctx := context.Background()
	if err := c.SaveRunID(ctx, "proj", model.AgentTypeImplementation, "t-1", "run-abc"); err != nil {
		t.Fatalf("save run id: %v", err)
	}
	if err := c.SaveRunID(ctx, "proj", model.AgentTypeQA, "t-1", "run-def"); err != nil {
		t.Fatalf("save second run id: %v", err)
	}
	runs, err := c.LoadRunIDs(ctx, "proj")
	if err != nil {
		t.Fatalf("load run ids: %v", err)
	}
	if runs[model.AgentTypeImplementation]["t-1"] != "run-abc" {
		t.Fatalf("unexpected implementation run id: %+v", runs)
	}
	if runs[model.AgentTypeQA]["t-1"] != "run-def" {
		t.Fatalf("unexpected qa run id: %+v", runs)
	}
	if err := c.ClearRunID(ctx, "proj", model.AgentTypeImplementation, "t-1"); err != nil {
		t.Fatalf("clear run id: %v", err)
	}
	runs, err = c.LoadRunIDs(ctx, "proj")
	if err != nil {
		t.Fatalf("reload run ids: %v", err)
	}
	if _, ok := runs[model.AgentTypeImplementation]; ok {
		t.Fatalf("cleared run id still present: %+v", runs)
	}
}

func TestSelectedConversationRoundTrip(t *testing.T) {
	c := startTestCache(t)
	ctx := context.Background()
	key := model.ConversationKey{Role: model.AgentTypePlanning, Instance: 3}
	if err := c.SaveSelectedConversation(ctx, "proj", key); err != nil {
		t.Fatalf("save selected: %v", err)
	}
	got, err := c.LoadSelectedConversation(ctx, "proj")
	if err != nil {
		t.Fatalf("load selected: %v", err)
	}
	if got != "planning-3" {
		t.Fatalf("expected planning-3, got %q", got)
	}
	missing, err := c.LoadSelectedConversation(ctx, "other")
	if err != nil {
		t.Fatalf("load missing selected: %v", err)
	}
	if missing != "" {
		t.Fatalf("expected empty selection for unknown project, got %q", missing)
	}
}
