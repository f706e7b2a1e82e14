package main

import (
	"context"
	"testing"
	"time"

	"github.com/foresturquhart/searchexport/tasks"
	"github.com/stretchr/testify/assert"
)

func TestBudgetFor(t *testing.T) {
	now := time.Now()

	assert.Equal(t, 15*time.Minute, budgetFor(context.Background(), 15*time.Minute, now))

	ctx, cancel := context.WithDeadline(context.Background(), now.Add(5*time.Minute))
	defer cancel()
	assert.Equal(t, 4*time.Minute, budgetFor(ctx, 15*time.Minute, now))
	assert.Equal(t, 2*time.Minute, budgetFor(ctx, 2*time.Minute, now))
	assert.Equal(t, 4*time.Minute, budgetFor(ctx, 0, now))

	short, cancelShort := context.WithDeadline(context.Background(), now.Add(10*time.Second))
	defer cancelShort()
	assert.Equal(t, 5*time.Second, budgetFor(short, 15*time.Minute, now))

	almost, cancelAlmost := context.WithDeadline(context.Background(), now.Add(time.Second))
	defer cancelAlmost()
	assert.Equal(t, minBudget, budgetFor(almost, 15*time.Minute, now))
}

func TestBudgetFor_DeadlinePassed(t *testing.T) {
	now := time.Now()

	ctx, cancel := context.WithDeadline(context.Background(), now.Add(-3*time.Second))
	defer cancel()

	budget := budgetFor(ctx, 15*time.Minute, now)
	assert.Positive(t, budget, "a non-positive budget leaves the run unbounded")
	assert.Equal(t, minBudget, budget)
	assert.Equal(t, minBudget, budgetFor(ctx, 0, now))
}

func TestRequestFor(t *testing.T) {
	req := requestFor(tasks.ExportPayload{})
	assert.Equal(t, "inventory", req.Index)
	assert.Empty(t, req.Bucket)

	req = requestFor(tasks.ExportPayload{IndexName: "orders", BucketName: "backups", Key: "orders.ndjson", ResumeToken: "tok"})
	assert.Equal(t, "orders", req.Index)
	assert.Equal(t, "backups", req.Bucket)
	assert.Equal(t, "orders.ndjson", req.Key)
	assert.Equal(t, "tok", req.ResumeToken)
}
