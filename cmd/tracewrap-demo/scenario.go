package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/andrewh/tracewrap/examples/inventory"
	"github.com/andrewh/tracewrap/examples/inventory/pgstore"
	"github.com/andrewh/tracewrap/examples/inventory/sqlitestore"
	"github.com/andrewh/tracewrap/pkg/obs"
	"github.com/andrewh/tracewrap/pkg/pipeline"
	"go.uber.org/zap"
)

// catalogue seeds every backend. A-2 runs out partway through a run so that
// some orders fail with insufficient_stock.
var catalogue = []inventory.Item{
	{SKU: "A-1", Name: "anvil", Quantity: 50},
	{SKU: "A-2", Name: "axe", Quantity: 3},
	{SKU: "B-1", Name: "bolt", Quantity: 500},
}

// backend is an opened stock store wrapped in its pipeline.
type backend struct {
	name  string
	repo  inventory.StockRepository
	close func()
}

type putter interface {
	Put(ctx context.Context, it inventory.Item) error
}

func seed(ctx context.Context, p putter) error {
	for _, it := range catalogue {
		if err := p.Put(ctx, it); err != nil {
			return err
		}
	}
	return nil
}

// openBackend selects Postgres, then SQLite, then memory.
func openBackend(ctx context.Context, opts runOptions, tel pipeline.Telemetry) (*backend, error) {
	popts := []pipeline.Option{pipeline.WithTelemetry(tel)}
	switch {
	case opts.postgresDSN != "":
		s, err := pgstore.Connect(ctx, opts.postgresDSN)
		if err != nil {
			return nil, err
		}
		if err := seed(ctx, s); err != nil {
			s.Close()
			return nil, err
		}
		return &backend{name: "postgres", repo: pgstore.NewStorePipeline(s, popts...), close: s.Close}, nil
	case opts.dbPath != "":
		s, err := sqlitestore.Open(ctx, opts.dbPath)
		if err != nil {
			return nil, err
		}
		if err := seed(ctx, s); err != nil {
			_ = s.Close()
			return nil, err
		}
		return &backend{name: "sqlite", repo: sqlitestore.NewStorePipeline(s, popts...), close: func() { _ = s.Close() }}, nil
	default:
		s := inventory.NewMemoryStore(catalogue...)
		return &backend{name: "memory", repo: inventory.NewMemoryStorePipeline(s, popts...), close: func() {}}, nil
	}
}

// jobAdapter labels the demo's own batch span.
type jobAdapter struct{}

func (jobAdapter) RequestCategory() string { return "job" }

// report summarises one scenario run.
type report struct {
	Backend      string
	Placed       int
	Failed       int
	Delivered    int64
	StockLevel   int
	Restocked    int
	TrackedKept  bool
	DetachedKept bool
}

func (r report) write(w io.Writer) {
	_, _ = fmt.Fprintf(w, "backend:        %s\n", r.Backend)
	_, _ = fmt.Fprintf(w, "orders placed:  %d\n", r.Placed)
	_, _ = fmt.Fprintf(w, "orders failed:  %d\n", r.Failed)
	_, _ = fmt.Fprintf(w, "events handled: %d\n", r.Delivered)
	_, _ = fmt.Fprintf(w, "stock level:    %d\n", r.StockLevel)
	_, _ = fmt.Fprintf(w, "restocked A-2:  %d\n", r.Restocked)
	_, _ = fmt.Fprintf(w, "tracked dispatch kept context:  %t\n", r.TrackedKept)
	_, _ = fmt.Fprintf(w, "detached dispatch kept context: %t\n", r.DetachedKept)
}

// runScenario places orders through the service pipeline, fans a batch out
// over goroutines, and replays a deferred restock after the batch has ended.
// Every event consumer looks the item up again, so consumer spans join the
// publisher's trace through the message headers.
func runScenario(ctx context.Context, orders int, tel pipeline.Telemetry, b *backend) (rep report, err error) {
	rep.Backend = b.name
	popts := []pipeline.Option{pipeline.WithTelemetry(tel)}
	logger := tel.Logger

	broker := inventory.NewBroker(tel.Propagator)
	var delivered atomic.Int64
	broker.Subscribe(inventory.TopicOrderPlaced, func(ctx context.Context, msg inventory.Message) {
		evt, err := inventory.DecodeOrderPlaced(msg.Payload)
		if err != nil {
			logger.Warn("bad event", zap.String("message", msg.ID), zap.Error(err))
			return
		}
		if _, err := b.repo.Get(ctx, evt.SKU); err != nil {
			logger.Warn("consumer lookup failed", zap.String("sku", evt.SKU), zap.Error(err))
			return
		}
		delivered.Add(1)
	})
	defer func() {
		broker.Close()
		rep.Delivered = delivered.Load()
	}()

	svc := inventory.NewServicePipeline(
		inventory.NewService(b.repo, inventory.NewBrokerPipeline(broker, popts...)),
		popts...,
	)

	for i := range orders {
		it := catalogue[i%len(catalogue)]
		if _, err := svc.PlaceOrder(ctx, it.SKU, 1); err != nil {
			if !errors.Is(err, inventory.ErrInsufficientStock) {
				return rep, err
			}
			rep.Failed++
			continue
		}
		rep.Placed++
	}

	restock, err := runBatch(ctx, tel, svc, b.repo, &rep)
	if err != nil {
		return rep, err
	}

	// The batch span has ended; the restock still parents to it.
	it, err := restock.Run(context.Background())
	if err != nil {
		return rep, fmt.Errorf("restock: %w", err)
	}
	rep.Restocked = it.Quantity

	rep.StockLevel, err = svc.StockLevel(ctx, "")
	if err != nil {
		return rep, err
	}
	return rep, nil
}

// runBatch places one order per catalogue item concurrently under a single
// batch span and probes both dispatch styles for the ambient context.
func runBatch(ctx context.Context, tel pipeline.Telemetry, svc inventory.Orders, repo inventory.StockRepository, rep *report) (restock pipeline.Deferred[inventory.Item], err error) {
	job := pipeline.New("Demo", jobAdapter{}, pipeline.WithTelemetry(tel))
	ctx, call := job.Start(ctx, "Batch")
	defer call.Done(&err)

	g, gctx := obs.NewGroup(ctx)
	g.SetLimit(len(catalogue))
	var placed, failed atomic.Int64
	for _, it := range catalogue {
		g.Go(func(ctx context.Context) error {
			if _, err := svc.PlaceOrder(ctx, it.SKU, 1); err != nil {
				if errors.Is(err, inventory.ErrInsufficientStock) {
					failed.Add(1)
					return nil
				}
				return err
			}
			placed.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	rep.Placed += int(placed.Load())
	rep.Failed += int(failed.Load())

	tracked := make(chan bool, 1)
	obs.Go(gctx, func(ctx context.Context) {
		_, ok := tel.Propagator.Current(ctx)
		tracked <- ok
	})
	detached := make(chan bool, 1)
	obs.Detach(func(ctx context.Context) {
		_, ok := tel.Propagator.Current(ctx)
		detached <- ok
	})
	rep.TrackedKept = <-tracked
	rep.DetachedKept = <-detached

	return repo.Restock(ctx, "A-2", 5), nil
}
