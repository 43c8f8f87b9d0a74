// Command shuffledemo drives the shuffle package end-to-end: P producer
// goroutines writing through Sinks, a Transfer barrier, and Q consumer
// goroutines reading the repartitioned result back out. It exists to
// exercise the package's concurrency contract (spec.md §5: the Transfer
// barrier is the happens-before edge between every producer write and
// every consumer read) with real goroutines, joined with
// golang.org/x/sync/errgroup; the package's own lifecycle tests drive
// every producer and consumer from the test goroutine instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/parallelquery/shuffle/pkg/shuffle"
)

func runGroupDemo(ctx context.Context, producers, consumers, rowsPerProducer int) error {
	meta := shuffle.NewRecordMeta(8, nil, shuffle.FieldInt64, shuffle.FieldInt64)
	info := &shuffle.ShuffleInfo{
		Meta:                meta,
		SortKey:             []shuffle.KeyColumn{{Field: 0, Dir: shuffle.Asc}, {Field: 1, Dir: shuffle.Asc}},
		GroupingColumnCount: 1,
	}

	flow := shuffle.NewGroupFlow(producers, consumers, info)

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		p := p
		g.Go(func() error {
			w := flow.AcquireWriter(p)
			defer w.Release()
			rnd := rand.New(rand.NewSource(int64(p)))
			for i := 0; i < rowsPerProducer; i++ {
				key := rnd.Int63n(20)
				b := shuffle.NewRecordBuilder(meta).SetInt64(0, key).SetInt64(1, int64(p*rowsPerProducer+i))
				if err := w.WriteGroup(b); err != nil {
					return err
				}
			}
			return w.Flush()
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("group producers: %w", err)
	}

	rc := shuffle.NewRequestContext(ctx)
	if err := flow.Transfer(rc); err != nil {
		return fmt.Errorf("group transfer: %w", err)
	}

	counts := make([]int, consumers)
	var cg errgroup.Group
	for c := 0; c < consumers; c++ {
		c := c
		cg.Go(func() error {
			r := flow.AcquireGroupReader(c)
			defer r.Release()
			groups := 0
			for r.NextGroup() {
				groups++
				for r.NextMember() {
					_, _ = r.Member()
				}
			}
			counts[c] = groups
			return nil
		})
	}
	if err := cg.Wait(); err != nil {
		return fmt.Errorf("group consumers: %w", err)
	}

	total := 0
	for c, n := range counts {
		log.Printf("group demo: consumer %d saw %d distinct groups", c, n)
		total += n
	}
	log.Printf("group demo: %d groups across %d consumers", total, consumers)
	flow.Close()
	return nil
}

func runAggregateDemo(ctx context.Context, producers, consumers, rowsPerProducer int) error {
	input := shuffle.NewRecordMeta(8, nil, shuffle.FieldInt64, shuffle.FieldInt64)
	agg := shuffle.NewAggregateInfo(input, []int{0}, []shuffle.AggField{
		{Agg: shuffle.SumInt64(), InputField: 1, StateType: shuffle.FieldInt64},
	})

	flow := shuffle.NewAggregateFlow(producers, consumers, agg)

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		p := p
		g.Go(func() error {
			w := flow.AcquireWriter(p)
			defer w.Release()
			rnd := rand.New(rand.NewSource(int64(p) + 100))
			for i := 0; i < rowsPerProducer; i++ {
				key := rnd.Int63n(8)
				b := shuffle.NewRecordBuilder(input).SetInt64(0, key).SetInt64(1, 1)
				if err := w.WriteAggregate(b); err != nil {
					return err
				}
			}
			return w.Flush()
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("aggregate producers: %w", err)
	}

	rc := shuffle.NewRequestContext(ctx)
	if err := flow.Transfer(rc); err != nil {
		return fmt.Errorf("aggregate transfer: %w", err)
	}

	var cg errgroup.Group
	sums := make([]int, consumers)
	for c := 0; c < consumers; c++ {
		c := c
		cg.Go(func() error {
			r := flow.AcquireAggregateReader(c)
			defer r.Release()
			n := 0
			for r.Next() {
				n++
			}
			sums[c] = n
			return nil
		})
	}
	if err := cg.Wait(); err != nil {
		return fmt.Errorf("aggregate consumers: %w", err)
	}

	total := 0
	for c, n := range sums {
		log.Printf("aggregate demo: consumer %d merged %d distinct keys", c, n)
		total += n
	}
	log.Printf("aggregate demo: %d distinct keys across %d consumers", total, consumers)
	flow.Close()
	return nil
}

func main() {
	producers := flag.Int("producers", 4, "number of producer tasks")
	consumers := flag.Int("consumers", 3, "number of consumer tasks")
	rows := flag.Int("rows", 5000, "rows written per producer")
	flag.Parse()

	ctx := context.Background()
	if err := runGroupDemo(ctx, *producers, *consumers, *rows); err != nil {
		log.Fatal(err)
	}
	if err := runAggregateDemo(ctx, *producers, *consumers, *rows); err != nil {
		log.Fatal(err)
	}
}
