package sweeper

// concurrent.go: worker pool para aplicar transiciones.
//
// Cada subasta se procesa bajo su propio lock, así que subastas distintas
// avanzan en paralelo y un cierre lento no retrasa a las demás.

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
)

type outcome struct {
	started  bool
	finished bool
	err      error
}

// applyConcurrent reparte ids entre workers y agrega los resultados.
// Si workers <= 0 usa runtime.NumCPU().
func applyConcurrent(
	ctx context.Context,
	ids []int64,
	workers int,
	apply func(ctx context.Context, id int64) outcome,
) TickResult {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(ids) {
		workers = len(ids)
	}

	workCh := make(chan int64, len(ids))
	resultCh := make(chan outcome, len(ids))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range workCh {
				out := apply(ctx, id)
				if out.err != nil {
					slog.Error("sweep: transition failed", "auction", id, "err", out.err)
				}
				resultCh <- out
			}
		}()
	}

	for _, id := range ids {
		workCh <- id
	}
	close(workCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var res TickResult
	for out := range resultCh {
		if out.started {
			res.Started++
		}
		if out.finished {
			res.Finished++
		}
		if out.err != nil {
			res.Errors++
		}
	}
	return res
}
