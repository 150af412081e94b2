package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printlog/internal/models"
)

type staticPrinters struct {
	ids []models.PrinterIdentity
	err error
}

func (s staticPrinters) ListActive(context.Context) ([]models.PrinterIdentity, error) {
	return s.ids, s.err
}

func TestScheduler_TickDeduplicates(t *testing.T) {
	ctx := context.Background()
	_, q, _ := newTestProcessor(t, 3)
	s := NewScheduler(q, staticPrinters{ids: []models.PrinterIdentity{{ID: 1}, {ID: 2}}}, time.Hour, 200)

	added, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, added, "pending imports are not enqueued twice")

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestScheduler_TickListError(t *testing.T) {
	_, q, _ := newTestProcessor(t, 3)
	s := NewScheduler(q, staticPrinters{err: errors.New("db down")}, time.Hour, 200)
	_, err := s.Tick(context.Background())
	assert.Error(t, err)
}

func TestScheduler_ServeTicksImmediately(t *testing.T) {
	_, q, _ := newTestProcessor(t, 3)
	s := NewScheduler(q, staticPrinters{ids: []models.PrinterIdentity{{ID: 5}}}, time.Hour, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	require.Eventually(t, func() bool {
		n, err := q.ReadyDepth(context.Background())
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
