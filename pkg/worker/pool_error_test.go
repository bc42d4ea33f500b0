package worker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPool_SentinelErrors(t *testing.T) {
	processor := func(_ context.Context, _ int) error { return nil }

	tests := []struct {
		name    string
		prepare func(p *Pool[int]) error
		wantErr error
	}{
		{
			name: "submit before start",
			prepare: func(p *Pool[int]) error {
				return p.Submit(1)
			},
			wantErr: ErrPoolNotStarted,
		},
		{
			name: "start twice",
			prepare: func(p *Pool[int]) error {
				if err := p.Start(context.Background()); err != nil {
					return err
				}
				return p.Start(context.Background())
			},
			wantErr: ErrPoolAlreadyStarted,
		},
		{
			name: "submit after stop",
			prepare: func(p *Pool[int]) error {
				if err := p.Start(context.Background()); err != nil {
					return err
				}
				if err := p.Stop(time.Second); err != nil {
					return err
				}
				return p.Submit(1)
			},
			wantErr: ErrPoolStopped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := NewPool(1, 1, processor)
			defer func() { _ = pool.Stop(time.Second) }()

			err := tt.prepare(pool)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPool_StopIsIdempotent(t *testing.T) {
	pool := NewPool(1, 1, func(_ context.Context, _ int) error { return nil })

	if err := pool.Stop(time.Second); err != nil {
		t.Errorf("Stop before Start should be a no-op, got %v", err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Errorf("first Stop failed: %v", err)
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}
