package runtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPromiseResolve(t *testing.T) {
	p := NewPromise()
	if p.Settled() {
		t.Fatal("fresh promise reports settled")
	}
	p.Resolve("x")
	p.Resolve("ignored")
	p.Reject(errors.New("ignored"))

	v, err := p.Await(context.Background())
	if err != nil || v != "x" {
		t.Fatalf("Await = (%v, %v), want (x, nil)", v, err)
	}
	if !p.Settled() {
		t.Fatal("settled promise reports unsettled")
	}
}

func TestPromiseReject(t *testing.T) {
	boom := errors.New("boom")
	p := Rejected(boom)
	if _, err := p.Await(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Await err = %v, want boom", err)
	}
}

func TestPromiseAwaitHonorsContext(t *testing.T) {
	p := NewPromise()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Await err = %v, want deadline exceeded", err)
	}
}

func TestAsync(t *testing.T) {
	p := Async(func() (any, error) { return 42, nil })
	v, err := p.Await(context.Background())
	if err != nil || v != 42 {
		t.Fatalf("Await = (%v, %v)", v, err)
	}
}

func TestPromiseNextChains(t *testing.T) {
	calls := 0
	p := Resolved(int64(2)).Next(func(_ context.Context, v any) (any, error) {
		calls++
		return v.(int64) * 3, nil
	})

	ctx := context.Background()
	v, err := p.Await(ctx)
	if err != nil || v != int64(6) {
		t.Fatalf("Await = (%v, %v)", v, err)
	}
	// The transform runs once even across repeated awaits.
	if _, err := p.Await(ctx); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("transform ran %d times", calls)
	}
}

func TestPromiseNextSkipsOnRejection(t *testing.T) {
	boom := errors.New("boom")
	ran := false
	p := Rejected(boom).Next(func(_ context.Context, v any) (any, error) {
		ran = true
		return v, nil
	})
	if _, err := p.Await(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if ran {
		t.Fatal("transform ran on a rejection")
	}
}

func TestPromiseCatchRecovers(t *testing.T) {
	p := Rejected(errors.New("boom")).Catch(func(_ context.Context, err error) (any, error) {
		return "recovered: " + err.Error(), nil
	})
	v, err := p.Await(context.Background())
	if err != nil || v != "recovered: boom" {
		t.Fatalf("Await = (%v, %v)", v, err)
	}
}

func TestPromiseFinallyRunsEitherWay(t *testing.T) {
	ctx := context.Background()
	ran := 0
	cleanup := func(context.Context) { ran++ }

	if _, err := Resolved(1).Finally(cleanup).Await(ctx); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	if _, err := Rejected(boom).Finally(cleanup).Await(ctx); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want original rejection", err)
	}
	if ran != 2 {
		t.Fatalf("cleanup ran %d times, want 2", ran)
	}
}
