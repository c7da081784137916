package fn

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestResult(t *testing.T) {
	ok := Ok(42)
	if !ok.IsOk() || ok.IsErr() {
		t.Error("Ok result misreported")
	}
	if v, _ := ok.Unwrap(); v != 42 {
		t.Errorf("Unwrap = %d", v)
	}

	e := Err[int](errors.New("boom"))
	if e.IsOk() {
		t.Error("Err result misreported")
	}
	if v := e.UnwrapOr(7); v != 7 {
		t.Errorf("UnwrapOr = %d", v)
	}

	if r := FromPair(3, nil); r.IsErr() {
		t.Error("FromPair(v, nil) should be Ok")
	}
	if r := FromPair(0, errors.New("x")); r.IsOk() {
		t.Error("FromPair(v, err) should be Err")
	}
}

func TestThenShortCircuits(t *testing.T) {
	double := MapStage(func(i int) int { return i * 2 })
	fail := Stage[int, int](func(_ context.Context, _ int) Result[int] {
		return Errf[int]("nope")
	})

	r := Then(double, double)(context.Background(), 3)
	if v, _ := r.Unwrap(); v != 12 {
		t.Errorf("Then = %d, want 12", v)
	}

	called := false
	spy := TapStage(func(_ context.Context, _ int) { called = true })
	r = Then(fail, spy)(context.Background(), 3)
	if r.IsOk() {
		t.Error("expected error to propagate")
	}
	if called {
		t.Error("second stage ran after failure")
	}
}

func TestPipeline(t *testing.T) {
	inc := MapStage(func(i int) int { return i + 1 })
	r := Pipeline(inc, inc, inc)(context.Background(), 0)
	if v, _ := r.Unwrap(); v != 3 {
		t.Errorf("Pipeline = %d, want 3", v)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	opts := RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond}
	r := Retry(context.Background(), opts, func(_ context.Context) Result[string] {
		attempts++
		if attempts < 3 {
			return Errf[string]("attempt %d", attempts)
		}
		return Ok("done")
	})
	if v, _ := r.Unwrap(); v != "done" {
		t.Errorf("Retry = %q", v)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryExhausts(t *testing.T) {
	attempts := 0
	opts := RetryOpts{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
	r := Retry(context.Background(), opts, func(_ context.Context) Result[int] {
		attempts++
		return Errf[int]("always")
	})
	if r.IsOk() {
		t.Error("expected exhausted retry to fail")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestGroupBy(t *testing.T) {
	got := GroupBy([]string{"ant", "bee", "ape"}, func(s string) byte { return s[0] })
	if !reflect.DeepEqual(got['a'], []string{"ant", "ape"}) {
		t.Errorf("group a = %v", got['a'])
	}
	if !reflect.DeepEqual(got['b'], []string{"bee"}) {
		t.Errorf("group b = %v", got['b'])
	}
}

func TestChunk(t *testing.T) {
	got := Chunk([]int{1, 2, 3, 4, 5}, 2)
	want := [][]int{{1, 2}, {3, 4}, {5}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Chunk = %v", got)
	}
	if Chunk([]int{1}, 0) != nil {
		t.Error("Chunk with n<=0 should be nil")
	}
}

func TestUnique(t *testing.T) {
	got := Unique([]string{"a", "b", "a", "c", "b"})
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("Unique = %v", got)
	}
}
