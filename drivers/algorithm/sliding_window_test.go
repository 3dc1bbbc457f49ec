package algorithm

import (
	"reflect"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time {
	return epoch.Add(d)
}

func TestSlide_RemainingDecreases(t *testing.T) {
	var entries []int64
	limit := int64(5)

	for i := int64(0); i < limit; i++ {
		var ctx *Context
		var err error
		entries, ctx, err = Slide(entries, at(time.Duration(i)*time.Millisecond), time.Minute, limit)
		if err != nil {
			t.Fatalf("Slide() error = %v", err)
		}
		if !ctx.Allowed {
			t.Fatalf("请求 %d 应该被允许", i+1)
		}
		if want := limit - i - 1; ctx.Remaining != want {
			t.Errorf("请求 %d Remaining = %d, want %d", i+1, ctx.Remaining, want)
		}
	}

	_, ctx, err := Slide(entries, at(10*time.Millisecond), time.Minute, limit)
	if err != nil {
		t.Fatalf("Slide() error = %v", err)
	}
	if ctx.Allowed {
		t.Error("第6个请求应该被拒绝")
	}
	if ctx.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", ctx.Remaining)
	}
	if ctx.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %d, want > 0", ctx.RetryAfter)
	}
}

func TestSlide_ScenarioA(t *testing.T) {
	var entries []int64
	var ctx *Context
	var err error

	for i, want := range []int64{2, 1, 0} {
		entries, ctx, err = Slide(entries, at(time.Duration(i)*time.Second), time.Minute, 3)
		if err != nil {
			t.Fatalf("Slide() error = %v", err)
		}
		if !ctx.Allowed || ctx.Remaining != want {
			t.Fatalf("t=%ds: Allowed=%v Remaining=%d, want true/%d", i, ctx.Allowed, ctx.Remaining, want)
		}
	}

	entries, ctx, _ = Slide(entries, at(3*time.Second), time.Minute, 3)
	if ctx.Allowed {
		t.Fatal("t=3s 应该被拒绝")
	}
	if ctx.RetryAfter != 57 {
		t.Errorf("RetryAfter = %d, want 57", ctx.RetryAfter)
	}

	// t=61s：t=0的记录已离开窗口，t=1s/2s仍在
	entries, ctx, _ = Slide(entries, at(61*time.Second), time.Minute, 3)
	if !ctx.Allowed {
		t.Fatal("t=61s 应该被允许")
	}
	if ctx.Remaining != 0 {
		t.Errorf("t=61s Remaining = %d, want 0", ctx.Remaining)
	}

	// 之前的记录全部过期后配额恢复
	_, ctx, _ = Slide(entries, at(121*time.Second+time.Millisecond), time.Minute, 3)
	if !ctx.Allowed || ctx.Remaining != 2 {
		t.Errorf("Allowed=%v Remaining=%d, want true/2", ctx.Allowed, ctx.Remaining)
	}
}

func TestSlide_WindowBoundary(t *testing.T) {
	entries, _, _ := Slide(nil, at(0), time.Minute, 1)

	// 恰好 now-window 的记录仍计数
	entries, ctx, _ := Slide(entries, at(time.Minute), time.Minute, 1)
	if ctx.Allowed {
		t.Error("边界记录仍在窗口内，应该被拒绝")
	}
	if ctx.RetryAfter != 1 {
		t.Errorf("RetryAfter = %d, want 1", ctx.RetryAfter)
	}

	_, ctx, _ = Slide(entries, at(time.Minute+time.Millisecond), time.Minute, 1)
	if !ctx.Allowed {
		t.Error("越过边界后应该被允许")
	}
}

func TestSlide_DeniedRequestIsNotRecorded(t *testing.T) {
	entries, _, _ := Slide(nil, at(0), time.Second, 1)
	entries, _, _ = Slide(entries, at(100*time.Millisecond), time.Second, 1)
	entries, _, _ = Slide(entries, at(200*time.Millisecond), time.Second, 1)

	if len(entries) != 1 {
		t.Errorf("len(entries) = %d, want 1", len(entries))
	}
}

func TestSlide_Reset(t *testing.T) {
	entries, ctx, _ := Slide(nil, at(500*time.Millisecond), 10*time.Second, 2)
	want := at(10*time.Second + 500*time.Millisecond)
	wantUnix := want.Unix() + 1 // 向上取整
	if ctx.Reset != wantUnix {
		t.Errorf("Reset = %d, want %d", ctx.Reset, wantUnix)
	}

	_, ctx, _ = Slide(entries, at(2*time.Second), 10*time.Second, 2)
	if ctx.Reset != at(12*time.Second).Unix() {
		t.Errorf("Reset = %d, want %d", ctx.Reset, at(12*time.Second).Unix())
	}
}

func TestSlide_OutOfOrderInsert(t *testing.T) {
	entries := []int64{at(time.Second).UnixMilli(), at(3 * time.Second).UnixMilli()}
	entries, _, _ = Slide(entries, at(2*time.Second), time.Minute, 10)

	want := []int64{at(time.Second).UnixMilli(), at(2 * time.Second).UnixMilli(), at(3 * time.Second).UnixMilli()}
	if !reflect.DeepEqual(entries, want) {
		t.Errorf("entries = %v, want %v", entries, want)
	}
}

func TestSlide_Deterministic(t *testing.T) {
	offsets := []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond, 500 * time.Millisecond,
		1100 * time.Millisecond, 1200 * time.Millisecond, 2500 * time.Millisecond}

	run := func() []Context {
		var entries []int64
		var out []Context
		for _, off := range offsets {
			var ctx *Context
			entries, ctx, _ = Slide(entries, at(off), time.Second, 3)
			out = append(out, *ctx)
		}
		return out
	}

	if a, b := run(), run(); !reflect.DeepEqual(a, b) {
		t.Errorf("相同输入产生不同结果:\n%v\n%v", a, b)
	}
}

func TestSlide_InvalidArguments(t *testing.T) {
	if _, _, err := Slide(nil, epoch, time.Minute, 0); err != ErrInvalidLimit {
		t.Errorf("err = %v, want ErrInvalidLimit", err)
	}
	if _, _, err := Slide(nil, epoch, time.Microsecond, 1); err != ErrInvalidWindow {
		t.Errorf("err = %v, want ErrInvalidWindow", err)
	}
}
