package priority

import (
	"context"
	"testing"
)

func TestPopOrderControlPrivatePublic(t *testing.T) {
	q := New("x", 10)
	ctx := context.Background()
	policy := DropPolicy(DropNewest)

	mustEnqueue(t, q, ctx, Frame{Priority: Public, OpID: "p", Kind: FrameText, Bytes: []byte("p")}, policy)
	mustEnqueue(t, q, ctx, Frame{Priority: Private, OpID: "priv", Kind: FrameText, Bytes: []byte("priv")}, policy)
	mustEnqueue(t, q, ctx, Frame{Priority: Control, OpID: "ctl", Kind: FrameText, Bytes: []byte("ctl")}, policy)

	for _, want := range []string{"ctl", "priv", "p"} {
		f, ok := q.Recv(ctx)
		if !ok || string(f.Bytes) != want {
			t.Fatalf("got %q,%v want %q", f.Bytes, ok, want)
		}
	}
}

func TestOverflowDropOldestLowPriority(t *testing.T) {
	q := New("x", 1)
	ctx := context.Background()

	mustEnqueue(t, q, ctx, Frame{Priority: Public, Kind: FrameText, Bytes: []byte("a")}, DropPolicy(DropNewest))

	out, err := q.Push(ctx, Frame{Priority: Private, Kind: FrameText, Bytes: []byte("b")}, DropPolicy(DropOldestLowPriority))
	if err != nil || out != Enqueued {
		t.Fatalf("push = %v,%v want Enqueued,nil", out, err)
	}

	f, ok := q.Recv(ctx)
	if !ok || string(f.Bytes) != "b" {
		t.Fatalf("got %q,%v want b", f.Bytes, ok)
	}
}

func TestOverflowDropOldestLowPriorityNeverEvictsControl(t *testing.T) {
	q := New("x", 1)
	ctx := context.Background()
	mustEnqueue(t, q, ctx, Frame{Priority: Control, Kind: FrameText, Bytes: []byte("ctl")}, DropPolicy(DropNewest))

	out, err := q.Push(ctx, Frame{Priority: Public, Kind: FrameText, Bytes: []byte("x")}, DropPolicy(DropOldestLowPriority))
	if err != nil || out != Dropped {
		t.Fatalf("push = %v,%v want Dropped,nil", out, err)
	}
}

func TestClassifyOpID(t *testing.T) {
	if ClassifyOpID("crypto.public.trades") != Public {
		t.Fatal("public op id misclassified")
	}
	if ClassifyOpID("crypto.private.orders") != Private {
		t.Fatal("private op id misclassified")
	}
}

func TestBeginClosingRejectsNonControl(t *testing.T) {
	q := New("x", 10)
	ctx := context.Background()
	q.BeginClosing()

	out, err := q.Push(ctx, Frame{Priority: Public, Kind: FrameText, Bytes: []byte("p")}, DropPolicy(DropNewest))
	if err != nil || out != Dropped {
		t.Fatalf("push during closing = %v,%v want Dropped,nil", out, err)
	}

	out, err = q.Push(ctx, CloseRequest(), DropPolicy(DropNewest))
	if err != nil || out != Enqueued {
		t.Fatalf("control push during closing = %v,%v want Enqueued,nil", out, err)
	}
}

func TestCloseDrainsThenReturnsFalse(t *testing.T) {
	q := New("x", 10)
	ctx := context.Background()
	mustEnqueue(t, q, ctx, Frame{Priority: Public, Kind: FrameText, Bytes: []byte("a")}, DropPolicy(DropNewest))
	q.Close()

	if _, ok := q.Recv(ctx); !ok {
		t.Fatal("expected to drain the remaining frame before seeing closed")
	}
	if _, ok := q.Recv(ctx); ok {
		t.Fatal("expected closed+empty queue to report ok=false")
	}
}

func mustEnqueue(t *testing.T, q *Queue, ctx context.Context, f Frame, p Policy) {
	t.Helper()
	out, err := q.Push(ctx, f, p)
	if err != nil || out != Enqueued {
		t.Fatalf("push(%v) = %v,%v want Enqueued,nil", f, out, err)
	}
}
