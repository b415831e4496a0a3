package supervisor

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestRun_StartsBannersAndShutsDownOnCancel(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	var banner bytes.Buffer
	var discard bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{
			InnerAddr: "127.0.0.1:0",
			Handler:   handler,
			OuterAddr: "127.0.0.1:0",
			Console:   &banner,
		}, &discard)
	}()

	// Wait for the banner to confirm startup completed in order.
	deadline := time.Now().Add(5 * time.Second)
	for banner.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if banner.Len() == 0 {
		t.Fatal("expected a startup banner before cancellation")
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not shut down within deadline")
	}
}

func TestRun_FailsOnUnbindableInnerAddr(t *testing.T) {
	// Reserve a port, then try to reuse it to force a bind failure.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer l.Close()

	var discard bytes.Buffer
	err = Run(context.Background(), Config{
		InnerAddr: l.Addr().String(),
		Handler:   http.NewServeMux(),
		OuterAddr: "127.0.0.1:0",
		Console:   &discard,
	}, &discard)
	if err == nil {
		t.Fatal("expected an error binding an already-in-use address")
	}
}
