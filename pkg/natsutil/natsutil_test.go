package natsutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	c := (*natsHeaderCarrier)(msg)

	if c.Get("traceparent") != "" {
		t.Fatal("empty carrier should return empty value")
	}
	if c.Keys() != nil {
		t.Fatal("empty carrier should have no keys")
	}

	c.Set("traceparent", "00-abc-def-01")
	if c.Get("traceparent") != "00-abc-def-01" {
		t.Fatal("set/get round trip failed")
	}
	if len(c.Keys()) != 1 {
		t.Fatalf("expected 1 key, got %v", c.Keys())
	}
}

// TestPublishSubscribe needs a live server; set NATS_URL to run it.
func TestPublishSubscribe(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	type event struct {
		Name string `json:"name"`
	}

	got := make(chan event, 1)
	sub, err := Subscribe(nc, "natsutil.test", func(_ context.Context, e event) {
		got <- e
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := Publish(context.Background(), nc, "natsutil.test", event{Name: "ping"}); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-got:
		if e.Name != "ping" {
			t.Fatalf("wrong event %+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}
