package resultbus

import (
	"context"
	"testing"

	"candlexpr/internal/model"
)

func TestNew_EmptyAddrDisablesBus(t *testing.T) {
	b := New(context.Background(), "", "")
	if b != nil {
		t.Fatalf("New with empty addr = %v, want nil", b)
	}
}

func TestNilBus_PublishAndCloseAreNoOps(t *testing.T) {
	var b *Bus
	b.Publish(model.ResultMessage{Stream: "a+b@1m", Data: model.Candle{T: 1000}})
	if err := b.Close(); err != nil {
		t.Fatalf("Close on nil Bus = %v, want nil", err)
	}
}

func TestChannelPrefix(t *testing.T) {
	if channelPrefix != "candlexpr:result:" {
		t.Fatalf("channelPrefix = %q", channelPrefix)
	}
}
