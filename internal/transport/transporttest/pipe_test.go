package transporttest

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamsDeliverBytesInOrder(t *testing.T) {
	a, b := Pair()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := a.OpenStream(ctx)
	require.NoError(t, err)
	in, err := b.AcceptStream(ctx)
	require.NoError(t, err)

	const n = 100
	go func() {
		for i := 0; i < n; i++ {
			fmt.Fprintf(out, "%04d", i)
		}
		out.Close()
	}()

	buf := make([]byte, 4)
	for i := 0; i < n; i++ {
		_, err := io.ReadFull(in, buf)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%04d", i), string(buf), "bytes must arrive in the order they were written")
	}
}

func TestStalledStreamDoesNotBlockOthers(t *testing.T) {
	a, b := Pair()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stalled, err := a.OpenStream(ctx)
	require.NoError(t, err)
	_, err = b.AcceptStream(ctx) // accepted but deliberately never read
	require.NoError(t, err)

	// Saturate the stalled stream: its writer parks once the peer stops
	// draining.
	go func() {
		payload := make([]byte, 4096)
		for {
			if _, err := stalled.Write(payload); err != nil {
				return
			}
		}
	}()

	healthyOut, err := a.OpenStream(ctx)
	require.NoError(t, err)
	healthyIn, err := b.AcceptStream(ctx)
	require.NoError(t, err)

	// The healthy stream must keep round-tripping while its sibling is
	// wedged.
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 5)
		for i := 0; i < 50; i++ {
			if _, err := io.ReadFull(healthyIn, buf); err != nil {
				return
			}
			healthyIn.Write(buf)
		}
	}()

	buf := make([]byte, 5)
	for i := 0; i < 50; i++ {
		_, err := healthyOut.Write([]byte("hello"))
		require.NoError(t, err)
		_, err = io.ReadFull(healthyOut, buf)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf))
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("healthy stream starved by a stalled sibling stream")
	}
	stalled.Close()
}
