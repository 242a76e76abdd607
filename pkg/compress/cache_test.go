package compress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nobletooth/pomelo/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackingCodec wraps a Codec, counting compressions and optionally slowing them down
// so tests can observe the in-flight window.
type trackingCodec struct {
	inner        Codec
	delay        time.Duration
	compressions atomic.Int32
}

func (c *trackingCodec) Compress(data []byte) ([]byte, error) {
	c.compressions.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return c.inner.Compress(data)
}

func (c *trackingCodec) Decompress(data []byte) ([]byte, error) {
	return c.inner.Decompress(data)
}

// failingCodec fails every compression after an optional delay.
type failingCodec struct {
	delay time.Duration
}

var errCodecBroken = errors.New("codec broken")

func (c *failingCodec) Compress(data []byte) ([]byte, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return nil, errCodecBroken
}

func (c *failingCodec) Decompress(data []byte) ([]byte, error) { return nil, errCodecBroken }

func TestTextCache_RoundTrip(t *testing.T) {
	texts := NewTextCache(nil /*bus*/, nil /*codec*/, nil /*loader*/)
	defer texts.Close()

	require.NoError(t, texts.AddText("greeting", "hello"))
	text, found, err := texts.GetText(context.Background(), "greeting")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hello", text)
}

func TestTextCache_EmptyTextIsNoOp(t *testing.T) {
	texts := NewTextCache(nil /*bus*/, nil /*codec*/, nil /*loader*/)
	defer texts.Close()

	require.NoError(t, texts.AddText("empty", ""))
	assert.Equal(t, 0, texts.Len(), "Empty text should not be stored")
	assert.False(t, texts.Contains("empty"))
}

func TestTextCache_MissWithoutLoader(t *testing.T) {
	texts := NewTextCache(nil /*bus*/, nil /*codec*/, nil /*loader*/)
	defer texts.Close()

	buf, found, err := texts.GetCompressed(context.Background(), "ghost")
	require.NoError(t, err, "Absence is not an error")
	assert.False(t, found)
	assert.Nil(t, buf)

	text, found, err := texts.GetText(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, text)
}

func TestTextCache_ConcurrentReadersShareOneCompression(t *testing.T) {
	codec := &trackingCodec{inner: NewGzipCodec(), delay: 50 * time.Millisecond}
	texts := NewTextCache(nil /*bus*/, codec, nil /*loader*/)
	defer texts.Close()

	addDone := make(chan error, 1)
	go func() { addDone <- texts.AddText("key", "hello world") }()
	// Wait for the plaintext to be staged before issuing concurrent reads.
	require.Eventually(t, func() bool { return texts.Contains("key") },
		time.Second, time.Millisecond)

	const readers = 8
	results := make([][]byte, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf, found, err := texts.GetCompressed(context.Background(), "key")
			assert.NoError(t, err)
			assert.True(t, found, "Readers arriving mid-compression should still resolve")
			results[i] = buf
		}(i)
	}
	wg.Wait()
	require.NoError(t, <-addDone)

	for i := 1; i < readers; i++ {
		assert.Equal(t, results[0], results[i], "All readers should see the identical compressed buffer")
	}
	assert.Equal(t, int32(1), codec.compressions.Load(), "Compression should run exactly once")
}

func TestTextCache_StagedTextReadableMidCompression(t *testing.T) {
	codec := &trackingCodec{inner: NewGzipCodec(), delay: 50 * time.Millisecond}
	texts := NewTextCache(nil /*bus*/, codec, nil /*loader*/)
	defer texts.Close()

	addDone := make(chan error, 1)
	go func() { addDone <- texts.AddText("key", "mid-flight plaintext") }()
	require.Eventually(t, func() bool { return texts.Contains("key") },
		time.Second, time.Millisecond)

	started := time.Now()
	text, found, err := texts.GetText(context.Background(), "key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "mid-flight plaintext", text)
	assert.Less(t, time.Since(started), codec.delay,
		"Staged plaintext should be returned without waiting for compression")
	require.NoError(t, <-addDone)
}

func TestTextCache_WaitCanceledByContext(t *testing.T) {
	codec := &trackingCodec{inner: NewGzipCodec(), delay: 200 * time.Millisecond}
	texts := NewTextCache(nil /*bus*/, codec, nil /*loader*/)
	defer texts.Close()

	addDone := make(chan error, 1)
	go func() { addDone <- texts.AddText("key", "slow value") }()
	require.Eventually(t, func() bool { return texts.Contains("key") },
		time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := texts.GetCompressed(ctx, "key")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, <-addDone)
}

func TestTextCache_LoaderPopulatesOnMiss(t *testing.T) {
	var loaderCalls atomic.Int32
	loader := func(ctx context.Context, key string) (string, error) {
		loaderCalls.Add(1)
		return fmt.Sprintf("loaded:%s", key), nil
	}
	texts := NewTextCache(nil /*bus*/, nil /*codec*/, loader)
	defer texts.Close()

	text, found, err := texts.GetText(context.Background(), "cold")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "loaded:cold", text)
	assert.Equal(t, int32(1), loaderCalls.Load())
	assert.Equal(t, 1, texts.Len(), "The loaded value should now be stored compressed")

	// A second read hits the stored value; the loader stays cold.
	text, found, err = texts.GetText(context.Background(), "cold")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "loaded:cold", text)
	assert.Equal(t, int32(1), loaderCalls.Load())
}

func TestTextCache_ConcurrentLoadsDeduplicated(t *testing.T) {
	var loaderCalls atomic.Int32
	loader := func(ctx context.Context, key string) (string, error) {
		loaderCalls.Add(1)
		time.Sleep(30 * time.Millisecond)
		return "shared value", nil
	}
	texts := NewTextCache(nil /*bus*/, nil /*codec*/, loader)
	defer texts.Close()

	const readers = 8
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			text, found, err := texts.GetText(context.Background(), "cold")
			assert.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "shared value", text)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), loaderCalls.Load(), "Concurrent cold reads should hit the loader once")
}

func TestTextCache_LoaderFailurePropagates(t *testing.T) {
	loaderErr := errors.New("backing store down")
	loader := func(ctx context.Context, key string) (string, error) { return "", loaderErr }
	texts := NewTextCache(nil /*bus*/, nil /*codec*/, loader)
	defer texts.Close()

	_, _, err := texts.GetText(context.Background(), "cold")
	assert.ErrorIs(t, err, loaderErr, "Loader failures should reach the caller unretried")

	_, _, err = texts.GetCompressed(context.Background(), "cold")
	assert.ErrorIs(t, err, loaderErr)
}

func TestTextCache_LoaderWithNothingToLoad(t *testing.T) {
	loader := func(ctx context.Context, key string) (string, error) { return "", nil }
	texts := NewTextCache(nil /*bus*/, nil /*codec*/, loader)
	defer texts.Close()

	_, found, err := texts.GetText(context.Background(), "cold")
	require.NoError(t, err)
	assert.False(t, found, "An empty load should resolve as absent, not as an error")
	assert.Equal(t, 0, texts.Len())
}

func TestTextCache_CompressionFailurePropagatesToWaiters(t *testing.T) {
	codec := &failingCodec{delay: 50 * time.Millisecond}
	texts := NewTextCache(nil /*bus*/, codec, nil /*loader*/)
	defer texts.Close()

	addDone := make(chan error, 1)
	go func() { addDone <- texts.AddText("key", "doomed value") }()
	require.Eventually(t, func() bool { return texts.Contains("key") },
		time.Second, time.Millisecond)

	_, _, err := texts.GetCompressed(context.Background(), "key")
	assert.ErrorIs(t, err, errCodecBroken, "Waiters should receive the compression failure")
	assert.ErrorIs(t, <-addDone, errCodecBroken, "The writer should receive the compression failure")
	assert.Equal(t, 0, texts.Len(), "Nothing should be stored on codec failure")
}

func TestTextCache_PolicyEvictionApplies(t *testing.T) {
	texts := NewTextCache(nil /*bus*/, nil /*codec*/, nil /*loader*/)
	defer texts.Close()
	texts.UpdatePolicy(cache.Policy{MaxItems: 1})

	require.NoError(t, texts.AddText("first", "value one"))
	time.Sleep(5 * time.Millisecond) // Separate insertion timestamps.
	require.NoError(t, texts.AddText("second", "value two"))
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, texts.Len(), "The engine's policy should prune the compressed store")
	assert.True(t, texts.Contains("second"))
	assert.False(t, texts.Contains("first"))
}

func TestTextCache_RemoveAndClear(t *testing.T) {
	texts := NewTextCache(nil /*bus*/, nil /*codec*/, nil /*loader*/)
	defer texts.Close()

	require.NoError(t, texts.AddText("key1", "v1"))
	require.NoError(t, texts.AddText("key2", "v2"))

	texts.Remove("key1")
	assert.False(t, texts.Contains("key1"))
	assert.True(t, texts.Contains("key2"))

	texts.Clear()
	assert.Equal(t, 0, texts.Len())
}
