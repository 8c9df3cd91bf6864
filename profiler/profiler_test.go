package profiler

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStats(t *testing.T) {
	p := New(Options{})
	for i := 1; i <= 100; i++ {
		p.Record("predict", time.Duration(i)*time.Millisecond)
	}
	p.Record("decode", time.Second)

	s := p.Snapshot()
	require.Len(t, s.Operations, 2)
	assert.Equal(t, "decode", s.Operations[0].Name, "sorted by name")

	op := s.Operations[1]
	assert.Equal(t, "predict", op.Name)
	assert.Equal(t, int64(100), op.Count)
	assert.Equal(t, time.Millisecond, op.Min)
	assert.Equal(t, 100*time.Millisecond, op.Max)
	assert.Equal(t, 50500*time.Microsecond, op.Mean)
	assert.Equal(t, 50*time.Millisecond, op.P50)
	assert.Equal(t, 95*time.Millisecond, op.P95)
	assert.Positive(t, s.Goroutines)
}

func TestRecordWindow(t *testing.T) {
	p := New(Options{MaxSamples: 2})
	p.Record("op", time.Second)
	p.Record("op", 2*time.Millisecond)
	p.Record("op", 4*time.Millisecond)

	op := p.Snapshot().Operations[0]
	assert.Equal(t, int64(3), op.Count)
	assert.Equal(t, 3*time.Millisecond, op.Mean, "mean covers the window")
	assert.Equal(t, time.Second, op.Max, "extremes cover every sample")
}

func TestStartOperationConcurrent(t *testing.T) {
	p := New(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := p.StartOperation("infer")
			time.Sleep(time.Millisecond)
			done()
		}()
	}
	wg.Wait()

	op := p.Snapshot().Operations[0]
	assert.Equal(t, int64(8), op.Count)
	assert.GreaterOrEqual(t, op.Min, time.Millisecond)
}

func TestLog(t *testing.T) {
	p := New(Options{})
	p.Record("predict", 3*time.Millisecond)

	var buf bytes.Buffer
	p.Log(slog.New(slog.NewTextHandler(&buf, nil)))

	assert.Contains(t, buf.String(), "msg=runtime")
	assert.Contains(t, buf.String(), "operation=predict")
	assert.Contains(t, buf.String(), "count=1")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KB", FormatBytes(1024))
	assert.Equal(t, "1.5 MB", FormatBytes(1536*1024))
}
