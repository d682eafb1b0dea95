package writer_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chronotape/chronotape/pkg/writer"
)

type fakeBackend struct {
	mu       sync.Mutex
	appended map[string][][][]byte
	replaced map[string][][]byte
	deleted  map[string]bool
	failNext bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		appended: make(map[string][][][]byte),
		replaced: make(map[string][][]byte),
		deleted:  make(map[string]bool),
	}
}

func (f *fakeBackend) AppendEntries(path string, lines [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errBoom
	}
	f.appended[path] = append(f.appended[path], lines)
	return nil
}

func (f *fakeBackend) ReplaceAll(path string, lines [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced[path] = lines
	return nil
}

func (f *fakeBackend) DeleteCassette(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[path] = true
	return nil
}

func (f *fakeBackend) EnsurePath(string) error { return nil }

type boom struct{}

func (boom) Error() string { return "boom" }

var errBoom = boom{}

func TestWriter_FlushesOnBatchSize(t *testing.T) {
	f := newFakeBackend()
	w := writer.New(f, writer.WithBatchSize(2), writer.WithBatchTimeout(time.Hour))

	w.WriteEntry("a.jsonl", 2, []byte(`{"b":2}`))
	w.WriteEntry("a.jsonl", 1, []byte(`{"b":1}`))

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.appended["a.jsonl"]) == 1
	}, time.Second, time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	batch := f.appended["a.jsonl"][0]
	require.Equal(t, []byte(`{"b":1}`), batch[0])
	require.Equal(t, []byte(`{"b":2}`), batch[1])
}

func TestWriter_FlushesOnTimerWhenUnderBatchSize(t *testing.T) {
	f := newFakeBackend()
	w := writer.New(f, writer.WithBatchSize(100), writer.WithBatchTimeout(10*time.Millisecond))

	w.WriteEntry("a.jsonl", 1, []byte(`{}`))

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.appended["a.jsonl"]) == 1
	}, time.Second, time.Millisecond)
}

func TestWriter_FlushNoOpOnEmptyPending(t *testing.T) {
	f := newFakeBackend()
	w := writer.New(f)
	require.NoError(t, w.Flush("never-written.jsonl"))
	require.Empty(t, f.appended)
}

func TestWriter_FlushAllDrainsEveryPath(t *testing.T) {
	f := newFakeBackend()
	w := writer.New(f, writer.WithBatchSize(100), writer.WithBatchTimeout(time.Hour))

	w.WriteEntry("a.jsonl", 1, []byte(`{}`))
	w.WriteEntry("b.jsonl", 1, []byte(`{}`))

	require.NoError(t, w.FlushAll())
	require.Len(t, f.appended["a.jsonl"], 1)
	require.Len(t, f.appended["b.jsonl"], 1)
}

func TestWriter_ReplaceAll_NoOpWhenPendingEmpty(t *testing.T) {
	f := newFakeBackend()
	w := writer.New(f)
	require.NoError(t, w.ReplaceAll("a.jsonl"))
	require.Empty(t, f.replaced)
}

func TestWriter_ReplaceAll_SortsAndReplaces(t *testing.T) {
	f := newFakeBackend()
	w := writer.New(f, writer.WithBatchSize(100), writer.WithBatchTimeout(time.Hour))

	w.WriteEntry("a.jsonl", 5, []byte(`{"b":5}`))
	w.WriteEntry("a.jsonl", 1, []byte(`{"b":1}`))

	require.NoError(t, w.ReplaceAll("a.jsonl"))
	require.Equal(t, []byte(`{"b":1}`), f.replaced["a.jsonl"][0])
	require.Equal(t, []byte(`{"b":5}`), f.replaced["a.jsonl"][1])
}

func TestWriter_FlushErrorIsLoggedNotFatal(t *testing.T) {
	f := newFakeBackend()
	f.failNext = true
	w := writer.New(f, writer.WithBatchSize(100), writer.WithBatchTimeout(time.Hour))

	w.WriteEntry("a.jsonl", 1, []byte(`{}`))
	err := w.Flush("a.jsonl")
	require.Error(t, err)

	w.WriteEntry("a.jsonl", 2, []byte(`{"b":2}`))
	require.NoError(t, w.Flush("a.jsonl"))
	require.Len(t, f.appended["a.jsonl"], 1)
}

func TestWriter_Shutdown_FlushesEverything(t *testing.T) {
	f := newFakeBackend()
	w := writer.New(f, writer.WithBatchSize(100), writer.WithBatchTimeout(time.Hour))
	w.WriteEntry("a.jsonl", 1, []byte(`{}`))

	require.NoError(t, w.Shutdown())
	require.Len(t, f.appended["a.jsonl"], 1)
}
