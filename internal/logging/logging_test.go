package logging

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPaths(t *testing.T) {
	assert.Contains(t, DefaultLogDir(), filepath.Join(".chunkfusion", "logs"))
	assert.Equal(t, "chunkfusion.log", filepath.Base(DefaultLogPath()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Empty(t, cfg.FilePath, "stderr only by default")
	assert.Equal(t, 10, cfg.MaxSizeMB)
	assert.Equal(t, 5, cfg.MaxFiles)
	assert.True(t, cfg.WriteToStderr)

	file := FileConfig()
	assert.Equal(t, DefaultLogPath(), file.FilePath)
	assert.False(t, file.WriteToStderr)
}

func TestSetup_WritesJSONToFile(t *testing.T) {
	// Given: a file config at debug level
	logPath := filepath.Join(t.TempDir(), "nested", "test.log")
	cfg := Config{Level: "debug", FilePath: logPath, MaxSizeMB: 1, MaxFiles: 3}

	// When: logging one debug event
	logger, cleanup, err := Setup(cfg)
	require.NoError(t, err)
	logger.Debug("group_skipped", "group_id", "g1")
	cleanup()

	// Then: the file holds one JSON line for it
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"group_skipped"`)
	assert.Contains(t, string(data), `"group_id":"g1"`)
}

func TestSetup_StderrOnly(t *testing.T) {
	logger, cleanup, err := Setup(Config{Level: "warn"})
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, logger)
	assert.False(t, logger.Enabled(context.Background(), LevelFromString("info")))
	assert.True(t, logger.Enabled(context.Background(), LevelFromString("error")))
}

func TestNew_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"DEBUG", "DEBUG"},
		{"info", "INFO"},
		{" warn ", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFromString(tt.input).String(), tt.input)
	}
	assert.True(t, ValidLevel("Warning"))
	assert.False(t, ValidLevel("verbose"))
}

func TestFindLogFile(t *testing.T) {
	_, err := FindLogFile("/nonexistent/path/to/log.log")
	assert.Error(t, err)

	logPath := filepath.Join(t.TempDir(), "test.log")
	require.NoError(t, os.WriteFile(logPath, []byte("x"), 0o644))

	found, err := FindLogFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, logPath, found)
}

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "view.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

const (
	lineInfo  = `{"time":"2026-01-02T10:00:00.000Z","level":"INFO","msg":"store_opened","backend":"memory"}`
	lineWarn  = `{"time":"2026-01-02T10:00:01.000Z","level":"WARN","msg":"fusion_group_failed","group_id":"g2"}`
	lineDebug = `{"time":"2026-01-02T10:00:02.000Z","level":"DEBUG","msg":"group_skipped","group_id":"g3"}`
	lineText  = `plain text line`
)

func TestViewer_Tail(t *testing.T) {
	path := writeLog(t, lineInfo, lineWarn, lineDebug, lineText)

	tests := []struct {
		name string
		cfg  ViewerConfig
		n    int
		want []string
	}{
		{"all lines", ViewerConfig{}, 10, []string{"store_opened", "fusion_group_failed", "group_skipped", ""}},
		{"last two", ViewerConfig{}, 2, []string{"group_skipped", ""}},
		{"level warn", ViewerConfig{Level: "warn"}, 10, []string{"fusion_group_failed"}},
		{"event", ViewerConfig{Event: "group_skipped"}, 10, []string{"group_skipped"}},
		{"pattern", ViewerConfig{Pattern: regexp.MustCompile(`g[23]`)}, 10, []string{"fusion_group_failed", "group_skipped"}},
		{"zero lines", ViewerConfig{}, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := NewViewer(tt.cfg, &bytes.Buffer{}).Tail(path, tt.n)
			require.NoError(t, err)

			var got []string
			for _, e := range entries {
				got = append(got, e.Msg)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestViewer_FormatEntry(t *testing.T) {
	v := NewViewer(ViewerConfig{NoColor: true}, &bytes.Buffer{})

	entry := parseLine(`{"time":"2026-01-02T10:00:01.250Z","level":"WARN","msg":"fusion_group_failed","group_id":"g2","error":{"code":"ERR_304_STORE_UNAVAILABLE"}}`)

	assert.Equal(t,
		`10:00:01.250 WARN  fusion_group_failed error={"code":"ERR_304_STORE_UNAVAILABLE"} group_id=g2`,
		v.FormatEntry(entry))
	assert.Equal(t, lineText, v.FormatEntry(parseLine(lineText)))
}

func TestViewer_Print(t *testing.T) {
	var buf bytes.Buffer
	v := NewViewer(ViewerConfig{NoColor: true}, &buf)

	v.Print([]LogEntry{parseLine(lineInfo)})

	assert.Equal(t, "10:00:00.000 INFO  store_opened backend=memory\n", buf.String())
}

func TestViewer_Follow(t *testing.T) {
	// Given: a log file being followed for warnings
	path := writeLog(t, lineWarn)
	v := NewViewer(ViewerConfig{Level: "warn"}, &bytes.Buffer{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entries := make(chan LogEntry, 4)
	done := make(chan error, 1)
	go func() { done <- v.Follow(ctx, path, entries) }()
	time.Sleep(3 * followPoll)

	// When: new lines are appended
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(lineInfo + "\n" + lineWarn + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Then: only the new warning arrives
	select {
	case e := <-entries:
		assert.Equal(t, "fusion_group_failed", e.Msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no entry followed")
	}
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, entries)
}

func TestRotatingWriter_Rotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "rotate.log")
	w, err := newRotatingWriter(logPath, 1024, 3)
	require.NoError(t, err)
	defer w.Close()

	chunk := bytes.Repeat([]byte("x"), 800)
	for range 2 {
		_, err := w.Write(chunk)
		require.NoError(t, err)
	}

	assert.FileExists(t, logPath)
	assert.FileExists(t, logPath+".1")
	info, err := os.Stat(logPath)
	require.NoError(t, err)
	assert.Equal(t, int64(800), info.Size())
}

func TestRotatingWriter_MaxFilesLimit(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "maxfiles.log")
	w, err := newRotatingWriter(logPath, 512, 2)
	require.NoError(t, err)
	defer w.Close()

	chunk := bytes.Repeat([]byte("y"), 512)
	for range 6 {
		_, _ = w.Write(chunk)
	}

	assert.FileExists(t, logPath+".1")
	assert.FileExists(t, logPath+".2")
	assert.NoFileExists(t, logPath+".3")
}

func TestRotatingWriter_SyncAndClose(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "sync.log")
	w, err := NewRotatingWriter(logPath, 1, 3)
	require.NoError(t, err)

	_, err = w.Write([]byte("data to sync\n"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "data to sync")

	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second close is a no-op")
}

func TestRotatingWriter_ConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "concurrent.log")
	w, err := NewRotatingWriter(logPath, 10, 3)
	require.NoError(t, err)
	defer w.Close()
	w.SetSyncEachWrite(false)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				_, _ = fmt.Fprintf(w, `{"id":%d,"iter":%d,"msg":"test"}`+"\n", i, j)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, w.Sync())

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, 1000, strings.Count(string(content), "\n"))
}

func TestSetup_CustomStderrSink(t *testing.T) {
	var sink bytes.Buffer
	logger, cleanup, err := Setup(Config{Level: "info", WriteToStderr: true, Stderr: &sink})
	require.NoError(t, err)
	defer cleanup()

	logger.Info("app_ready")

	assert.Contains(t, sink.String(), `"msg":"app_ready"`)
}
