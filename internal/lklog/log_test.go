package lklog

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTextHandlerRespectsVerbose(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Verbose: true, Stderr: &buf}))
	Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), "hello")
}

func TestInitWithoutVerboseSuppressesDebug(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Stderr: &buf}))
	Debug("should not appear")
	assert.Empty(t, strings.TrimSpace(buf.String()))
}

func TestInitJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Verbose: true, JSONFormat: true, Stderr: &buf}))
	Info("jsonmsg")
	assert.Contains(t, buf.String(), `"msg":"jsonmsg"`)
}

func TestWithRunID(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Verbose: true, JSONFormat: true, Stderr: &buf}))
	WithRunID("run_abc").Info("tagged")
	assert.Contains(t, buf.String(), `"run_id":"run_abc"`)
}

func TestFileWriterRotation(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWriter(dir)
	require.NoError(t, err)
	defer fw.Close()
	_, err = fw.Write([]byte("line\n"))
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(dir, "latest.jsonl"))
	require.NoError(t, err)
	assert.Regexp(t, `^lktrace-\d{4}-\d{2}-\d{2}\.jsonl$`, target)

	data, err := os.ReadFile(filepath.Join(dir, target))
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(data))
}

func TestFileWriterPrunesOldLogs(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "lktrace-2020-01-01.jsonl")
	keeper := filepath.Join(dir, "not-a-log.txt")
	require.NoError(t, os.WriteFile(stale, []byte("old\n"), 0o644))
	require.NoError(t, os.WriteFile(keeper, []byte("keep\n"), 0o644))

	fw, err := NewFileWriter(dir)
	require.NoError(t, err)
	defer fw.Close()

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale dated log should be pruned")
	_, err = os.Stat(keeper)
	assert.NoError(t, err, "non-log files must be left alone")
}
