package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rail-ingest/ingest"
)

func runCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestNormalizeCmd(t *testing.T) {
	out, _, err := runCmd(t, "normalize", "7478-035-6980", "7478/6980/35")
	require.NoError(t, err)
	assert.Equal(t, "7478-035-6980\t7478 035 6980\n7478/6980/35\t7478 035 6980\n", out)

	out, errOut, err := runCmd(t, "normalize", "7478-035-6980", "abc")
	require.Error(t, err)
	assert.Contains(t, out, "7478 035 6980")
	assert.Contains(t, errOut, `"abc"`)
}

func TestStatsCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wagons.csv")
	require.NoError(t, os.WriteFile(path, []byte("index,wagon\n7478-035-6980,1\n7478 35 6980,2\nbad,3\n"), 0o644))

	out, _, err := runCmd(t, "stats", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Total:   3")
	assert.Contains(t, out, "Valid:   2")
	assert.Contains(t, out, "  7478  2")
	assert.Contains(t, out, `  "bad"`)
}

func TestImportCmd(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "wagons.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("index,wagon,loaded,weight\n7478-035-6980,1,1,100\n"), 0o644))
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log_level: warn\ndatabase:\n  driver: sqlite\n  path: "+filepath.Join(dir, "rail.db")+"\n"), 0o644))

	out, _, err := runCmd(t, "--config", cfgPath, "--env-file", filepath.Join(dir, "none.env"), "import", csvPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "Completed"`)
	assert.Contains(t, out, `"validRecords": 1`)

	_, _, err = runCmd(t, "--config", cfgPath, "--env-file", filepath.Join(dir, "none.env"), "import", filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}

type recordingPublisher struct {
	got  []string
	fail string
}

func (p *recordingPublisher) Publish(_ context.Context, msg *ingest.WagonUpdateMessage) error {
	if msg.EventID == p.fail {
		return errors.New("nack")
	}
	p.got = append(p.got, msg.EventID)
	return nil
}

func TestPublishLines(t *testing.T) {
	in := strings.Join([]string{
		`{"wagon":"1","load_flag":1,"weight":1,"train_index_raw":"7478-035-6980","date":"2024-03-01T00:00:00Z","source":"cli","eventId":"a"}`,
		``,
		`{"wagon":"2","load_flag":0,"weight":0,"train_index_raw":"7478-035-6980","date":"2024-03-01T00:00:00Z","source":"cli","eventId":"b"}`,
		`not json`,
		`{"eventId":"c"}`,
	}, "\n")

	pub := &recordingPublisher{}
	sent, err := publishLines(context.Background(), strings.NewReader(in), pub)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 4")
	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{"a", "b"}, pub.got)

	pub = &recordingPublisher{fail: "b"}
	sent, err = publishLines(context.Background(), strings.NewReader(in), pub)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
	assert.Equal(t, 1, sent)
}
