package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_defaults(t *testing.T) {
	for _, doc := range []string{``, `{}`, "# nothing\n"} {
		c, err := Parse([]byte(doc))
		require.NoError(t, err)
		assert.Equal(t, len(AvailableCores()), c.CPUCoreNum)
		assert.Equal(t, DefaultEventQueueDepth, c.EventQueueDepth)
		assert.Equal(t, DefaultTaskQueueCapacity, c.TaskQueueCapacity)
		assert.Equal(t, DefaultSubmitTimeout, c.SubmitTimeout)
		assert.Equal(t, DefaultEnqueueBuffTimeout, c.EnqueueBuffTimeout)
		assert.Equal(t, Pump{MaxBatch: DefaultPumpMaxBatch, PartialTimeout: DefaultPumpPartialTimeout}, c.Pump)
		assert.Equal(t, DefaultLogLevel, c.LogLevel)
		assert.False(t, c.SubmitOneByOne)
		assert.False(t, c.NullDataEnabled)
		assert.Nil(t, c.Cores())
		assert.Equal(t, Default(), *c)
	}
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
cpu_core_num: 3
device_id: 2
event_queue_depth: 16
task_queue_capacity: 8
submit_one_by_one: true
submit_timeout: 25ms
null_data_enabled: true
enqueue_buff_timeout: 2s
bind_cores: true
pump:
  max_batch: 4
  partial_timeout: 3ms
log_level: debug
`))
	require.NoError(t, err)
	assert.Equal(t, &Config{
		CPUCoreNum:         3,
		DeviceID:           2,
		EventQueueDepth:    16,
		TaskQueueCapacity:  8,
		SubmitOneByOne:     true,
		SubmitTimeout:      25 * time.Millisecond,
		NullDataEnabled:    true,
		EnqueueBuffTimeout: 2 * time.Second,
		BindCores:          true,
		Pump:               Pump{MaxBatch: 4, PartialTimeout: 3 * time.Millisecond},
		LogLevel:           `debug`,
	}, c)
	assert.Equal(t, AvailableCores(), c.Cores())
}

func TestParse_errors(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		doc  string
	}{
		{`unknown field`, `cpu_cores: 1`},
		{`bad type`, `cpu_core_num: many`},
		{`bad duration`, `submit_timeout: soon`},
		{`negative cores`, `cpu_core_num: -1`},
		{`negative depth`, `event_queue_depth: -5`},
		{`negative timeout`, `enqueue_buff_timeout: -1s`},
		{`unknown level`, `log_level: loud`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			assert.Error(t, err)
		})
	}

	_, err := Parse([]byte(`log_level: loud`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), `aicpu.yaml`)
	require.NoError(t, os.WriteFile(path, []byte("cpu_core_num: 2\n"), 0o600))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, c.CPUCoreNum)

	_, err = Load(filepath.Join(t.TempDir(), `missing.yaml`))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_NewLogger(t *testing.T) {
	c := Default()
	c.LogLevel = `warning`
	var buf bytes.Buffer
	logger, err := c.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info().Log(`filtered`)
	logger.Warning().Str(`queue`, `q1`).Log(`kept`)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, `kept`, entry[`msg`])
	assert.Equal(t, `q1`, entry[`queue`])

	c.LogLevel = `nope`
	_, err = c.NewLogger(&buf)
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]logiface.Level{
		`disabled`: logiface.LevelDisabled,
		`err`:      logiface.LevelError,
		`ERROR`:    logiface.LevelError,
		`warn`:     logiface.LevelWarning,
		` info `:   logiface.LevelInformational,
		`debug`:    logiface.LevelDebug,
		`trace`:    logiface.LevelTrace,
	} {
		got, err := ParseLevel(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}
	_, err := ParseLevel(``)
	assert.Error(t, err)
}

func TestAvailableCores(t *testing.T) {
	cores := AvailableCores()
	require.NotEmpty(t, cores)
	for i := 1; i < len(cores); i++ {
		assert.Less(t, cores[i-1], cores[i])
	}
}
