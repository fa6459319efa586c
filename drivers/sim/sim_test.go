package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/voltlab/cellbench/channelio"
	"github.com/voltlab/cellbench/config"
)

func settingsNode(t *testing.T, raw string) *yaml.Node {
	t.Helper()
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(raw), &node))
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		return node.Content[0]
	}
	return &node
}

func TestScriptedSourceReplaysRounds(t *testing.T) {
	node := settingsNode(t, `
loop: false
script:
  - channel: 1
    values:
      voltage: "3.7"
      current: "2.0"
  - samples:
      - channel: 1
        values:
          voltage: "4.2"
      - channel: 2
        values:
          voltage: "3.1"
`)
	factory := NewSourceFactory()
	source, err := factory(
		config.DriverConfig{Driver: Driver, Settings: node},
		channelio.Dependencies{Logger: zerolog.Nop(), MaxChannels: 4},
	)
	require.NoError(t, err)
	defer source.Close()

	ctx := context.Background()
	round, err := source.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, round, 1)
	assert.Equal(t, uint32(1), round[0].Channel)
	assert.InDelta(t, 3.7, round[0].Values["voltage"], 1e-9)
	assert.InDelta(t, 2.0, round[0].Values["current"], 1e-9)

	round, err = source.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, round, 2)
	assert.Equal(t, uint32(2), round[1].Channel)

	// Script exhausted, no loop: empty batches from here on.
	round, err = source.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, round)
}

func TestScriptedSourceLoops(t *testing.T) {
	node := settingsNode(t, `
loop: true
script:
  - channel: 0
    values:
      voltage: "3.5"
`)
	source, err := NewSourceFactory()(
		config.DriverConfig{Driver: Driver, Settings: node},
		channelio.Dependencies{Logger: zerolog.Nop(), MaxChannels: 1},
	)
	require.NoError(t, err)
	defer source.Close()

	for i := 0; i < 5; i++ {
		round, err := source.Poll(context.Background())
		require.NoError(t, err)
		require.Len(t, round, 1)
	}
}

func TestSourceFactoryRejectsBadScript(t *testing.T) {
	cases := map[string]string{
		"channel out of range": `
script:
  - channel: 9
    values:
      voltage: "3.7"
`,
		"unparseable value": `
script:
  - channel: 0
    values:
      voltage: "not-a-number"
`,
		"empty measurement name": `
script:
  - channel: 0
    values:
      "": "1.0"
`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewSourceFactory()(
				config.DriverConfig{Driver: Driver, Settings: settingsNode(t, raw)},
				channelio.Dependencies{Logger: zerolog.Nop(), MaxChannels: 4},
			)
			assert.Error(t, err)
		})
	}
}

func TestFeederDeliversPushedRounds(t *testing.T) {
	feeder := NewFeeder()
	defer feeder.Close()

	require.NoError(t, feeder.Push(channelio.Sample{Channel: 1, Values: channelio.Snapshot{"voltage": 3.8}}))
	round, err := feeder.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, round, 1)
	assert.Equal(t, uint32(1), round[0].Channel)
}

func TestFeederPollHonoursContext(t *testing.T) {
	feeder := NewFeeder()
	defer feeder.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := feeder.Poll(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFeederCloseReleasesPollers(t *testing.T) {
	feeder := NewFeeder()
	done := make(chan error, 1)
	go func() {
		_, err := feeder.Poll(context.Background())
		done <- err
	}()
	feeder.Close()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("poll did not return after close")
	}
	assert.Error(t, feeder.Push(channelio.Sample{Channel: 0}))
}

func TestRecorderPortLogsCalls(t *testing.T) {
	port := NewRecorderPort(zerolog.Nop())
	require.NoError(t, port.SetConstantCurrent(1, 2.0))
	require.NoError(t, port.SetConstantVoltage(1, 4.2))
	require.NoError(t, port.SetRest(2))
	require.NoError(t, port.SetOff(1))

	calls := port.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, ControlCall{Op: OpConstantCurrent, Channel: 1, Value: 2.0}, calls[0])

	forOne := port.CallsFor(1)
	require.Len(t, forOne, 3)
	assert.Equal(t, OpOff, forOne[2].Op)
}

func TestRecorderPortArmedFailure(t *testing.T) {
	port := NewRecorderPort(zerolog.Nop())
	boom := errors.New("bus fault")
	port.FailWith(OpRest, boom)

	assert.ErrorIs(t, port.SetRest(0), boom)
	assert.Empty(t, port.Calls())

	port.FailWith(OpRest, nil)
	require.NoError(t, port.SetRest(0))
	assert.Len(t, port.Calls(), 1)
}
