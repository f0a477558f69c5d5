// Command simulator publishes synthetic water-quality samples over MQTT and
// plays the aerator, answering actuator commands with state reports.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

type options struct {
	broker     string
	sensorID   string
	actuatorID string
	sensorBase string
	actuator   string
	profile    string
	interval   time.Duration
	speedup    float64
	seed       uint64
}

func main() {
	var opts options
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "simulator").Logger()

	cmd := &cobra.Command{
		Use:          "simulator",
		Short:        "Simulate a pond, its sensors and its aerator over MQTT",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, logger)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	f.StringVar(&opts.sensorID, "sensor-id", "pond-1", "sensor node id")
	f.StringVar(&opts.actuatorID, "actuator-id", "aerator-1", "aerator id")
	f.StringVar(&opts.sensorBase, "sensor-topic", "aquasmart/edge/sensors", "sensor topic base, the sensor id is appended")
	f.StringVar(&opts.actuator, "actuator-prefix", "aquasmart/edge/actuators", "actuator topic prefix")
	f.StringVar(&opts.profile, "profile", "healthy", "tank profile: "+strings.Join(profileNames(), ", "))
	f.DurationVar(&opts.interval, "interval", 5*time.Second, "publish interval")
	f.Float64Var(&opts.speedup, "speedup", 1, "simulated seconds per real second")
	f.Uint64Var(&opts.seed, "seed", 1, "random seed")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// batch is the per-channel payload the edge controller parses
type batch struct {
	SensorID  string              `json:"sensor_id"`
	Timestamp time.Time           `json:"timestamp"`
	Readings  map[string]*float64 `json:"readings"`
	Units     map[string]string   `json:"units"`
}

type stateReport struct {
	ActuatorID string    `json:"actuator_id"`
	State      string    `json:"state"`
	ObservedAt time.Time `json:"observed_at"`
}

// newBatch builds the payload for one set of readings
func newBatch(sensorID string, at time.Time, readings map[models.Channel]*float64) batch {
	b := batch{
		SensorID:  sensorID,
		Timestamp: at.UTC(),
		Readings:  make(map[string]*float64, len(readings)),
		Units:     make(map[string]string, len(readings)),
	}
	for ch, v := range readings {
		b.Readings[string(ch)] = v
		if spec, ok := ch.Spec(); ok {
			b.Units[string(ch)] = spec.Unit
		}
	}
	return b
}

// decodeCommand extracts the requested aerator state from a command payload
func decodeCommand(payload []byte) (on bool, ok bool) {
	var cmd models.ActuatorCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return false, false
	}
	switch cmd.TargetState {
	case models.TargetOn:
		return true, true
	case models.TargetOff:
		return false, true
	}
	return false, false
}

func stateWord(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func run(ctx context.Context, opts options, logger zerolog.Logger) error {
	profile, err := lookupProfile(opts.profile)
	if err != nil {
		return err
	}
	if opts.interval <= 0 || opts.speedup <= 0 {
		return fmt.Errorf("interval and speedup must be positive")
	}
	tank := NewTank(profile, opts.seed)

	commands := make(chan bool, 8)
	stateTopic := opts.actuator + "/" + opts.actuatorID + "/state"
	commandTopic := opts.actuator + "/" + opts.actuatorID + "/command"
	sensorTopic := opts.sensorBase + "/" + opts.sensorID

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.broker).
		SetClientID(fmt.Sprintf("aquasmart-sim-%s", opts.sensorID)).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			token := c.Subscribe(commandTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
				on, ok := decodeCommand(msg.Payload())
				if !ok {
					logger.Warn().Str("payload", string(msg.Payload())).Msg("ignoring command")
					return
				}
				select {
				case commands <- on:
				default:
					logger.Warn().Msg("command queue full, dropping command")
				}
			})
			go func() {
				if token.Wait() && token.Error() != nil {
					logger.Error().Err(token.Error()).Msg("subscribe failed")
				}
			}()
			logger.Info().Str("broker", opts.broker).Msg("connected")
		})
	client := mqtt.NewClient(clientOpts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("connect to %s: %w", opts.broker, token.Error())
	}
	defer client.Disconnect(250)

	publish := func(topic string, v any) {
		payload, err := json.Marshal(v)
		if err != nil {
			logger.Error().Err(err).Msg("marshal payload")
			return
		}
		token := client.Publish(topic, 1, false, payload)
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			logger.Warn().Err(token.Error()).Str("topic", topic).Msg("publish failed")
		}
	}

	logger.Info().Str("profile", profile.Name).Str("topic", sensorTopic).Msg("simulation started")

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	// Samples carry wall-clock timestamps; speedup only accelerates the water model
	simStep := time.Duration(float64(opts.interval) * opts.speedup)
	wasFailed := false

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("simulation stopped")
			return nil

		case on := <-commands:
			actual := tank.SetAerator(on)
			if actual != on {
				logger.Warn().Bool("requested", on).Msg("aerator does not respond")
			}
			publish(stateTopic, stateReport{ActuatorID: opts.actuatorID, State: stateWord(actual), ObservedAt: time.Now().UTC()})

		case <-ticker.C:
			tank.Step(simStep)
			if tank.Failed() && !wasFailed {
				wasFailed = true
				logger.Warn().Msg("aerator failure injected")
			}

			readings := tank.Readings()
			publish(sensorTopic, newBatch(opts.sensorID, time.Now(), readings))

			ev := logger.Debug().Bool("aerating", tank.Aerating())
			if do := readings[models.ChannelDissolvedOxygen]; do != nil {
				ev = ev.Float64("dissolved_oxygen", *do)
			}
			ev.Msg("published")
		}
	}
}
