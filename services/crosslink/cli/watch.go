package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/crosslink/internal/domain"
	"github.com/ramiqadoumi/crosslink/internal/kafka"
	"github.com/ramiqadoumi/crosslink/services/crosslink/config"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream task lifecycle events from Kafka",
	Long: `Print task lifecycle events published by a crosslink server, one JSON
line per event, until interrupted.

Without --group every run gets its own consumer group and starts at the
newest event.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().String("group", "", "Kafka consumer group; committed offsets are resumed")
	watchCmd.Flags().String("machine", "", "only show events for tasks addressed to this machine")
	watchCmd.Flags().Bool("from-beginning", false, "start a new group at the oldest retained event")
}

// watchLine is the printed form of one event.
type watchLine struct {
	Event  string      `json:"event"`
	TaskID string      `json:"task_id"`
	From   domain.Role `json:"from_machine"`
	To     domain.Role `json:"to_machine"`
	Status string      `json:"status"`
	Prompt string      `json:"prompt"`
	At     string      `json:"at"`
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "crosslink-watch")

	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		return fmt.Errorf("kafka_brokers is not set")
	}

	group, _ := cmd.Flags().GetString("group")
	if group == "" {
		group = "crosslink-watch-" + uuid.NewString()[:8]
	}
	fromBeginning, _ := cmd.Flags().GetBool("from-beginning")

	var machine domain.Role
	if m, _ := cmd.Flags().GetString("machine"); m != "" {
		role, err := domain.ParseRole(m)
		if err != nil {
			return err
		}
		machine = role
	}

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       brokers,
		Topic:         cfg.EventsTopic,
		GroupID:       group,
		FromBeginning: fromBeginning,
	}, logger)
	defer func() { _ = consumer.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(cmd.OutOrStdout())
	return consumer.Subscribe(ctx, func(_ context.Context, msg kafka.Message) error {
		ev, err := kafka.DecodeEvent(msg)
		if err != nil {
			// Not ours; commit past it.
			logger.Warn("skipping undecodable message",
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if machine != "" && ev.Task.ToMachine != machine {
			return nil
		}
		return enc.Encode(watchLine{
			Event:  string(ev.Type),
			TaskID: ev.Task.ID,
			From:   ev.Task.FromMachine,
			To:     ev.Task.ToMachine,
			Status: string(ev.Task.Status),
			Prompt: ev.Task.Prompt,
			At:     ev.At.Format("2006-01-02T15:04:05Z07:00"),
		})
	})
}
