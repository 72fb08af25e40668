/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/friendsincode/playcall/internal/db"
	"github.com/friendsincode/playcall/internal/events"
	"github.com/friendsincode/playcall/internal/feed"
	"github.com/friendsincode/playcall/internal/models"
	"github.com/friendsincode/playcall/internal/playstore"
)

var (
	publishCollection string
	publishID         string
	publishSeq        int64
	publishText       string
	publishInning     int
	publishHalf       string
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Insert a play and notify live listeners",
	Long: `Insert a play into a collection and push a notification to listeners.

Examples:
  # Third play of game g1
  playcall publish --collection g1 --seq 3 --text "Strike three, he's out." --inning 1 --half top
`,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVar(&publishCollection, "collection", "", "Collection (game) id")
	publishCmd.Flags().StringVar(&publishID, "id", "", "Play id (default: random uuid)")
	publishCmd.Flags().Int64Var(&publishSeq, "seq", 0, "Sequence number within the collection")
	publishCmd.Flags().StringVar(&publishText, "text", "", "Play description to speak")
	publishCmd.Flags().IntVar(&publishInning, "inning", 0, "Inning number")
	publishCmd.Flags().StringVar(&publishHalf, "half", "", "Inning half (top or bottom)")
	_ = publishCmd.MarkFlagRequired("collection")
	_ = publishCmd.MarkFlagRequired("seq")
	_ = publishCmd.MarkFlagRequired("text")
	rootCmd.AddCommand(publishCmd)
}

func buildPlay() (*models.Play, error) {
	if publishSeq < 1 {
		return nil, errors.New("--seq must be at least 1")
	}
	if strings.TrimSpace(publishText) == "" {
		return nil, errors.New("--text must not be empty")
	}
	half := strings.ToLower(publishHalf)
	if half != "" && half != "top" && half != "bottom" {
		return nil, fmt.Errorf("--half must be top or bottom, got %q", publishHalf)
	}
	id := publishID
	if id == "" {
		id = uuid.NewString()
	}
	return &models.Play{
		ID:             id,
		CollectionID:   publishCollection,
		SequenceNumber: publishSeq,
		Inning:         publishInning,
		InningHalf:     half,
		Description:    publishText,
	}, nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	play, err := buildPlay()
	if err != nil {
		return err
	}
	if err := loadConfig(); err != nil {
		return err
	}

	database, err := initDatabase()
	if err != nil {
		return err
	}
	defer db.Close(database)

	notifier, err := newNotifier(events.NewBus())
	if err != nil {
		return fmt.Errorf("connect feed: %w", err)
	}
	source := feed.NewSource(playstore.New(database), notifier, logger)
	defer source.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	if err := source.Publish(ctx, play); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", play.ID)
	return nil
}
