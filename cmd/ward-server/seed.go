package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/ward-safety/internal/auth"
	"github.com/fpang/ward-safety/internal/config"
	"github.com/fpang/ward-safety/internal/store"
)

var (
	adminUserFlag     string
	adminPasswordFlag string
	demoRoomFlag      string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the initial admin account and a demo room",
	Long: `Seed creates an admin account and, unless --room is empty, a demo room
with default monitoring settings. Existing records are left untouched, so
seed is safe to run more than once.`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&adminUserFlag, "admin-user", "admin", "Admin username")
	seedCmd.Flags().StringVar(&adminPasswordFlag, "admin-password", "", "Admin password (required)")
	seedCmd.Flags().StringVar(&demoRoomFlag, "room", "Demo Room", "Name of the demo room to create")
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if adminPasswordFlag == "" {
		return errors.New("--admin-password is required")
	}

	e, err := setup(ctx)
	if err != nil {
		return err
	}
	if e.cfg.Store.Backend == config.BackendMemory {
		log.Warn().Msg("Seeding the in-memory store has no lasting effect")
	}
	return seed(ctx, e.store, e.cfg, adminUserFlag, adminPasswordFlag, demoRoomFlag)
}

func seed(ctx context.Context, s store.Store, cfg *config.Config, username, password, roomName string) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	admin := &store.User{Username: username, PasswordHash: hash, Name: "Administrator", Role: store.RoleAdmin}
	switch err := s.CreateUser(ctx, admin); {
	case errors.Is(err, store.ErrConflict):
		log.Info().Str("username", username).Msg("Admin user already exists")
	case err != nil:
		return fmt.Errorf("create admin user: %w", err)
	default:
		log.Info().Str("username", username).Int64("userId", admin.ID).Msg("Admin user created")
	}

	if roomName == "" {
		return nil
	}
	rooms, err := s.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	for _, r := range rooms {
		if r.Name == roomName {
			log.Info().Str("room", roomName).Int64("roomId", r.ID).Msg("Demo room already exists")
			return nil
		}
	}

	room := &store.Room{Name: roomName, Floor: 1, Capacity: 2}
	if err := s.CreateRoom(ctx, room); err != nil {
		return fmt.Errorf("create demo room: %w", err)
	}
	settings := cfg.Environment.Settings(room.ID)
	if err := s.PutMonitoringSettings(ctx, &settings); err != nil {
		return fmt.Errorf("store demo room settings: %w", err)
	}
	log.Info().Str("room", roomName).Int64("roomId", room.ID).Msg("Demo room created")
	return nil
}
