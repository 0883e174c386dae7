// Package config loads process configuration from the environment, with a
// .env file picked up in development.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	ChannelURL  string // websocket endpoint of the channel server
	APIURL      string // base URL of the game API
	UserID      string
	GameID      string

	PlayersPerGame int
	RoundDuration  int // seconds
	VotingDuration int // seconds
}

// Load reads the environment, after best-effort loading a local .env.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Port:           getEnv("PORT", "8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		ChannelURL:     getEnv("CHANNEL_URL", "ws://localhost:8080/ws"),
		APIURL:         getEnv("API_URL", "http://localhost:8080"),
		UserID:         os.Getenv("USER_ID"),
		GameID:         os.Getenv("GAME_ID"),
		PlayersPerGame: getEnvInt("PLAYERS_PER_GAME", 4),
		RoundDuration:  getEnvInt("ROUND_DURATION", 90),
		VotingDuration: getEnvInt("VOTING_DURATION", 30),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
