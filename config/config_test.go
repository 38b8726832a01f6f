package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ROOM_TTL", "")
	t.Setenv("MATCH_RULE", "")
	t.Setenv("PORT", "")
	t.Setenv("CHAT_MATCH_WINDOW", "")

	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, time.Hour, cfg.Rooms.TTL)
	assert.Equal(t, "open", cfg.Match.Rule)
	assert.Empty(t, cfg.Match.ChatWindow)
	assert.Equal(t, 30*time.Second, cfg.Session.ForfeitGrace)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ROOM_TTL", "90m")
	t.Setenv("GAME_FORFEIT_GRACE", "5s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("MATCH_RULE", "complementary")
	t.Setenv("EVENT_RELAY", "false")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("CHAT_MATCH_WINDOW", "21-24")

	cfg := Load()

	assert.False(t, cfg.Session.Relay)
	assert.Equal(t, 90*time.Minute, cfg.Rooms.TTL)
	assert.Equal(t, 5*time.Second, cfg.Session.ForfeitGrace)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "complementary", cfg.Match.Rule)
	assert.Equal(t, "nats://nats:4222", cfg.Session.NatsURL)
	assert.Equal(t, "21-24", cfg.Match.ChatWindow)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("ROOM_TTL", "soon")
	t.Setenv("PLAYBACK_MAX_MEMBERS", "many")
	t.Setenv("EVENT_RELAY", "sometimes")

	cfg := Load()

	assert.True(t, cfg.Session.Relay)
	assert.Equal(t, time.Hour, cfg.Rooms.TTL)
	assert.Equal(t, 8, cfg.Rooms.PlaybackMaxMembers)
}
