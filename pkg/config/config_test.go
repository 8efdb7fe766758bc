package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Chatwoot: Chatwoot{Host: "https://cw.example.com", APIToken: "token", AccountID: 1},
		Agents: []Agent{
			{
				Code: "maksim",
				Transports: []Transport{
					{Kind: KindWA, InstanceID: "1101", APIToken: "t1", InboxID: 3},
					{Kind: KindWA, InstanceID: "1102", APIToken: "t2", InboxID: 15},
					{Kind: KindTG, InstanceID: "p-1", APIToken: "t3", InboxID: 7},
				},
			},
			{
				Code: "olga",
				Transports: []Transport{
					{Kind: KindWA, InstanceID: "1201", APIToken: "t4", InboxID: 9},
				},
			},
		},
		Portals: []Portal{
			{Domain: "forestvologda.bitrix24.ru", WebhookToken: "wh"},
		},
	}
	require.NoError(t, cfg.Validate())
	cfg.buildIndexes()
	return cfg
}

func TestLoadWithDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("chatwoot.host", "https://cw.example.com")
	v.Set("chatwoot.api_token", "token")

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, int64(30*1024*1024), cfg.MaxBodyBytes)
	assert.Equal(t, []int{13, 14}, cfg.AIOperatorIDs)
	assert.Equal(t, []int64{182, 6784, 6014}, cfg.NotifyUserIDs)
	assert.Equal(t, "gpt-4o-transcribe", cfg.OpenAI.TranscribeModel)
}

func TestValidateRejectsDuplicateInbox(t *testing.T) {
	cfg := &Config{
		Chatwoot: Chatwoot{Host: "h", APIToken: "t"},
		Agents: []Agent{
			{Code: "a", Transports: []Transport{{Kind: KindWA, InboxID: 3}}},
			{Code: "b", Transports: []Transport{{Kind: KindWA, InboxID: 3}}},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inbox 3")
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	cfg := &Config{
		Chatwoot: Chatwoot{Host: "h", APIToken: "t"},
		Agents: []Agent{
			{Code: "a", Transports: []Transport{{Kind: "viber", InboxID: 3}}},
		},
	}
	assert.Error(t, cfg.Validate())
}

func TestIndexLookups(t *testing.T) {
	cfg := testConfig(t)

	agent, ok := cfg.AgentByInbox(15)
	require.True(t, ok)
	assert.Equal(t, "maksim", agent.Code)

	tr, ok := cfg.TransportByInbox(7)
	require.True(t, ok)
	assert.Equal(t, KindTG, tr.Kind)

	assert.Equal(t, []int{3, 15, 7}, cfg.InboxIDs("maksim"))
	assert.ElementsMatch(t, []int{3, 15, 7, 9}, cfg.AllInboxIDs())

	_, ok = cfg.AgentByCode("nobody")
	assert.False(t, ok)
}

func TestTransportsPreserveConfigOrder(t *testing.T) {
	cfg := testConfig(t)

	was := cfg.Transports("maksim", KindWA)
	require.Len(t, was, 2)
	assert.Equal(t, 3, was[0].InboxID)
	assert.Equal(t, 15, was[1].InboxID)

	assert.Empty(t, cfg.Transports("maksim", "viber"))
	assert.Empty(t, cfg.Transports("nobody", KindWA))
}

func TestIsAIOperator(t *testing.T) {
	cfg := testConfig(t)
	cfg.AIOperatorIDs = []int{13, 14}
	assert.True(t, cfg.IsAIOperator(13))
	assert.False(t, cfg.IsAIOperator(99))
}
