// Package config provides configuration types and loading for hypatia.
package config

import (
	"time"

	"github.com/hypatia-ai/hypatia/internal/elo"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Pools, Scheduler, Tournament, Elo, Archive, Events.
type Config struct {
	Paths      PathsConfig      `json:"paths"`
	Pools      PoolsConfig      `json:"pools"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Tournament TournamentConfig `json:"tournament"`
	Elo        elo.Config       `json:"elo"`
	Archive    ArchiveConfig    `json:"archive"`
	Events     EventsConfig     `json:"events"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	SessionFile string `json:"sessionFile" envconfig:"SESSION_FILE"`
	ArchiveDB   string `json:"archiveDb" envconfig:"ARCHIVE_DB"`
}

// ---------------------------------------------------------------------------
// Pools – agent counts per role
// ---------------------------------------------------------------------------

// PoolsConfig fixes the number of agents created per role at session start.
type PoolsConfig struct {
	Generation int `json:"generation" envconfig:"POOL_GENERATION"`
	Reflection int `json:"reflection" envconfig:"POOL_REFLECTION"`
	Ranking    int `json:"ranking" envconfig:"POOL_RANKING"`
	Evolution  int `json:"evolution" envconfig:"POOL_EVOLUTION"`
	Proximity  int `json:"proximity" envconfig:"POOL_PROXIMITY"`
	MetaReview int `json:"metaReview" envconfig:"POOL_META_REVIEW"`
}

// ---------------------------------------------------------------------------
// Scheduler – dispatch loop behaviour
// ---------------------------------------------------------------------------

// SchedulerConfig holds task dispatch settings.
type SchedulerConfig struct {
	TickInterval      time.Duration `json:"tickInterval"`
	MaxConcPerRole    int           `json:"maxConcPerRole" envconfig:"MAX_CONC_PER_ROLE"`
	CapabilityTimeout time.Duration `json:"capabilityTimeout"`
	RetryCeiling      int           `json:"retryCeiling" envconfig:"RETRY_CEILING"`
	BackoffBase       time.Duration `json:"backoffBase"`
	BackoffCap        time.Duration `json:"backoffCap"`
	AgentFailureLimit int           `json:"agentFailureLimit" envconfig:"AGENT_FAILURE_LIMIT"`
}

// ---------------------------------------------------------------------------
// Tournament – ranking engine behaviour
// ---------------------------------------------------------------------------

// TournamentConfig holds pair selection and termination settings.
type TournamentConfig struct {
	MatchBudget    int           `json:"matchBudget" envconfig:"MATCH_BUDGET"`
	PairsPerRound  int           `json:"pairsPerRound" envconfig:"PAIRS_PER_ROUND"`
	CooldownRounds int           `json:"cooldownRounds" envconfig:"COOLDOWN_ROUNDS"`
	StableTopN     int           `json:"stableTopN" envconfig:"STABLE_TOP_N"`
	StableRounds   int           `json:"stableRounds" envconfig:"STABLE_ROUNDS"`
	RoundTimeout   time.Duration `json:"roundTimeout"`
}

// ---------------------------------------------------------------------------
// Archive – sqlite run archive
// ---------------------------------------------------------------------------

// ArchiveConfig controls the optional sqlite run archive.
type ArchiveConfig struct {
	Enabled bool `json:"enabled" envconfig:"ARCHIVE_ENABLED"`
}

// ---------------------------------------------------------------------------
// Events – Kafka event stream
// ---------------------------------------------------------------------------

// EventsConfig controls the optional Kafka task-event publisher.
type EventsConfig struct {
	Enabled bool   `json:"enabled" envconfig:"EVENTS_ENABLED"`
	Brokers string `json:"brokers" envconfig:"EVENTS_BROKERS"`
	Topic   string `json:"topic" envconfig:"EVENTS_TOPIC"`
}

// DefaultConfig returns sensible defaults for a local session.
func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			SessionFile: "hypatia-session.json",
			ArchiveDB:   "hypatia-archive.db",
		},
		Pools: PoolsConfig{
			Generation: 5,
			Reflection: 2,
			Ranking:    2,
			Evolution:  1,
			Proximity:  1,
			MetaReview: 1,
		},
		Scheduler: SchedulerConfig{
			TickInterval:      20 * time.Millisecond,
			MaxConcPerRole:    4,
			CapabilityTimeout: 120 * time.Second,
			RetryCeiling:      3,
			BackoffBase:       500 * time.Millisecond,
			BackoffCap:        2 * time.Minute,
			AgentFailureLimit: 5,
		},
		Tournament: TournamentConfig{
			MatchBudget:    25,
			PairsPerRound:  4,
			CooldownRounds: 2,
			StableTopN:     3,
			StableRounds:   3,
			RoundTimeout:   5 * time.Minute,
		},
		Elo:     elo.DefaultConfig(),
		Archive: ArchiveConfig{Enabled: false},
		Events: EventsConfig{
			Enabled: false,
			Brokers: "localhost:9092",
			Topic:   "hypatia.tasks",
		},
	}
}
