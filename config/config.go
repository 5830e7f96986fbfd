// Package config loads process settings from an optional YAML file and
// DISPUTEFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"disputeflow/collateral"
	"disputeflow/dispute"
	"disputeflow/treasury"
)

const envPrefix = "DISPUTEFLOW"

type Settings struct {
	HTTP     HTTPSettings     `mapstructure:"http"`
	Database DatabaseSettings `mapstructure:"database"`
	Redis    RedisSettings    `mapstructure:"redis"`
	Kafka    KafkaSettings    `mapstructure:"kafka"`
	Outbox   OutboxSettings   `mapstructure:"outbox"`
	Sweeper  SweeperSettings  `mapstructure:"sweeper"`
	Auth     AuthSettings     `mapstructure:"auth"`
	Admin    AdminSettings    `mapstructure:"admin"`
	Proposal ProposalSettings `mapstructure:"proposal"`
	Log      LogSettings      `mapstructure:"log"`
	Protocol ProtocolSettings `mapstructure:"protocol"`
	Treasury TreasurySettings `mapstructure:"treasury"`
}

type HTTPSettings struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseSettings struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

type RedisSettings struct {
	Addr          string `mapstructure:"addr"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

type KafkaSettings struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

type OutboxSettings struct {
	// Publisher is one of log, redis or kafka.
	Publisher   string        `mapstructure:"publisher"`
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type SweeperSettings struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Batch    int           `mapstructure:"batch"`
}

type AuthSettings struct {
	JWTSecret    string        `mapstructure:"jwt_secret"`
	AdminKeyHash string        `mapstructure:"admin_key_hash"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

type AdminSettings struct {
	RecoveryDelay time.Duration `mapstructure:"recovery_delay"`
}

type ProposalSettings struct {
	// Attester is the address whose signatures the proposal channel accepts.
	Attester string `mapstructure:"attester"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProtocolSettings mirror dispute.Params. Amounts are in ether.
type ProtocolSettings struct {
	StakeWindow              time.Duration `mapstructure:"stake_window"`
	ResolutionTimeout        time.Duration `mapstructure:"resolution_timeout"`
	RoundExtension           time.Duration `mapstructure:"round_extension"`
	MaxTimeExtension         time.Duration `mapstructure:"max_time_extension"`
	MaxCounters              int           `mapstructure:"max_counters"`
	BaseFee                  string        `mapstructure:"base_fee"`
	BurnBps                  int64         `mapstructure:"burn_bps"`
	NonParticipationBps      int64         `mapstructure:"non_participation_bps"`
	CounterPenalty           int           `mapstructure:"counter_penalty"`
	TimeoutPenaltyBase       int           `mapstructure:"timeout_penalty_base"`
	TimeoutPenaltyPerCounter int           `mapstructure:"timeout_penalty_per_counter"`
	AcceptBonus              int           `mapstructure:"accept_bonus"`
	AcceptBonusAfterCounter  int           `mapstructure:"accept_bonus_after_counter"`
}

// TreasurySettings mirror treasury.Params. Caps are in ether.
type TreasurySettings struct {
	DecayPerDay       int    `mapstructure:"decay_per_day"`
	PerDisputeCap     string `mapstructure:"per_dispute_cap"`
	PerParticipantCap string `mapstructure:"per_participant_cap"`
	DynamicCapBps     int64  `mapstructure:"dynamic_cap_bps"`
	ScoreScaleBps     int64  `mapstructure:"score_scale_bps"`
}

func setDefaults(v *viper.Viper) {
	dp := dispute.DefaultParams()
	tp := treasury.DefaultParams()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 16)
	v.SetDefault("database.migrate", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channel_prefix", "disputeflow.")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "disputeflow.")
	v.SetDefault("outbox.publisher", "log")
	v.SetDefault("outbox.interval", time.Second)
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.max_attempts", 10)
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", time.Minute)
	v.SetDefault("sweeper.batch", 100)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.admin_key_hash", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("admin.recovery_delay", 48*time.Hour)
	v.SetDefault("proposal.attester", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("protocol.stake_window", dp.StakeWindow)
	v.SetDefault("protocol.resolution_timeout", dp.ResolutionTimeout)
	v.SetDefault("protocol.round_extension", dp.RoundExtension)
	v.SetDefault("protocol.max_time_extension", dp.MaxTimeExtension)
	v.SetDefault("protocol.max_counters", dp.MaxCounters)
	v.SetDefault("protocol.base_fee", collateral.FormatEther(dp.BaseFee))
	v.SetDefault("protocol.burn_bps", dp.BurnBps)
	v.SetDefault("protocol.non_participation_bps", dp.NonParticipationBps)
	v.SetDefault("protocol.counter_penalty", dp.CounterPenalty)
	v.SetDefault("protocol.timeout_penalty_base", dp.TimeoutPenaltyBase)
	v.SetDefault("protocol.timeout_penalty_per_counter", dp.TimeoutPenaltyPerCounter)
	v.SetDefault("protocol.accept_bonus", dp.AcceptBonus)
	v.SetDefault("protocol.accept_bonus_after_counter", dp.AcceptBonusAfterCounter)

	v.SetDefault("treasury.decay_per_day", tp.DecayPerDay)
	v.SetDefault("treasury.per_dispute_cap", collateral.FormatEther(tp.PerDisputeCap))
	v.SetDefault("treasury.per_participant_cap", collateral.FormatEther(tp.PerParticipantCap))
	v.SetDefault("treasury.dynamic_cap_bps", tp.DynamicCapBps)
	v.SetDefault("treasury.score_scale_bps", tp.ScoreScaleBps)
}

// Load reads settings. path may be empty, in which case only defaults and the
// environment apply. DISPUTEFLOW_DATABASE_URL overrides database.url, and so on.
func Load(path string) (Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("config: decode: %w", err)
	}
	return s, nil
}

// Validate checks settings the process cannot start without.
func (s Settings) Validate() error {
	var errs []error
	if s.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if len(s.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 bytes"))
	}
	if !common.IsHexAddress(s.Proposal.Attester) {
		errs = append(errs, errors.New("proposal.attester must be an address"))
	}
	switch s.Outbox.Publisher {
	case "log", "redis":
	case "kafka":
		if len(s.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers required for the kafka publisher"))
		}
	default:
		errs = append(errs, fmt.Errorf("outbox.publisher %q is not one of log, redis, kafka", s.Outbox.Publisher))
	}
	if _, err := s.DisputeParams(); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.TreasuryParams(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (s Settings) Attester() common.Address {
	return common.HexToAddress(s.Proposal.Attester)
}

func (s Settings) DisputeParams() (dispute.Params, error) {
	p := s.Protocol
	fee, err := collateral.ParseEther(p.BaseFee)
	if err != nil {
		return dispute.Params{}, fmt.Errorf("protocol.base_fee: %w", err)
	}
	params := dispute.Params{
		StakeWindow:              p.StakeWindow,
		ResolutionTimeout:        p.ResolutionTimeout,
		RoundExtension:           p.RoundExtension,
		MaxTimeExtension:         p.MaxTimeExtension,
		MaxCounters:              p.MaxCounters,
		BaseFee:                  fee,
		BurnBps:                  p.BurnBps,
		NonParticipationBps:      p.NonParticipationBps,
		CounterPenalty:           p.CounterPenalty,
		TimeoutPenaltyBase:       p.TimeoutPenaltyBase,
		TimeoutPenaltyPerCounter: p.TimeoutPenaltyPerCounter,
		AcceptBonus:              p.AcceptBonus,
		AcceptBonusAfterCounter:  p.AcceptBonusAfterCounter,
	}
	if err := params.Validate(); err != nil {
		return dispute.Params{}, err
	}
	return params, nil
}

func (s Settings) TreasuryParams() (treasury.Params, error) {
	t := s.Treasury
	perDispute, err := collateral.ParseEther(t.PerDisputeCap)
	if err != nil {
		return treasury.Params{}, fmt.Errorf("treasury.per_dispute_cap: %w", err)
	}
	perParticipant, err := collateral.ParseEther(t.PerParticipantCap)
	if err != nil {
		return treasury.Params{}, fmt.Errorf("treasury.per_participant_cap: %w", err)
	}
	if t.DecayPerDay < 0 || t.DynamicCapBps < 0 || t.DynamicCapBps > collateral.BpsDenominator || t.ScoreScaleBps < 0 {
		return treasury.Params{}, errors.New("treasury: parameters out of range")
	}
	return treasury.Params{
		DecayPerDay:       t.DecayPerDay,
		PerDisputeCap:     perDispute,
		PerParticipantCap: perParticipant,
		DynamicCapBps:     t.DynamicCapBps,
		ScoreScaleBps:     t.ScoreScaleBps,
	}, nil
}
