package lib

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/units"
)

/* This file implements logic for 'user controlled' configurations of each coordination module of the peer */

const (
	// FILE NAMES in the 'data directory'
	ConfigFilePath = "config.json" // the file path for the peer configuration
	PeerKeyPath    = "peer_key.json"
)

// Config is the structure of the user configuration options for a coordination peer
type Config struct {
	MainConfig    // main options spanning over all modules
	CodecConfig   // envelope encoding options
	DedupConfig   // replay guard options
	GossipConfig  // dissemination options
	RoundConfig   // round tracker options
	VoteConfig    // vote aggregation defaults
	SyncConfig    // move chain and checkpoint options
	LedgerConfig  // outcome emitter options
	StoreConfig   // persistence options
	P2PConfig     // transport options
	RPCConfig     // application api options
	MetricsConfig // telemetry options
}

// DefaultConfig() returns a Config with developer set options
func DefaultConfig() Config {
	return Config{
		MainConfig:    DefaultMainConfig(),
		CodecConfig:   DefaultCodecConfig(),
		DedupConfig:   DefaultDedupConfig(),
		GossipConfig:  DefaultGossipConfig(),
		RoundConfig:   DefaultRoundConfig(),
		VoteConfig:    DefaultVoteConfig(),
		SyncConfig:    DefaultSyncConfig(),
		LedgerConfig:  DefaultLedgerConfig(),
		StoreConfig:   DefaultStoreConfig(),
		P2PConfig:     DefaultP2PConfig(),
		RPCConfig:     DefaultRPCConfig(),
		MetricsConfig: DefaultMetricsConfig(),
	}
}

// MAIN CONFIG BELOW

type MainConfig struct {
	LogLevel string `json:"logLevel"` // any level includes the levels above it: debug < info < warning < error
	PeerID   PeerID `json:"peerID"`   // this peer's identifier on the wire, the hex public key when empty
}

// DefaultMainConfig() sets log level to 'info'
func DefaultMainConfig() MainConfig {
	return MainConfig{
		LogLevel: "info", // everything but debug is the default
	}
}

// GetLogLevel() parses the log string in the config file into a LogLevel Enum
func (m *MainConfig) GetLogLevel() int32 {
	switch {
	case strings.Contains(strings.ToLower(m.LogLevel), "deb"):
		return DebugLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "inf"):
		return InfoLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "war"):
		return WarnLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "err"):
		return ErrorLevel
	default:
		return DebugLevel
	}
}

// CODEC CONFIG BELOW

// CodecConfig bounds the size of envelopes accepted off the wire
type CodecConfig struct {
	MaxEnvelopeBytes int    `json:"maxEnvelopeBytes"` // envelopes above this size are rejected as malformed
	WireForm         string `json:"wireForm"`         // 'binary' or 'json', the form used for outbound envelopes
	RequireSignature bool   `json:"requireSignature"` // drop unsigned envelopes
}

// DefaultCodecConfig() uses the compact binary form with a 1 MB cap
func DefaultCodecConfig() CodecConfig {
	return CodecConfig{
		MaxEnvelopeBytes: int(units.MiB), // 1 MiB max envelope
		WireForm:         "binary",
		RequireSignature: false,
	}
}

// DEDUP CONFIG BELOW

// DedupConfig is the configuration of the replay guard
type DedupConfig struct {
	WindowMS    uint64 `json:"windowMS"`    // how long a message id is remembered, also the maximum accepted message age
	ClockSkewMS uint64 `json:"clockSkewMS"` // how far into the future a message timestamp may be
	Capacity    int    `json:"capacity"`    // hard bound on remembered message ids, oldest are evicted first
}

// DefaultDedupConfig() remembers 5 minutes of traffic up to 10K messages
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		WindowMS:    uint64((5 * time.Minute).Milliseconds()),
		ClockSkewMS: uint64((30 * time.Second).Milliseconds()),
		Capacity:    10000,
	}
}

// Window() converts the dedup window to a duration
func (d DedupConfig) Window() time.Duration { return time.Duration(d.WindowMS) * time.Millisecond }

// Skew() converts the clock skew tolerance to a duration
func (d DedupConfig) Skew() time.Duration { return time.Duration(d.ClockSkewMS) * time.Millisecond }

// GOSSIP CONFIG BELOW

// GossipConfig is the configuration of the flood-fill disseminator
type GossipConfig struct {
	Enabled          bool `json:"enabled"`          // forward admitted envelopes to other peers
	ForwardCacheSize int  `json:"forwardCacheSize"` // bound on remembered (message, peer) forwards
}

// DefaultGossipConfig() enables forwarding with a 50K edge cache
func DefaultGossipConfig() GossipConfig {
	return GossipConfig{
		Enabled:          true,
		ForwardCacheSize: 50000,
	}
}

// ROUND CONFIG BELOW

// RoundConfig is the configuration of the round tracker
type RoundConfig struct {
	IntentWindowMS uint64 `json:"intentWindowMS"` // default intent round duration when a round is opened implicitly
	VoteWindowMS   uint64 `json:"voteWindowMS"`   // default vote round duration when a round is opened implicitly
	TickMS         uint64 `json:"tickMS"`         // how often the cooperative deadline check runs
	RetainClosedMS uint64 `json:"retainClosedMS"` // how long finalized round state is kept in memory
	AutoOpen       bool   `json:"autoOpen"`       // open a round on the first contribution for an unknown subject
}

// DefaultRoundConfig() returns the developer recommended round configuration
func DefaultRoundConfig() RoundConfig {
	return RoundConfig{
		IntentWindowMS: uint64((10 * time.Second).Milliseconds()),
		VoteWindowMS:   uint64((time.Hour).Milliseconds()),
		TickMS:         250,
		RetainClosedMS: uint64((10 * time.Minute).Milliseconds()),
		AutoOpen:       true,
	}
}

// Tick() converts the tick interval to a duration
func (r RoundConfig) Tick() time.Duration { return time.Duration(r.TickMS) * time.Millisecond }

// Retain() converts the closed-round retention to a duration
func (r RoundConfig) Retain() time.Duration {
	return time.Duration(r.RetainClosedMS) * time.Millisecond
}

// VOTE CONFIG BELOW

// VoteConfig holds the defaults for implicitly opened vote rounds
type VoteConfig struct {
	DefaultQuorum     uint64 `json:"defaultQuorum"`     // accumulated weight required for early finality
	DefaultTotalPower uint64 `json:"defaultTotalPower"` // eligible voting power, 0 means unknown and disables early finality
}

// DefaultVoteConfig() returns a quorum of 1 with unknown total power
func DefaultVoteConfig() VoteConfig {
	return VoteConfig{
		DefaultQuorum:     1,
		DefaultTotalPower: 0,
	}
}

// SYNC CONFIG BELOW

// SyncConfig is the configuration of the move chain resolver
type SyncConfig struct {
	CheckpointEveryMoves uint64 `json:"checkpointEveryMoves"` // checkpoint after this many winning-chain moves
	CheckpointEveryMS    uint64 `json:"checkpointEveryMS"`    // or after this much time, whichever first
	OrphanWindowMS       uint64 `json:"orphanWindowMS"`       // how long a move with an unknown parent is buffered
	MaxOrphans           int    `json:"maxOrphans"`           // bound on buffered orphan moves per session
}

// DefaultSyncConfig() checkpoints every 10 moves or 5 minutes
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		CheckpointEveryMoves: 10,
		CheckpointEveryMS:    uint64((5 * time.Minute).Milliseconds()),
		OrphanWindowMS:       uint64((5 * time.Second).Milliseconds()),
		MaxOrphans:           256,
	}
}

// OrphanWindow() converts the orphan buffering window to a duration
func (s SyncConfig) OrphanWindow() time.Duration {
	return time.Duration(s.OrphanWindowMS) * time.Millisecond
}

// LEDGER CONFIG BELOW

// LedgerConfig is the configuration of the outcome emitter
type LedgerConfig struct {
	SubmitTimeoutMS  uint64 `json:"submitTimeoutMS"`  // max wait for a submission to be accepted
	ConfirmTimeoutMS uint64 `json:"confirmTimeoutMS"` // max wait for a submission to be confirmed
	MaxInFlight      int64  `json:"maxInFlight"`      // concurrent ledger submissions
	FeeCeiling       uint64 `json:"feeCeiling"`       // outcomes with a higher estimated fee are not submitted, 0 disables
	Balance          uint64 `json:"balance"`          // starting balance of a local ledger account
	BaseFee          uint64 `json:"baseFee"`          // local ledger: flat fee per submission
	FeePerKiB        uint64 `json:"feePerKiB"`        // local ledger: fee per started KiB of encoded outcome
	ConfirmAfterMS   uint64 `json:"confirmAfterMS"`   // local ledger: delay between acceptance and confirmation
}

// DefaultLedgerConfig() returns a 60s submission timeout
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		SubmitTimeoutMS:  uint64((60 * time.Second).Milliseconds()),
		ConfirmTimeoutMS: uint64((2 * time.Minute).Milliseconds()),
		MaxInFlight:      8,
		FeeCeiling:       0,
		Balance:          1_000_000,
		BaseFee:          10,
		FeePerKiB:        1,
		ConfirmAfterMS:   0,
	}
}

// SubmitTimeout() converts the submission timeout to a duration
func (l LedgerConfig) SubmitTimeout() time.Duration {
	return time.Duration(l.SubmitTimeoutMS) * time.Millisecond
}

// ConfirmTimeout() converts the confirmation timeout to a duration
func (l LedgerConfig) ConfirmTimeout() time.Duration {
	return time.Duration(l.ConfirmTimeoutMS) * time.Millisecond
}

// ConfirmAfter() converts the local ledger confirmation delay to a duration
func (l LedgerConfig) ConfirmAfter() time.Duration {
	return time.Duration(l.ConfirmAfterMS) * time.Millisecond
}

// STORE CONFIG BELOW

// StoreConfig is user configurations for the key value database
type StoreConfig struct {
	DataDirPath string `json:"dataDirPath"` // path of the designated folder where the application stores its data
	DBName      string `json:"dbName"`      // name of the database
	InMemory    bool   `json:"inMemory"`    // non-disk database, only for testing
}

// DefaultDataDirPath() is $USERHOME/.accord
func DefaultDataDirPath() string {
	// get the user home
	home, err := os.UserHomeDir()
	// if unable to get the user home
	if err != nil {
		// fatal error
		panic(err)
	}
	// exit with full default data directory path
	return filepath.Join(home, ".accord")
}

// DefaultStoreConfig() returns the developer recommended store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DataDirPath: DefaultDataDirPath(), // use the default data dir path
		DBName:      "accord",             // 'accord' database name
		InMemory:    false,                // persist to disk, not memory
	}
}

// P2P CONFIG BELOW

// P2PConfig is the configuration of the framed tcp transport
type P2PConfig struct {
	ListenAddress string   `json:"listenAddress"` // listen for incoming connection
	DialPeers     []string `json:"dialPeers"`     // addresses dialed on start and redialed with backoff
	MaxPeers      int      `json:"maxPeers"`      // max simultaneous connections
	MaxFrameBytes int      `json:"maxFrameBytes"` // largest accepted frame
	SendRateBPS   int64    `json:"sendRateBPS"`   // per connection send limit in bytes per second
	RecvRateBPS   int64    `json:"recvRateBPS"`   // per connection receive limit in bytes per second
}

// DefaultP2PConfig() returns the developer recommended transport configuration
func DefaultP2PConfig() P2PConfig {
	return P2PConfig{
		ListenAddress: "0.0.0.0:9101",
		MaxPeers:      50,
		MaxFrameBytes: int(units.MiB) + 1024, // an envelope plus framing
		SendRateBPS:   int64(5 * units.MiB),
		RecvRateBPS:   int64(5 * units.MiB),
	}
}

// RPC CONFIG BELOW

// RPCConfig is the configuration of the application coordinator http api
type RPCConfig struct {
	Enabled  bool   `json:"enabled"`  // serve the api
	Address  string `json:"address"`  // where the api is hosted
	TimeoutS int    `json:"timeoutS"` // the rpc request timeout in seconds
}

// DefaultRPCConfig() serves the api on localhost:50100
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Enabled:  true,
		Address:  "localhost:50100",
		TimeoutS: 3,
	}
}

// METRICS CONFIG BELOW

// MetricsConfig represents the configuration for the metrics server
type MetricsConfig struct {
	Enabled           bool   `json:"enabled"`           // if the metrics are enabled
	PrometheusAddress string `json:"prometheusAddress"` // the address of the server
}

// DefaultMetricsConfig() returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:           true,           // enabled by default
		PrometheusAddress: "0.0.0.0:9190", // the default prometheus address
	}
}

// WriteToFile() saves the Config object to a JSON file
func (c Config) WriteToFile(filepath string) error {
	// convert the config to indented 'pretty' json bytes
	jsonBytes, err := json.MarshalIndent(c, "", "  ")
	// if an error occurred during the conversion
	if err != nil {
		// exit with error
		return err
	}
	// write the config.json file to the data directory
	return os.WriteFile(filepath, jsonBytes, os.ModePerm)
}

// NewConfigFromFile() populates a Config object from a JSON file
func NewConfigFromFile(filepath string) (Config, error) {
	// read the file into bytes using
	fileBytes, err := os.ReadFile(filepath)
	// if an error occurred
	if err != nil {
		// exit with error
		return Config{}, err
	}
	// define the default config to fill in any blanks in the file
	c := DefaultConfig()
	// populate the default config with the file bytes
	if err = json.Unmarshal(fileBytes, &c); err != nil {
		// exit with error
		return Config{}, err
	}
	// exit
	return c, nil
}
