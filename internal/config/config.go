// Package config defines the engine's configuration surface (spec §4.8)
// and loads it via spf13/viper (layered file + env), matching the
// teacher's config.go shape (a flat Config struct + LoadConfig) but
// replacing its ad hoc yaml.v1 reader with viper so file, env, and
// defaults compose the way the rest of the pack (Edholm-qbit-service)
// loads configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// HTTPConfig is the HTTP downloader sub-configuration (spec §4.8).
type HTTPConfig struct {
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	MaxRedirects       int           `mapstructure:"max_redirects"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryDelayMS       int           `mapstructure:"retry_delay_ms"`
	MaxRetryDelayMS    int           `mapstructure:"max_retry_delay_ms"`
	AcceptInvalidCerts bool          `mapstructure:"accept_invalid_certs"`
}

// TorrentConfig is the BitTorrent sub-configuration (spec §4.8).
type TorrentConfig struct {
	ListenPortBegin       uint16        `mapstructure:"listen_port_begin"`
	ListenPortEnd         uint16        `mapstructure:"listen_port_end"`
	DHTBootstrapNodes     []string      `mapstructure:"dht_bootstrap_nodes"`
	TrackerUpdateInterval time.Duration `mapstructure:"tracker_update_interval"`
	PeerTimeout           time.Duration `mapstructure:"peer_timeout"`
	MaxPendingRequests    int           `mapstructure:"max_pending_requests"`
	EnableEndgame         bool          `mapstructure:"enable_endgame"`
	EndgameThreshold      int           `mapstructure:"endgame_threshold"`
	UnchokedPeers         int           `mapstructure:"unchoked_peers"`
	OptimisticUnchokedPeers int         `mapstructure:"optimistic_unchoked_peers"`
	MaxPeerDial           int           `mapstructure:"max_peer_dial"`
	MaxPeerAccept         int           `mapstructure:"max_peer_accept"`
}

// Config is the complete engine configuration (spec §4.8).
type Config struct {
	DownloadDir               string        `mapstructure:"download_dir"`
	MaxConcurrentDownloads     int           `mapstructure:"max_concurrent_downloads"`
	MaxConnectionsPerDownload  int           `mapstructure:"max_connections_per_download"`
	MinSegmentSize             int64         `mapstructure:"min_segment_size"`
	GlobalDownloadLimit        int           `mapstructure:"global_download_limit"`
	GlobalUploadLimit          int           `mapstructure:"global_upload_limit"`
	UserAgent                  string        `mapstructure:"user_agent"`
	EnableDHT                  bool          `mapstructure:"enable_dht"`
	EnablePEX                  bool          `mapstructure:"enable_pex"`
	EnableLPD                  bool          `mapstructure:"enable_lpd"`
	MaxPeers                   int           `mapstructure:"max_peers"`
	SeedRatio                  float64       `mapstructure:"seed_ratio"`
	DatabasePath               string        `mapstructure:"database_path"`

	HTTP    HTTPConfig    `mapstructure:"http"`
	Torrent TorrentConfig `mapstructure:"torrent"`
}

// Default returns the spec-mandated defaults (§4.8).
func Default() Config {
	return Config{
		DownloadDir:               "~/Downloads",
		MaxConcurrentDownloads:    5,
		MaxConnectionsPerDownload: 16,
		MinSegmentSize:            1 << 20, // 1 MiB
		GlobalDownloadLimit:       0,
		GlobalUploadLimit:         0,
		UserAgent:                 "fetchd-engine/1.0",
		EnableDHT:                 true,
		EnablePEX:                 true,
		EnableLPD:                 true,
		MaxPeers:                  55,
		SeedRatio:                 1.0,
		DatabasePath:              "~/.fetchd/engine.db",
		HTTP: HTTPConfig{
			ConnectTimeout:     30 * time.Second,
			ReadTimeout:        60 * time.Second,
			MaxRedirects:       10,
			MaxRetries:         3,
			RetryDelayMS:       1000,
			MaxRetryDelayMS:    30000,
			AcceptInvalidCerts: false,
		},
		Torrent: TorrentConfig{
			ListenPortBegin:         6881,
			ListenPortEnd:           6889,
			DHTBootstrapNodes:       []string{"router.bittorrent.com:6881", "dht.transmissionbt.com:6881"},
			TrackerUpdateInterval:   1800 * time.Second,
			PeerTimeout:             120 * time.Second,
			MaxPendingRequests:      16,
			EnableEndgame:           true,
			EndgameThreshold:        20,
			UnchokedPeers:           3,
			OptimisticUnchokedPeers: 1,
			MaxPeerDial:             40,
			MaxPeerAccept:           55,
		},
	}
}

// Load reads configuration from path (if it exists) layered under
// FETCHD_*-prefixed environment overrides and the spec defaults, then
// expands "~" in path-valued fields via go-homedir, matching the
// teacher's cfg.Database/cfg.DataDir expansion in session.go.
func Load(path string) (*Config, error) {
	def := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FETCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, def)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	expanded, err := homedir.Expand(cfg.DownloadDir)
	if err != nil {
		return nil, err
	}
	cfg.DownloadDir = expanded

	expanded, err = homedir.Expand(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	cfg.DatabasePath = expanded

	return &cfg, nil
}

func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("download_dir", def.DownloadDir)
	v.SetDefault("max_concurrent_downloads", def.MaxConcurrentDownloads)
	v.SetDefault("max_connections_per_download", def.MaxConnectionsPerDownload)
	v.SetDefault("min_segment_size", def.MinSegmentSize)
	v.SetDefault("global_download_limit", def.GlobalDownloadLimit)
	v.SetDefault("global_upload_limit", def.GlobalUploadLimit)
	v.SetDefault("user_agent", def.UserAgent)
	v.SetDefault("enable_dht", def.EnableDHT)
	v.SetDefault("enable_pex", def.EnablePEX)
	v.SetDefault("enable_lpd", def.EnableLPD)
	v.SetDefault("max_peers", def.MaxPeers)
	v.SetDefault("seed_ratio", def.SeedRatio)
	v.SetDefault("database_path", def.DatabasePath)

	v.SetDefault("http.connect_timeout", def.HTTP.ConnectTimeout)
	v.SetDefault("http.read_timeout", def.HTTP.ReadTimeout)
	v.SetDefault("http.max_redirects", def.HTTP.MaxRedirects)
	v.SetDefault("http.max_retries", def.HTTP.MaxRetries)
	v.SetDefault("http.retry_delay_ms", def.HTTP.RetryDelayMS)
	v.SetDefault("http.max_retry_delay_ms", def.HTTP.MaxRetryDelayMS)
	v.SetDefault("http.accept_invalid_certs", def.HTTP.AcceptInvalidCerts)

	v.SetDefault("torrent.listen_port_begin", def.Torrent.ListenPortBegin)
	v.SetDefault("torrent.listen_port_end", def.Torrent.ListenPortEnd)
	v.SetDefault("torrent.dht_bootstrap_nodes", def.Torrent.DHTBootstrapNodes)
	v.SetDefault("torrent.tracker_update_interval", def.Torrent.TrackerUpdateInterval)
	v.SetDefault("torrent.peer_timeout", def.Torrent.PeerTimeout)
	v.SetDefault("torrent.max_pending_requests", def.Torrent.MaxPendingRequests)
	v.SetDefault("torrent.enable_endgame", def.Torrent.EnableEndgame)
	v.SetDefault("torrent.endgame_threshold", def.Torrent.EndgameThreshold)
	v.SetDefault("torrent.unchoked_peers", def.Torrent.UnchokedPeers)
	v.SetDefault("torrent.optimistic_unchoked_peers", def.Torrent.OptimisticUnchokedPeers)
	v.SetDefault("torrent.max_peer_dial", def.Torrent.MaxPeerDial)
	v.SetDefault("torrent.max_peer_accept", def.Torrent.MaxPeerAccept)
}
