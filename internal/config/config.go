// Package config loads and validates sitemirror configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/sitemirror/internal/assets"
	"github.com/JakeFAU/sitemirror/internal/mirror"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Source       SourceConfig       `mapstructure:"source"`
	Export       ExportConfig       `mapstructure:"export"`
	Deploy       DeployConfig       `mapstructure:"deploy"`
	Batch        BatchConfig        `mapstructure:"batch"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Tick         TickConfig         `mapstructure:"tick"`
	State        StateConfig        `mapstructure:"state"`
	ArchiveStore ArchiveStoreConfig `mapstructure:"archive_store"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// TracingConfig toggles OpenTelemetry spans around ticks and GitHub calls.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Stdout      bool   `mapstructure:"stdout"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
	// NonceTTLSeconds is how long a request nonce is remembered for replay checks.
	NonceTTLSeconds int `mapstructure:"nonce_ttl_seconds"`
}

// SourceConfig describes the live site being mirrored.
type SourceConfig struct {
	Origins      []string `mapstructure:"origins"`
	URLs         []string `mapstructure:"urls"`
	SitemapURL   string   `mapstructure:"sitemap_url"`
	ContentRoot  string   `mapstructure:"content_root"`
	StaticRoots  []string `mapstructure:"static_roots"`
	BalancedDirs []string `mapstructure:"balanced_dirs"`
}

// ExportConfig controls the static export.
type ExportConfig struct {
	Dir            string   `mapstructure:"dir"`
	PublicBaseURL  string   `mapstructure:"public_base_url"`
	AssetScope     string   `mapstructure:"asset_scope"`
	IgnoreEnabled  bool     `mapstructure:"ignore_enabled"`
	IgnorePatterns []string `mapstructure:"ignore_patterns"`
	ZipEnabled     bool     `mapstructure:"zip_enabled"`
}

// DeployConfig holds the GitHub target.
type DeployConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	Owner             string  `mapstructure:"owner"`
	Repo              string  `mapstructure:"repo"`
	Branch            string  `mapstructure:"branch"`
	PathPrefix        string  `mapstructure:"path_prefix"`
	Token             string  `mapstructure:"token"`
	CNAME             string  `mapstructure:"cname"`
	NoJekyll          bool    `mapstructure:"nojekyll"`
	CleanRemoved      bool    `mapstructure:"clean_removed"`
	ForceUpdate       bool    `mapstructure:"force_update"`
	APIURL            string  `mapstructure:"api_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// BatchConfig bounds per-tick work.
type BatchConfig struct {
	ExportURLs  int `mapstructure:"export_urls"`
	AssetFiles  int `mapstructure:"asset_files"`
	ZipFiles    int `mapstructure:"zip_files"`
	DeployFiles int `mapstructure:"deploy_files"`
}

// HTTPConfig configures outbound HTTP.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
}

// TickConfig sets tick pacing.
type TickConfig struct {
	DelaySeconds   int `mapstructure:"delay_seconds"`
	LockTTLSeconds int `mapstructure:"lock_ttl_seconds"`
}

// StateConfig selects the job-state backend.
type StateConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	DSN     string `mapstructure:"dsn"`
}

// ArchiveStoreConfig selects where finished archives are copied.
type ArchiveStoreConfig struct {
	Backend string           `mapstructure:"backend"`
	Local   LocalStoreConfig `mapstructure:"local"`
	Bucket  string           `mapstructure:"bucket"`
	Prefix  string           `mapstructure:"prefix"`
	S3      S3Config         `mapstructure:"s3"`
}

// LocalStoreConfig points at a directory for archive copies.
type LocalStoreConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// S3Config holds S3-compatible endpoint settings.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features and the optional log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.clamp()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.nonce_ttl_seconds", 300)
	v.SetDefault("source.origins", []string{})
	v.SetDefault("source.urls", []string{})
	v.SetDefault("source.sitemap_url", "")
	v.SetDefault("source.content_root", ".")
	v.SetDefault("source.static_roots", []string{"wp-content", "wp-includes"})
	v.SetDefault("source.balanced_dirs", []string{"wp-content/uploads", "wp-content/themes", "wp-content/plugins", "wp-includes"})
	v.SetDefault("export.dir", "data/export")
	v.SetDefault("export.public_base_url", "")
	v.SetDefault("export.asset_scope", string(mirror.AssetScopeReferenced))
	v.SetDefault("export.ignore_enabled", true)
	v.SetDefault("export.ignore_patterns", assets.DefaultIgnorePatterns)
	v.SetDefault("export.zip_enabled", false)
	v.SetDefault("deploy.enabled", false)
	v.SetDefault("deploy.owner", "")
	v.SetDefault("deploy.repo", "")
	v.SetDefault("deploy.branch", "gh-pages")
	v.SetDefault("deploy.path_prefix", "")
	v.SetDefault("deploy.token", "")
	v.SetDefault("deploy.cname", "")
	v.SetDefault("deploy.nojekyll", true)
	v.SetDefault("deploy.clean_removed", false)
	v.SetDefault("deploy.force_update", false)
	v.SetDefault("deploy.api_url", "https://api.github.com")
	v.SetDefault("deploy.requests_per_second", 0)
	v.SetDefault("batch.export_urls", mirror.DefaultExportURLs)
	v.SetDefault("batch.asset_files", mirror.DefaultAssetFiles)
	v.SetDefault("batch.zip_files", mirror.DefaultZipFiles)
	v.SetDefault("batch.deploy_files", mirror.DefaultDeployFiles)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "sitemirror/1.0")
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("tick.delay_seconds", 3)
	v.SetDefault("tick.lock_ttl_seconds", 300)
	v.SetDefault("state.backend", "file")
	v.SetDefault("state.dir", "data/state")
	v.SetDefault("state.dsn", "")
	v.SetDefault("archive_store.backend", "none")
	v.SetDefault("archive_store.local.base_dir", "")
	v.SetDefault("archive_store.bucket", "")
	v.SetDefault("archive_store.prefix", "sitemirror")
	v.SetDefault("archive_store.s3.endpoint", "")
	v.SetDefault("archive_store.s3.region", "")
	v.SetDefault("archive_store.s3.access_key", "")
	v.SetDefault("archive_store.s3.secret_key", "")
	v.SetDefault("archive_store.s3.use_ssl", true)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "sitemirror")
	v.SetDefault("tracing.stdout", false)
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

// clamp pulls tunables into their supported ranges.
func (c *Config) clamp() {
	c.Batch.ExportURLs = clampInt(c.Batch.ExportURLs, 1, 50)
	c.Batch.AssetFiles = clampInt(c.Batch.AssetFiles, 1, 200)
	c.Batch.ZipFiles = clampInt(c.Batch.ZipFiles, 50, 2000)
	c.Batch.DeployFiles = clampInt(c.Batch.DeployFiles, 1, 100)
	c.HTTP.TimeoutSeconds = clampInt(c.HTTP.TimeoutSeconds, 5, 60)
	c.Tick.DelaySeconds = clampInt(c.Tick.DelaySeconds, 1, 300)
	c.Tick.LockTTLSeconds = max(clampInt(c.Tick.LockTTLSeconds, 10, 3600), c.MinLockTTLSeconds())
	c.Deploy.Owner = strings.TrimSpace(c.Deploy.Owner)
	c.Deploy.Repo = strings.TrimSpace(c.Deploy.Repo)
	c.Deploy.Branch = strings.TrimSpace(c.Deploy.Branch)
	c.Deploy.Token = strings.TrimSpace(c.Deploy.Token)
}

// deployTickExtraCalls covers the tree, commit and ref update issued after a blob batch.
const deployTickExtraCalls = 3

// lockTTLMargin is headroom for local work (hashing, writes) on top of network time.
const lockTTLMargin = 30

// MinLockTTLSeconds is the longest a single tick can spend on network calls with the
// configured batch sizes and timeout, plus a margin. A tick lock shorter than this
// could expire while the tick is still running.
func (c Config) MinLockTTLSeconds() int {
	calls := max(c.Batch.ExportURLs, c.Batch.DeployFiles+deployTickExtraCalls)
	return calls*c.HTTP.TimeoutSeconds + lockTTLMargin
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if strings.TrimSpace(c.Export.Dir) == "" {
		return fmt.Errorf("export.dir is required")
	}
	switch mirror.AssetScope(c.Export.AssetScope) {
	case mirror.AssetScopeReferenced, mirror.AssetScopeBalanced:
	default:
		return fmt.Errorf("export.asset_scope must be %q or %q", mirror.AssetScopeReferenced, mirror.AssetScopeBalanced)
	}
	switch c.State.Backend {
	case "memory":
	case "file":
		if c.State.Dir == "" {
			return fmt.Errorf("state.dir is required for the file backend")
		}
	case "postgres":
		if c.State.DSN == "" {
			return fmt.Errorf("state.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("state.backend must be memory, file or postgres")
	}
	switch c.ArchiveStore.Backend {
	case "", "none":
	case "local":
		if c.ArchiveStore.Local.BaseDir == "" {
			return fmt.Errorf("archive_store.local.base_dir is required for the local backend")
		}
	case "gcs", "s3":
		if c.ArchiveStore.Bucket == "" {
			return fmt.Errorf("archive_store.bucket is required for the %s backend", c.ArchiveStore.Backend)
		}
	default:
		return fmt.Errorf("archive_store.backend must be none, local, gcs or s3")
	}
	return nil
}

// TickDelay returns the pause between ticks.
func (c Config) TickDelay() time.Duration {
	return time.Duration(c.Tick.DelaySeconds) * time.Second
}

// HTTPTimeout returns the outbound request timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NonceTTL returns the replay-protection window.
func (c Config) NonceTTL() time.Duration {
	return time.Duration(c.Auth.NonceTTLSeconds) * time.Second
}

// S3Endpoint returns the endpoint URL with a scheme, or "" for AWS itself.
func (c Config) S3Endpoint() string {
	ep := strings.TrimSpace(c.ArchiveStore.S3.Endpoint)
	if ep == "" || strings.Contains(ep, "://") {
		return ep
	}
	if c.ArchiveStore.S3.UseSSL {
		return "https://" + ep
	}
	return "http://" + ep
}

// ToSettings builds the orchestrator's settings snapshot.
func (c Config) ToSettings() mirror.Settings {
	return mirror.Settings{
		ExportDir:      c.Export.Dir,
		PublicBaseURL:  strings.TrimRight(strings.TrimSpace(c.Export.PublicBaseURL), "/"),
		AssetScope:     mirror.AssetScope(c.Export.AssetScope),
		IgnoreEnabled:  c.Export.IgnoreEnabled,
		IgnorePatterns: assets.ParseIgnorePatterns(strings.Join(c.Export.IgnorePatterns, "\n")),
		ZipEnabled:     c.Export.ZipEnabled,
		BalancedDirs:   append([]string(nil), c.Source.BalancedDirs...),
		Deploy: mirror.DeploySettings{
			Enabled:      c.Deploy.Enabled,
			Owner:        c.Deploy.Owner,
			Repo:         c.Deploy.Repo,
			Branch:       c.Deploy.Branch,
			PathPrefix:   c.Deploy.PathPrefix,
			CNAME:        c.Deploy.CNAME,
			NoJekyll:     c.Deploy.NoJekyll,
			CleanRemoved: c.Deploy.CleanRemoved,
			ForceUpdate:  c.Deploy.ForceUpdate,
		},
		Batch: mirror.BatchSizes{
			ExportURLs:  c.Batch.ExportURLs,
			AssetFiles:  c.Batch.AssetFiles,
			ZipFiles:    c.Batch.ZipFiles,
			DeployFiles: c.Batch.DeployFiles,
		},
		TickDelay:  c.TickDelay(),
		LockTTL:    time.Duration(c.Tick.LockTTLSeconds) * time.Second,
		EventTopic: c.PubSub.TopicName,
	}
}
