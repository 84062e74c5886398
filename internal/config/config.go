package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full run configuration. The top-level keys are the options
// an operator shell is expected to set; the sections tune the collaborators.
type Config struct {
	OutputRoot             string  `mapstructure:"output_root"`
	MaxWorkers             int     `mapstructure:"max_workers"`
	MaxAttempts            int     `mapstructure:"max_attempts"`
	RateLimitPerWindow     int     `mapstructure:"rate_limit_per_window"`
	FrameSampleStride      int     `mapstructure:"frame_sample_stride"`
	FaceConfidenceFloor    float64 `mapstructure:"face_confidence_floor"`
	AudioSampleRate        int     `mapstructure:"audio_sample_rate"`
	AudioBitDepth          int     `mapstructure:"audio_bit_depth"`
	DiskThrottleFloorBytes uint64  `mapstructure:"disk_throttle_floor_bytes"`
	DiskHaltFloorBytes     uint64  `mapstructure:"disk_halt_floor_bytes"`
	ScratchQuotaPerWorker  int64   `mapstructure:"scratch_quota_per_worker"`

	MinWorkers       int           `mapstructure:"min_workers"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl"`
	RateLimitWindow  time.Duration `mapstructure:"rate_limit_window"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	Workdir          string        `mapstructure:"workdir"`

	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Extract  ExtractConfig  `mapstructure:"extract"`
	Disk     DiskConfig     `mapstructure:"disk"`
	Log      LogConfig      `mapstructure:"log"`
	Status   StatusConfig   `mapstructure:"status"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite or postgres
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	URL             string        `mapstructure:"url"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"`
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		if c.URL != "" {
			return c.URL
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	return c.Path + "?_busy_timeout=5000&_synchronous=FULL"
}

type StorageConfig struct {
	Type      string `mapstructure:"type"` // local, s3, r2, s3compatible
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
}

type CatalogConfig struct {
	Path        string `mapstructure:"path"`
	Delimiter   string `mapstructure:"delimiter"`
	HasHeader   bool   `mapstructure:"has_header"`
	IDColumn    int    `mapstructure:"id_column"`
	URLColumn   int    `mapstructure:"url_column"` // -1 when absent
	TitleColumn int    `mapstructure:"title_column"`
	StartColumn int    `mapstructure:"start_column"`
	EndColumn   int    `mapstructure:"end_column"`
	BatchSize   int    `mapstructure:"batch_size"`
	URLTemplate string `mapstructure:"url_template"`
}

type FetchConfig struct {
	Resolver    string        `mapstructure:"resolver"` // ytdlp or direct
	YtDlpPath   string        `mapstructure:"ytdlp_path"`
	Format      string        `mapstructure:"format"`
	CookiesFile string        `mapstructure:"cookies_file"`
	Proxy       string        `mapstructure:"proxy"`
	UserAgent   string        `mapstructure:"user_agent"`
	MaxWait     time.Duration `mapstructure:"max_wait"`  // total backoff budget per fetch
	MaxDelay    time.Duration `mapstructure:"max_delay"` // cap of one backoff step
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type ExtractConfig struct {
	FFmpegPath      string `mapstructure:"ffmpeg_path"`
	FFprobePath     string `mapstructure:"ffprobe_path"`
	CascadePath     string `mapstructure:"cascade_path"`
	MinFaceSize     int    `mapstructure:"min_face_size"`
	FaceSize        int    `mapstructure:"face_size"` // 0 keeps the native crop size
	MaxFacesPerItem int    `mapstructure:"max_faces_per_item"`
	JPEGQuality     int    `mapstructure:"jpeg_quality"`
	TrimToSegment   bool   `mapstructure:"trim_to_segment"`
}

type DiskConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type StatusConfig struct {
	Addr           string   `mapstructure:"addr"` // empty disables the in-run status server
	Mode           string   `mapstructure:"mode"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads configuration from file, .env and environment, in that order of
// increasing precedence.
func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("AVCORPUS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Credentials keep their conventional names.
	v.BindEnv("storage.access_key", "AWS_ACCESS_KEY_ID")
	v.BindEnv("storage.secret_key", "AWS_SECRET_ACCESS_KEY")
	v.BindEnv("storage.region", "AWS_REGION")
	v.BindEnv("database.url", "DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.resolvePaths()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output_root", "./dataset")
	v.SetDefault("max_workers", 4)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("rate_limit_per_window", 30)
	v.SetDefault("frame_sample_stride", 30)
	v.SetDefault("face_confidence_floor", 5.0)
	v.SetDefault("audio_sample_rate", 16000)
	v.SetDefault("audio_bit_depth", 16)
	v.SetDefault("disk_throttle_floor_bytes", uint64(20<<30))
	v.SetDefault("disk_halt_floor_bytes", uint64(5<<30))
	v.SetDefault("scratch_quota_per_worker", int64(2<<30))

	v.SetDefault("min_workers", 1)
	v.SetDefault("lease_ttl", 30*time.Minute)
	v.SetDefault("rate_limit_window", time.Minute)
	v.SetDefault("progress_interval", 30*time.Second)
	v.SetDefault("retry_base_delay", time.Minute)
	v.SetDefault("retry_max_delay", time.Hour)
	v.SetDefault("sweep_interval", 30*time.Second)
	v.SetDefault("workdir", "./work")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.max_open_conns", 8)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.use_ssl", true)

	v.SetDefault("catalog.delimiter", ",")
	v.SetDefault("catalog.has_header", false)
	v.SetDefault("catalog.id_column", 0)
	v.SetDefault("catalog.url_column", -1)
	v.SetDefault("catalog.title_column", -1)
	v.SetDefault("catalog.start_column", 1)
	v.SetDefault("catalog.end_column", 2)
	v.SetDefault("catalog.batch_size", 500)
	v.SetDefault("catalog.url_template", "https://www.youtube.com/watch?v=%s")

	v.SetDefault("fetch.resolver", "ytdlp")
	v.SetDefault("fetch.ytdlp_path", "yt-dlp")
	v.SetDefault("fetch.format", "best[ext=mp4]/best")
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("fetch.max_wait", 5*time.Minute)
	v.SetDefault("fetch.max_delay", time.Minute)
	v.SetDefault("fetch.max_retries", 5)
	v.SetDefault("fetch.timeout", 10*time.Minute)

	v.SetDefault("extract.ffmpeg_path", "ffmpeg")
	v.SetDefault("extract.ffprobe_path", "ffprobe")
	v.SetDefault("extract.cascade_path", "./models/facefinder")
	v.SetDefault("extract.min_face_size", 50)
	v.SetDefault("extract.face_size", 0)
	v.SetDefault("extract.max_faces_per_item", 10)
	v.SetDefault("extract.jpeg_quality", 90)
	v.SetDefault("extract.trim_to_segment", true)

	v.SetDefault("disk.sample_interval", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("status.mode", "release")
}

// resolvePaths fills paths that default relative to the workdir.
func (c *Config) resolvePaths() {
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Workdir, "progress.db")
	}
}

// ScratchDir is the root under which workers keep their payload scratch space.
func (c *Config) ScratchDir() string {
	return filepath.Join(c.Workdir, "scratch")
}
