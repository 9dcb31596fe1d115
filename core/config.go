package core

import (
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Env             string // DEV (local; default), TEST, QA, PROD
		Build           string
		AppName         string
		Debug           bool
		TestMode        bool
		SecretKey       string
		FrontendBaseURL string
		SendgridApiKey  string
		RollbarToken    string

		DefaultFromEmail          mail.Address
		PasswordResetTimeoutDelta time.Duration

		ThemePath    string
		PollInterval time.Duration
		NotifyEmails []string // recipients of the notification emails

		Server    ServerConfig
		Store     StoreConfig
		Database  DatabaseConfig
		Redis     RedisConfig
		Remote    RemoteConfig
		Retry     RetryConfig
		B2        B2Config
		Resources ResourcesConfig
	}

	ServerConfig struct {
		Host                      string
		DebugHost                 string
		ShutdownTimeout           time.Duration
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
		RatingsSchedule           string // cron spec
	}

	StoreConfig struct {
		Engine   string // memory, bolt, postgres, redis, remote
		BoltPath string
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	RedisConfig struct {
		Addr     string
		Password string
		DB       int
		Prefix   string
	}

	RemoteConfig struct {
		BaseURL string
		Token   string
	}

	RetryConfig struct {
		Attempts int
		Delay    time.Duration
	}

	B2Config struct {
		AccountID string
		AppKey    string
		Bucket    string
	}

	ResourcesConfig struct {
		Dir     string
		BaseURL string
	}
)

func (c DatabaseConfig) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// NewConfig loads the configuration of the current ENV.
// Values are read from the environment (prefixed with the ENV name, e.g. DEV_DEBUG)
// after loading `$CONFIG_DIR/.env.<env>` when it exists.
func NewConfig() *Config {
	v := viper.New()
	setDefaults(v)

	env := strings.ToUpper(os.Getenv("ENV"))
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	cfgDir := os.Getenv("CONFIG_DIR")
	if cfgDir == "" {
		cfgDir = "config"
	}
	dotEnvPath := filepath.Join(cfgDir, ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	return &Config{
		Env:             env,
		Build:           v.GetString("build"),
		AppName:         v.GetString("appName"),
		Debug:           v.GetBool("debug"),
		TestMode:        v.GetBool("testMode"),
		SecretKey:       v.GetString("secretKey"),
		FrontendBaseURL: v.GetString("frontendBaseURL"),
		SendgridApiKey:  v.GetString("sendgridApiKey"),
		RollbarToken:    v.GetString("rollbarToken"),
		DefaultFromEmail: mail.Address{
			Name:    v.GetString("appName"),
			Address: v.GetString("defaultFromEmail"),
		},
		PasswordResetTimeoutDelta: v.GetDuration("passwordResetTimeoutDelta"),
		ThemePath:                 v.GetString("themePath"),
		PollInterval:              v.GetDuration("pollInterval"),
		NotifyEmails:              v.GetStringSlice("notifyEmails"),
		Server: ServerConfig{
			Host:                      v.GetString("server.host"),
			DebugHost:                 v.GetString("server.debugHost"),
			ShutdownTimeout:           v.GetDuration("server.shutdownTimeout"),
			JWTExpirationDelta:        v.GetDuration("server.jwtExpirationDelta"),
			JWTRefreshExpirationDelta: v.GetDuration("server.jwtRefreshExpirationDelta"),
			RatingsSchedule:           v.GetString("server.ratingsSchedule"),
		},
		Store: StoreConfig{
			Engine:   v.GetString("store.engine"),
			BoltPath: v.GetString("store.boltPath"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Host:          v.GetString("database.host"),
			Port:          v.GetString("database.port"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTLS"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Prefix:   v.GetString("redis.prefix"),
		},
		Remote: RemoteConfig{
			BaseURL: v.GetString("remote.baseURL"),
			Token:   v.GetString("remote.token"),
		},
		Retry: RetryConfig{
			Attempts: v.GetInt("retry.attempts"),
			Delay:    v.GetDuration("retry.delay"),
		},
		B2: B2Config{
			AccountID: v.GetString("b2.accountID"),
			AppKey:    v.GetString("b2.appKey"),
			Bucket:    v.GetString("b2.bucket"),
		},
		Resources: ResourcesConfig{
			Dir:     v.GetString("resources.dir"),
			BaseURL: v.GetString("resources.baseURL"),
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("build", "develop")
	v.SetDefault("appName", "Portal")
	v.SetDefault("secretKey", "k3v!t8-q@zn1e$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("frontendBaseURL", "http://localhost:3000")
	v.SetDefault("defaultFromEmail", "noreply@localhost")
	v.SetDefault("passwordResetTimeoutDelta", 3*24*time.Hour)
	v.SetDefault("themePath", "theme.json")
	v.SetDefault("pollInterval", 2*time.Second)

	v.SetDefault("server.host", ":8000")
	v.SetDefault("server.debugHost", ":4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("server.jwtRefreshExpirationDelta", 4*time.Hour)
	v.SetDefault("server.ratingsSchedule", "@every 10m")

	v.SetDefault("store.engine", "memory")
	v.SetDefault("store.boltPath", "portal.db")

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.name", "portal")
	v.SetDefault("database.disableTLS", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "portal:")

	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.delay", 200*time.Millisecond)

	v.SetDefault("resources.dir", "resources")
	v.SetDefault("resources.baseURL", "http://localhost:8000/resources")
}
