package core

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Env          string
	Debug        bool
	TestMode     bool
	AppName      string
	Build        string
	Host         string
	RollbarToken string

	// Store is the on-device database holding records and the sync queue.
	Store struct {
		Path        string
		JournalMode string
		BusyTimeout time.Duration
	}

	// Remote is the central school server the engine syncs with.
	Remote struct {
		BaseURL string
		APIKey  string
		Timeout time.Duration
	}

	// Server configures the reference remote server (apps/api).
	Server struct {
		Address         string
		APIKey          string
		ShutdownTimeout time.Duration
	}

	Sync struct {
		CallTimeout  time.Duration
		Concurrency  int
		BackoffMin   time.Duration
		BackoffMax   time.Duration
		DeletePolicy string
		Pull         bool
		Schedule     string // cron spec for periodic syncs
	}

	Connectivity struct {
		ProbeInterval   time.Duration
		ProbeTimeout    time.Duration
		MinSyncInterval time.Duration
	}

	Metrics struct {
		Address string
	}
}

func setDefaults(v *viper.Viper) {
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("testMode", false)
	v.SetDefault("appName", "Masomo")
	v.SetDefault("build", "develop")
	v.SetDefault("host", "localhost")
	v.SetDefault("rollbarToken", "")

	v.SetDefault("store.path", "masomo.db")
	v.SetDefault("store.journalMode", "WAL")
	v.SetDefault("store.busyTimeout", 5*time.Second)

	v.SetDefault("remote.baseURL", "http://localhost:8000")
	v.SetDefault("remote.apiKey", "")
	v.SetDefault("remote.timeout", 30*time.Second)

	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.apiKey", "")
	v.SetDefault("server.shutdownTimeout", 10*time.Second)

	v.SetDefault("sync.callTimeout", 15*time.Second)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.backoffMin", 2*time.Second)
	v.SetDefault("sync.backoffMax", 5*time.Minute)
	v.SetDefault("sync.deletePolicy", "immediate")
	v.SetDefault("sync.pull", true)
	v.SetDefault("sync.schedule", "@every 5m")

	v.SetDefault("connectivity.probeInterval", 10*time.Second)
	v.SetDefault("connectivity.probeTimeout", 5*time.Second)
	v.SetDefault("connectivity.minSyncInterval", 5*time.Second)

	v.SetDefault("metrics.address", ":9100")
}

// NewConfig loads the configuration from the environment.
// Variables are prefixed with the current ENV (DEV by default): eg. DEV_SYNC_CALLTIMEOUT=20s
func NewConfig() *Config {
	v := viper.New()
	setDefaults(v)

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	confDir := os.Getenv("CONFIG_DIR")
	if confDir == "" {
		confDir = "config"
	}
	dotEnvPath := filepath.Join(confDir, ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	return load(v, env)
}

func load(v *viper.Viper, env string) *Config {
	conf := &Config{
		Env:          env,
		Debug:        v.GetBool("debug"),
		TestMode:     v.GetBool("testMode"),
		AppName:      v.GetString("appName"),
		Build:        v.GetString("build"),
		Host:         v.GetString("host"),
		RollbarToken: v.GetString("rollbarToken"),
	}

	conf.Store.Path = v.GetString("store.path")
	conf.Store.JournalMode = v.GetString("store.journalMode")
	conf.Store.BusyTimeout = v.GetDuration("store.busyTimeout")

	conf.Remote.BaseURL = strings.TrimRight(v.GetString("remote.baseURL"), "/")
	conf.Remote.APIKey = v.GetString("remote.apiKey")
	conf.Remote.Timeout = v.GetDuration("remote.timeout")

	conf.Server.Address = v.GetString("server.address")
	conf.Server.APIKey = v.GetString("server.apiKey")
	conf.Server.ShutdownTimeout = v.GetDuration("server.shutdownTimeout")

	conf.Sync.CallTimeout = v.GetDuration("sync.callTimeout")
	conf.Sync.Concurrency = v.GetInt("sync.concurrency")
	conf.Sync.BackoffMin = v.GetDuration("sync.backoffMin")
	conf.Sync.BackoffMax = v.GetDuration("sync.backoffMax")
	conf.Sync.DeletePolicy = CleanString(v.GetString("sync.deletePolicy"), true /* lower */)
	conf.Sync.Pull = v.GetBool("sync.pull")
	conf.Sync.Schedule = v.GetString("sync.schedule")

	conf.Connectivity.ProbeInterval = v.GetDuration("connectivity.probeInterval")
	conf.Connectivity.ProbeTimeout = v.GetDuration("connectivity.probeTimeout")
	conf.Connectivity.MinSyncInterval = v.GetDuration("connectivity.minSyncInterval")

	conf.Metrics.Address = v.GetString("metrics.address")
	return conf
}
