package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	yaml "gopkg.in/yaml.v2"
)

// reading config error is fatal, and exits main thread
func processError(err error) {
	fmt.Println(err)
	os.Exit(2)
}

func readFile(cfg *Configuration) {
	f, err := os.Open("config.yml")
	if err != nil {
		processError(err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	err = decoder.Decode(cfg)
	if err != nil {
		processError(err)
	}
}

func readEnv(cfg *Configuration) {
	err := envconfig.Process("", cfg)
	if err != nil {
		processError(err)
	}
}

func applyDefaults(cfg *Configuration) {
	if cfg.Bridge.PollIntervalSec == 0 {
		cfg.Bridge.PollIntervalSec = 30
	}
	if cfg.Bridge.MaxPollAttempts == 0 {
		cfg.Bridge.MaxPollAttempts = 20
	}
	if cfg.Bridge.RequiredConfirmations == 0 {
		cfg.Bridge.RequiredConfirmations = 24
	}
	if cfg.Bridge.BlockBatchSize == 0 {
		cfg.Bridge.BlockBatchSize = 1000
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "payment-gateway"
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Postgres.MigrationsPath == "" {
		cfg.Postgres.MigrationsPath = "pgstore/migrations"
	}
}

func Init() {
	readFile(&Config)
	readEnv(&Config)
	applyDefaults(&Config)
}
