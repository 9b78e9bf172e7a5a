package config

import (
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	GrpcListenAddress string        `env:"GRPC_LISTEN_ADDRESS,default=0.0.0.0:8080"`
	DatabasesDir      string        `env:"DATABASES_DIR,default=db"`
	SchemaName        string        `env:"SCHEMA_NAME,default=crsqlite"`
	SchemaVersion     int64         `env:"SCHEMA_VERSION,default=1"`
	SyncBatchSize     int           `env:"SYNC_BATCH_SIZE,default=50"`
	LeaseDatabasePath string        `env:"LEASE_DB_PATH,default=db/leases.db"`
	LeaseDuration     time.Duration `env:"LEASE_DURATION,default=10s"`
	LeaseRenew        time.Duration `env:"LEASE_RENEW_INTERVAL,default=3s"`
	LeaseRetry        time.Duration `env:"LEASE_ACQUIRE_RETRY_INTERVAL,default=1s"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
