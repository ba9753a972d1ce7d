package cfg

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type MappingConfig struct {
	QuiesceTimeout         time.Duration `env:"MAPPING_QUIESCE_TIMEOUT"          envDefault:"5s"`
	QuiesceInitialInterval time.Duration `env:"MAPPING_QUIESCE_INITIAL_INTERVAL" envDefault:"50us"`
	QuiesceMaxInterval     time.Duration `env:"MAPPING_QUIESCE_MAX_INTERVAL"     envDefault:"5ms"`
	TLBEntries             int           `env:"MAPPING_TLB_ENTRIES"              envDefault:"512"`
	MaxVaMappers           uint          `env:"MAPPING_MAX_VA_MAPPERS"           envDefault:"256"`
}

type BackingConfig struct {
	AnonymousHugePages bool   `env:"MAPPING_ANONYMOUS_HUGEPAGES" envDefault:"false"`
	MemfdPrefix        string `env:"MAPPING_MEMFD_PREFIX"        envDefault:"membacking"`
}

type Config struct {
	Debug       bool   `env:"MAPPING_DEBUG"`
	ServiceName string `env:"MAPPING_SERVICE_NAME" envDefault:"membacking"`
	OTelLogs    bool   `env:"MAPPING_OTEL_LOGS"`

	MappingConfig MappingConfig
	BackingConfig BackingConfig
}

func Parse() (Config, error) {
	return env.ParseAs[Config]()
}
