package config

type Configuration struct {
	// Server config
	Server struct {
		Port      int    `yaml:"port"`
		RedisHost string `yaml:"redis_host"`
		RedisPort int    `yaml:"redis_port"`
	} `yaml:"server"`
	// Postgres persistence
	Postgres struct {
		DSN            string `yaml:"dsn" envconfig:"POSTGRES_DSN"`
		MigrationsPath string `yaml:"migrations_path"`
	} `yaml:"postgres"`
	// EVM-side config (USDT leg)
	EVM struct {
		ChainID         int64    `yaml:"chain_id"`
		RPCList         []string `yaml:"rpc_list"`
		ContractAddress string   `yaml:"contract_address"`
		PublicAddress   string   `yaml:"address"`
		// important private stuff
		PrivateKey string `yaml:"private_key" envconfig:"EVM_PRIVATE_KEY"`
	} `yaml:"EVM"`
	// Asset-ledger config (pegged FINTEH.USDT leg)
	Asset struct {
		Endpoint string `yaml:"endpoint"`
		Account  string `yaml:"account"`
		// important private stuff
		SignKey string `yaml:"sign_key" envconfig:"ASSET_SIGN_KEY"`
	} `yaml:"asset"`
	// Confirmation/scan knobs shared by both legs
	Bridge struct {
		PollIntervalSec       int    `yaml:"poll_interval_sec"`
		MaxPollAttempts       int    `yaml:"max_poll_attempts"`
		RequiredConfirmations int64  `yaml:"required_confirmations"`
		BlockBatchSize        uint64 `yaml:"block_batch_size"`
	} `yaml:"bridge"`
	// Queue knobs
	Queue struct {
		Name        string `yaml:"name"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"queue"`
}

var Config Configuration

// Ticker pair the bridge pegs. A record carrying any other pair is an
// invariant violation.
const (
	TickerUSDT       = "USDT"
	TickerPeggedUSDT = "FINTEH.USDT"
)

// maximum number of EVM RPC submission retries
const EVM_RETRIES = 3
