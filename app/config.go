package app

import (
	"time"

	flags "github.com/jessevdk/go-flags"
)

const (
	StorageLocal = "local"
	StorageS3    = "s3"

	DatabaseMemory   = "memory"
	DatabasePostgres = "postgres"
)

// Options is the complete process configuration. It is parsed once at startup
// and its groups are handed to the constructors that need them.
type Options struct {
	Server   ServerOptions   `group:"Server Options" namespace:"server" env-namespace:"SERVER"`
	Log      LogOptions      `group:"Log Options" namespace:"log" env-namespace:"LOG"`
	Database DatabaseOptions `group:"Database Options" namespace:"database" env-namespace:"DATABASE"`
	Storage  StorageOptions  `group:"Storage Options" namespace:"storage" env-namespace:"STORAGE"`
	Index    IndexOptions    `group:"Index Options" namespace:"index" env-namespace:"INDEX"`
	Registry RegistryOptions `group:"Registry Options" namespace:"registry" env-namespace:"REGISTRY"`
}

type ServerOptions struct {
	Bind          string `long:"bind" env:"BIND" default:":8080" description:"address to listen on"`
	MaxUploadSize int64  `long:"max-upload-size" env:"MAX_UPLOAD_SIZE" default:"20971520" description:"maximum accepted tarball size in bytes"`
}

type LogOptions struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"text" choice:"json"`
}

type DatabaseOptions struct {
	Driver       string `long:"driver" env:"DRIVER" default:"postgres" choice:"postgres" choice:"memory"`
	URL          string `long:"url" env:"URL" description:"PostgreSQL connection string"`
	MaxOpenConns int    `long:"max-open-conns" env:"MAX_OPEN_CONNS" description:"connection pool size, defaults to 4 per CPU"`
	MaxRetries   int    `long:"max-retries" env:"MAX_RETRIES" default:"0" description:"retries for transactions aborted by serialization conflicts"`
	SeedToken    string `long:"seed-token" env:"SEED_TOKEN" description:"register a user with this access token at startup"`
}

type StorageOptions struct {
	Strategy string            `long:"strategy" env:"STRATEGY" default:"local" choice:"local" choice:"s3"`
	Timeout  time.Duration     `long:"timeout" env:"TIMEOUT" default:"10s" description:"timeout for a single object upload"`
	Local    FileSystemOptions `group:"Local Storage Options" namespace:"local" env-namespace:"LOCAL"`
	S3       S3Options         `group:"S3 Storage Options" namespace:"s3" env-namespace:"S3"`
}

type FileSystemOptions struct {
	BasePath string `long:"basepath" env:"BASEPATH" default:"./data/storage" description:"directory objects are stored in"`
	URL      string `long:"url" env:"URL" default:"http://localhost:8080/storage" description:"public URL the directory is served from"`
	Serve    bool   `long:"serve" env:"SERVE" description:"serve the directory under /storage"`
}

type S3Options struct {
	Bucket    string `long:"bucket" env:"BUCKET"`
	AccessKey string `long:"access-key" env:"ACCESS_KEY"`
	SecretKey string `long:"secret-key" env:"SECRET_KEY"`
	Region    string `long:"region" env:"REGION" default:"us-east-1"`
	Endpoint  string `long:"endpoint" env:"ENDPOINT" description:"custom endpoint for S3 compatible services"`
	PathStyle bool   `long:"path-style" env:"PATH_STYLE"`
	BaseURL   string `long:"base-url" env:"BASE_URL" description:"public URL objects are downloaded from"`
}

type IndexOptions struct {
	RemoteURL string        `long:"remote-url" env:"REMOTE_URL" required:"true" description:"git remote of the index repository"`
	LocalPath string        `long:"local-path" env:"LOCAL_PATH" default:"./data/index" description:"working copy of the index"`
	Branch    string        `long:"branch" env:"BRANCH" default:"master"`
	Username  string        `long:"username" env:"USERNAME"`
	Password  string        `long:"password" env:"PASSWORD"`
	BotName   string        `long:"bot-name" env:"BOT_NAME" default:"depot-bot"`
	BotEmail  string        `long:"bot-email" env:"BOT_EMAIL" default:"depot-bot@localhost"`
	Timeout   time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"timeout for fetch and push"`
}

type RegistryOptions struct {
	Concurrency int `long:"concurrency" env:"CONCURRENCY" description:"concurrent publish/yank operations, defaults to 4 per CPU"`
}

// ParseOptions parses args and the environment into Options.
func ParseOptions(args []string) (*Options, error) {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return &opts, nil
}
