package config

import "github.com/kelseyhightower/envconfig"

type APIConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Admin endpoints sit behind an upstream identity layer; this shared
	// secret only guards direct access to the pod.
	AdminBearerToken string `envconfig:"ADMIN_BEARER_TOKEN" required:"true"`

	// Upload limits
	MaxUploadBytes int64 `envconfig:"MAX_UPLOAD_BYTES" default:"10485760"`

	// Public endpoint rate limiting (per client IP)
	PublicRPS   float64 `envconfig:"PUBLIC_RPS" default:"5"`
	PublicBurst int     `envconfig:"PUBLIC_BURST" default:"10"`

	// Proof storage: "local" or "s3"
	StorageBackend string `envconfig:"STORAGE_BACKEND" default:"local"`
	UploadDir      string `envconfig:"UPLOAD_DIR" default:"data/uploads"`
	S3Bucket       string `envconfig:"S3_BUCKET"`
	PublicBaseURL  string `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8080"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type WorkerConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"20"`

	// Channel senders: "kakao"/"sens"/"noop"
	PrimaryChannel  string `envconfig:"PRIMARY_CHANNEL" default:"kakao"`
	FallbackChannel string `envconfig:"FALLBACK_CHANNEL" default:"sens"`

	// Kakao AlimTalk-style chat push (primary)
	KakaoBaseURL      string `envconfig:"KAKAO_BASE_URL" default:"https://kakaoapi.aligo.in"`
	KakaoAPIKey       string `envconfig:"KAKAO_API_KEY"`
	KakaoSenderKey    string `envconfig:"KAKAO_SENDER_KEY"`
	KakaoTemplateCode string `envconfig:"KAKAO_TEMPLATE_CODE" default:"proof_done_v1"`

	// SENS SMS (fallback)
	SensBaseURL   string `envconfig:"SENS_BASE_URL" default:"https://sens.apigw.ntruss.com"`
	SensAccessKey string `envconfig:"SENS_ACCESS_KEY"`
	SensSecretKey string `envconfig:"SENS_SECRET_KEY"`
	SensServiceID string `envconfig:"SENS_SERVICE_ID"`
	SensFromNo    string `envconfig:"SENS_FROM_NO"`

	// Provider protection
	ProviderRPSPerPod   float64 `envconfig:"PROVIDER_RPS_PER_POD" default:"5"`
	ProviderBurst       int     `envconfig:"PROVIDER_BURST" default:"10"`
	SendTimeoutSeconds  int     `envconfig:"SEND_TIMEOUT_SECONDS" default:"6"`
	SendMaxTries        int     `envconfig:"SEND_MAX_TRIES" default:"3"`
	PublicBaseURL       string  `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8080"`
	FallbackSMSDisabled bool    `envconfig:"FALLBACK_SMS_DISABLED"`
}

type SweeperConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	SweepIntervalSeconds int `envconfig:"SWEEP_INTERVAL_SECONDS" default:"300"`
	// Only re-emit events older than this, so the sweeper never races a
	// just-committed upload whose enqueue is in flight.
	SweepMinAgeSeconds int `envconfig:"SWEEP_MIN_AGE_SECONDS" default:"120"`
	SweepBatchSize     int `envconfig:"SWEEP_BATCH_SIZE" default:"100"`
	// An enqueued event whose order still has zero attempts after this long is
	// treated as a lost job and re-emitted. Keep well above the queue's
	// visibility timeout times its redrive count.
	SweepStalledGraceSeconds int `envconfig:"SWEEP_STALLED_GRACE_SECONDS" default:"900"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadSweeper() SweeperConfig {
	var cfg SweeperConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
