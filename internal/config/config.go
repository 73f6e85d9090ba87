package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"eventrouter/internal/condition"
	"eventrouter/internal/domain"
	"eventrouter/internal/schedule"
	"eventrouter/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName            = "eventrouter"
	defaultTickIntervalSec        = 1
	defaultHTTPListen             = ":8080"
	defaultHealthPath             = "/healthz"
	defaultReadyPath              = "/readyz"
	defaultIngestPath             = "/events"
	defaultMetricsPath            = "/metrics"
	defaultReportsPath            = "/reports"
	defaultIngestRatePerSec       = 200
	defaultIngestBurst            = 400
	defaultNATSURL                = "nats://127.0.0.1:4222"
	defaultNATSDataBucket         = "eventrouter_data"
	defaultNATSExpiringBucket     = "eventrouter_expiring"
	defaultNATSEventStream        = "EVENTROUTER_EVENTS"
	defaultNATSEventSubject       = "eventrouter.events"
	defaultNATSNotifyStream       = "EVENTROUTER_NOTIFICATIONS"
	defaultNATSNotifySubject      = "eventrouter.notifications"
	defaultNATSAlertStream        = "EVENTROUTER_ALERTS"
	defaultNATSAlertSubject       = "eventrouter.alerts"
	defaultNATSAlertDLQStream     = "EVENTROUTER_ALERTS_DLQ"
	defaultNATSAlertDLQSubject    = "eventrouter.alerts_dlq"
	defaultExpiryConsumer         = "eventrouter-expiry"
	defaultExpiryDeliverGroup     = "eventrouter-expiry"
	defaultNATSAckWaitSec         = 30
	defaultNATSNackDelayMS        = 1000
	defaultNATSMaxDeliver         = -1
	defaultNATSMaxAckPending      = 2048
	defaultInitialFailureDelaySec = 30
	defaultRepeatFailureDelaySec  = 60
	defaultAckDurationSec         = 4 * 60 * 60
	defaultHistoryMaxStates       = 2000
	defaultHistoryMaxBytes        = 512 << 10
	maxHistoryBytes               = 1 << 20
	defaultNewCheckMaintenance    = "100y"
	defaultNewCheckBypassTag      = "bypass_ncsm"
	defaultContactTimezone        = "UTC"
	defaultEvaluatorTimeoutMS     = 250
	defaultEvaluatorOccurrences   = 1000
	defaultLeaseTTLSec            = 60
	defaultLeaseAttempts          = 10
	defaultLeaseBackoffMS         = 500
	defaultGatewayTimeoutSec      = 10
	defaultWebhookRatePerSec      = 10

	// ServiceModeNATS keeps state and queues in JetStream.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps state and queues in process memory.
	ServiceModeSingle = "single"

	// GatewayLog identifies the log transport.
	GatewayLog = "log"
	// GatewayWebhook identifies the HTTP webhook transport.
	GatewayWebhook = "webhook"
)

var (
	legacyContactArrayPattern = regexp.MustCompile(`(?m)^\s*\[\[\s*contact\s*\]\]`)
	fixedNATSKeysPattern      = regexp.MustCompile(`(?si)\[\s*nats\s*\][^\[]*\b(?:data_bucket|expiring_bucket|stream|subject)\s*=`)
	longDurationPattern       = regexp.MustCompile(`^(\d+)([dwy])$`)
)

// Config holds service runtime settings, contacts, and declared maintenance.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service     ServiceConfig       `toml:"service"`
	Log         LogConfig           `toml:"log"`
	NATS        NATSConfig          `toml:"nats"`
	Processor   ProcessorConfig     `toml:"processor"`
	Notifier    NotifierConfig      `toml:"notifier"`
	Notify      NotifyConfig        `toml:"notify"`
	Gateway     GatewayConfig       `toml:"gateway"`
	Ingest      IngestConfig        `toml:"ingest"`
	Migration   MigrationConfig     `toml:"migration"`
	Contact     []ContactConfig     `toml:"-"`
	Maintenance []MaintenanceConfig `toml:"maintenance"`
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: raw contact map keyed by contact id.
type rawConfig struct {
	Service     ServiceConfig               `toml:"service"`
	Log         LogConfig                   `toml:"log"`
	NATS        NATSConfig                  `toml:"nats"`
	Processor   ProcessorConfig             `toml:"processor"`
	Notifier    NotifierConfig              `toml:"notifier"`
	Notify      NotifyConfig                `toml:"notify"`
	Gateway     GatewayConfig               `toml:"gateway"`
	Ingest      IngestConfig                `toml:"ingest"`
	Migration   MigrationConfig             `toml:"migration"`
	Contact     map[string]rawContactConfig `toml:"contact"`
	Maintenance []MaintenanceConfig         `toml:"maintenance"`
}

// ServiceConfig contains process-level settings.
type ServiceConfig struct {
	Name             string `toml:"name"`
	Mode             string `toml:"mode"`
	TickIntervalSec  int    `toml:"tick_interval_sec"`
	ExitOnQueueEmpty bool   `toml:"exit_on_queue_empty"`
}

// LogConfig contains console/file logging sinks and the notification log.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
	Notify  LogSinkConfig `toml:"notify"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// NATSConfig holds JetStream connection settings shared by state and queues.
type NATSConfig struct {
	URL                    []string `toml:"url"`
	RequireExistingBuckets bool     `toml:"require_existing_buckets"`
}

// NATSStateConfig contains fixed JetStream KV and consumer controls for the state backend.
// Params: URL, bucket names, and expiry-marker consumer settings.
// Returns: NATS state backend options.
type NATSStateConfig struct {
	URL                   []string
	DataBucket            string
	ExpiringBucket        string
	ExpiryConsumerName    string
	ExpiryDeliverGroup    string
	ExpirySubjectWildcard string
	AllowCreateBuckets    bool
}

// NATSQueueConfig names one JetStream work-queue stream.
type NATSQueueConfig struct {
	URL      []string
	Stream   string
	Subject  string
	Consumer string
}

// DeriveStateNATSConfig builds fixed state-backend settings from runtime config.
// Params: full runtime configuration snapshot.
// Returns: non-user-overridable NATS state settings.
func DeriveStateNATSConfig(cfg Config) NATSStateConfig {
	return NATSStateConfig{
		URL:                   natsURLs(cfg),
		DataBucket:            defaultNATSDataBucket,
		ExpiringBucket:        defaultNATSExpiringBucket,
		ExpiryConsumerName:    defaultExpiryConsumer,
		ExpiryDeliverGroup:    defaultExpiryDeliverGroup,
		ExpirySubjectWildcard: "$KV." + defaultNATSExpiringBucket + ".>",
		AllowCreateBuckets:    !cfg.NATS.RequireExistingBuckets,
	}
}

// DeriveEventQueueConfig returns the inbound event work-queue settings.
func DeriveEventQueueConfig(cfg Config) NATSQueueConfig {
	return NATSQueueConfig{
		URL:      natsURLs(cfg),
		Stream:   defaultNATSEventStream,
		Subject:  defaultNATSEventSubject,
		Consumer: cfg.Service.Name + "-processor",
	}
}

// DeriveNotificationQueueConfig returns the processor-to-notifier work-queue settings.
func DeriveNotificationQueueConfig(cfg Config) NATSQueueConfig {
	return NATSQueueConfig{
		URL:      natsURLs(cfg),
		Stream:   defaultNATSNotifyStream,
		Subject:  defaultNATSNotifySubject,
		Consumer: cfg.Service.Name + "-notifier",
	}
}

// NATSDeliveryQueueConfig names the per-medium alert delivery stream and its consumer policy.
// Params: URL, stream, subject prefix (one subject per medium type), consumer, DLQ, and ack policy.
// Returns: delivery queue options shared by producer and worker.
type NATSDeliveryQueueConfig struct {
	URL           []string
	Stream        string
	SubjectPrefix string
	ConsumerName  string
	DeliverGroup  string
	DLQEnabled    bool
	DLQStream     string
	DLQSubject    string
	AckWaitSec    int
	NackDelayMS   int
	MaxDeliver    int
	MaxAckPending int
}

// DeriveDeliveryQueueConfig returns the alert delivery queue settings.
func DeriveDeliveryQueueConfig(cfg Config) NATSDeliveryQueueConfig {
	return NATSDeliveryQueueConfig{
		URL:           natsURLs(cfg),
		Stream:        defaultNATSAlertStream,
		SubjectPrefix: defaultNATSAlertSubject,
		ConsumerName:  cfg.Service.Name + "-delivery",
		DeliverGroup:  cfg.Service.Name + "-delivery",
		DLQEnabled:    cfg.Notify.Queue.DLQ,
		DLQStream:     defaultNATSAlertDLQStream,
		DLQSubject:    defaultNATSAlertDLQSubject,
		AckWaitSec:    cfg.Notify.Queue.AckWaitSec,
		NackDelayMS:   cfg.Notify.Queue.NackDelayMS,
		MaxDeliver:    cfg.Notify.Queue.MaxDeliver,
		MaxAckPending: cfg.Notify.Queue.MaxAckPending,
	}
}

func natsURLs(cfg Config) []string {
	urls := normalizeNATSURLs(cfg.NATS.URL)
	if len(urls) == 0 {
		urls = []string{defaultNATSURL}
	}
	return urls
}

// ProcessorConfig tunes the event processor and its filter chain.
type ProcessorConfig struct {
	NewCheckScheduledMaintenanceDuration   string   `toml:"new_check_scheduled_maintenance_duration"`
	NewCheckScheduledMaintenanceIgnoreTags []string `toml:"new_check_scheduled_maintenance_ignore_tags"`
	InitialFailureDelaySec                 *int     `toml:"initial_failure_delay_sec"`
	RepeatFailureDelaySec                  *int     `toml:"repeat_failure_delay_sec"`
	AcknowledgementDurationSec             int      `toml:"acknowledgement_duration_sec"`
	HistoryMaxStates                       int      `toml:"history_max_states"`
	HistoryMaxBytes                        int      `toml:"history_max_bytes"`

	NewCheckMaintenance time.Duration `toml:"-"`
}

// InitialFailureDelay returns the configured initial failure delay.
func (p ProcessorConfig) InitialFailureDelay() time.Duration {
	if p.InitialFailureDelaySec == nil {
		return defaultInitialFailureDelaySec * time.Second
	}
	return time.Duration(*p.InitialFailureDelaySec) * time.Second
}

// RepeatFailureDelay returns the configured repeat failure delay.
func (p ProcessorConfig) RepeatFailureDelay() time.Duration {
	if p.RepeatFailureDelaySec == nil {
		return defaultRepeatFailureDelaySec * time.Second
	}
	return time.Duration(*p.RepeatFailureDelaySec) * time.Second
}

// NotifierConfig tunes rule matching and alert assembly.
type NotifierConfig struct {
	DefaultContactTimezone  string `toml:"default_contact_timezone"`
	EvaluatorTimeoutMS      int    `toml:"evaluator_timeout_ms"`
	EvaluatorMaxOccurrences int    `toml:"evaluator_max_occurrences"`
	RollupRecovery          *bool  `toml:"rollup_recovery"`
}

// RollupRecoveryEnabled reports whether falling below threshold emits a rollup recovery.
func (n NotifierConfig) RollupRecoveryEnabled() bool {
	return n.RollupRecovery == nil || *n.RollupRecovery
}

// NotifyConfig defines outbound delivery queue behavior.
type NotifyConfig struct {
	Queue NotifyQueue `toml:"queue"`
}

// NotifyQueue defines asynchronous delivery queue settings.
// Params: worker/ack policy and optional fixed DLQ toggle.
// Returns: async delivery pipeline controls.
type NotifyQueue struct {
	URL           []string `toml:"-"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
	DLQ           bool     `toml:"dlq"`
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for one gateway.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// GatewayConfig lists transport gateways consuming delivery queues.
type GatewayConfig struct {
	Log     LogGatewayConfig     `toml:"log"`
	Webhook WebhookGatewayConfig `toml:"webhook"`
}

// LogGatewayConfig writes alerts to the service log.
type LogGatewayConfig struct {
	Enabled    bool     `toml:"enabled"`
	MediaTypes []string `toml:"media_types"`
}

// WebhookGatewayConfig posts alerts to an HTTP endpoint.
// Params: endpoint, method, timeout, headers, optional body template, outbound rate, and retry policy.
// Returns: webhook gateway configuration.
type WebhookGatewayConfig struct {
	Enabled      bool              `toml:"enabled"`
	MediaTypes   []string          `toml:"media_types"`
	URL          string            `toml:"url"`
	Method       string            `toml:"method"`
	TimeoutSec   int               `toml:"timeout_sec"`
	Headers      map[string]string `toml:"headers"`
	BodyTemplate string            `toml:"body_template"`
	RatePerSec   float64           `toml:"rate_per_sec"`
	Burst        int               `toml:"burst"`
	Retry        NotifyRetry       `toml:"retry"`
}

// IngestConfig defines inbound interfaces.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
}

// HTTPIngestConfig configures the HTTP event and report endpoints.
// Params: enable flag, listen/endpoints, body size limit, and per-source rate.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool    `toml:"enabled"`
	Listen       string  `toml:"listen"`
	HealthPath   string  `toml:"health_path"`
	ReadyPath    string  `toml:"ready_path"`
	IngestPath   string  `toml:"ingest_path"`
	MetricsPath  string  `toml:"metrics_path"`
	ReportsPath  string  `toml:"reports_path"`
	MaxBodyBytes int64   `toml:"max_body_bytes"`
	RatePerSec   float64 `toml:"rate_per_sec"`
	Burst        int     `toml:"burst"`
}

// MigrationConfig controls the startup migration lease.
type MigrationConfig struct {
	LeaseTTLSec    int `toml:"lease_ttl_sec"`
	LeaseAttempts  int `toml:"lease_attempts"`
	LeaseBackoffMS int `toml:"lease_backoff_ms"`
}

// LeaseTTL returns lease lifetime.
func (m MigrationConfig) LeaseTTL() time.Duration {
	return time.Duration(m.LeaseTTLSec) * time.Second
}

// LeaseBackoff returns the pause between lease attempts.
func (m MigrationConfig) LeaseBackoff() time.Duration {
	return time.Duration(m.LeaseBackoffMS) * time.Millisecond
}

// ContactConfig is one operator-declared contact from `[contact.<id>]`.
type ContactConfig struct {
	ID       string
	Name     string
	Timezone string
	Entities []string
	Checks   []string
	Medium   []MediumConfig
	Rule     []RuleConfig
}

type rawContactConfig struct {
	ID       string         `toml:"id"`
	Name     string         `toml:"name"`
	Timezone string         `toml:"timezone"`
	Entities []string       `toml:"entities"`
	Checks   []string       `toml:"checks"`
	Medium   []MediumConfig `toml:"medium"`
	Rule     []RuleConfig   `toml:"rule"`
}

// MediumConfig is one delivery channel of a declared contact.
type MediumConfig struct {
	ID              string `toml:"id"`
	Type            string `toml:"type"`
	Address         string `toml:"address"`
	IntervalSec     int64  `toml:"interval_sec"`
	RollupThreshold int    `toml:"rollup_threshold"`
}

// RuleConfig is one acceptor or rejector of a declared contact.
type RuleConfig struct {
	ID              string                  `toml:"id"`
	Name            string                  `toml:"name"`
	Disabled        bool                    `toml:"disabled"`
	Blackhole       bool                    `toml:"blackhole"`
	Strategy        string                  `toml:"strategy"`
	Tags            []string                `toml:"tags"`
	Entities        []string                `toml:"entities"`
	ConditionsList  []string                `toml:"conditions_list"`
	TimeRestriction []TimeRestrictionConfig `toml:"time_restriction"`
	Route           []RouteConfig           `toml:"route"`
}

// TimeRestrictionConfig limits a rule to a recurring period.
type TimeRestrictionConfig struct {
	Cron        string     `toml:"cron"`
	DurationSec int64      `toml:"duration_sec"`
	StartsAt    *time.Time `toml:"starts_at"`
	EndsAt      *time.Time `toml:"ends_at"`
}

// RouteConfig binds rule media to one severity.
type RouteConfig struct {
	Condition string   `toml:"condition"`
	Media     []string `toml:"media"`
	Blackhole bool     `toml:"blackhole"`
}

// MaintenanceConfig declares one scheduled window, or a recurring series when Cron is set.
type MaintenanceConfig struct {
	Check    string     `toml:"check"`
	Start    *time.Time `toml:"start"`
	End      *time.Time `toml:"end"`
	Duration string     `toml:"duration"`
	Summary  string     `toml:"summary"`
	Cron     string     `toml:"cron"`
	From     *time.Time `toml:"from"`
	Until    *time.Time `toml:"until"`
}

// WindowDuration parses Duration as Go duration or long form (d, w, y).
func (m MaintenanceConfig) WindowDuration() (time.Duration, error) {
	return ParseLongDuration(m.Duration)
}

// ToDomain converts declared contact into a normalized domain contact.
// Params: none.
// Returns: contact ready for validation and persistence.
func (c ContactConfig) ToDomain() domain.Contact {
	contact := domain.Contact{
		ID:       c.ID,
		Name:     c.Name,
		Timezone: c.Timezone,
		Entities: append([]string(nil), c.Entities...),
		Checks:   append([]string(nil), c.Checks...),
	}
	for i, m := range c.Medium {
		id := m.ID
		if id == "" {
			id = c.ID + "-" + strings.ToLower(strings.TrimSpace(m.Type))
			if i > 0 && mediumIDTaken(contact.Media, id) {
				id += "-" + strconv.Itoa(i)
			}
		}
		contact.Media = append(contact.Media, domain.Medium{
			ID:              id,
			Type:            m.Type,
			Address:         m.Address,
			Interval:        m.IntervalSec,
			RollupThreshold: m.RollupThreshold,
		})
	}
	for i, r := range c.Rule {
		id := r.ID
		if id == "" {
			id = c.ID + "-rule-" + strconv.Itoa(i)
		}
		rule := domain.Rule{
			ID:        id,
			Name:      r.Name,
			Enabled:   !r.Disabled,
			Blackhole: r.Blackhole,
			Strategy:  domain.Strategy(strings.ToLower(strings.TrimSpace(r.Strategy))),
			Tags:      append([]string(nil), r.Tags...),
			Entities:  append([]string(nil), r.Entities...),
		}
		for _, raw := range r.ConditionsList {
			rule.ConditionsList = append(rule.ConditionsList, condition.Condition(strings.ToLower(strings.TrimSpace(raw))))
		}
		for _, tr := range r.TimeRestriction {
			rule.TimeRestrictions = append(rule.TimeRestrictions, domain.TimeRestriction{
				Recurrence: tr.Cron,
				Duration:   tr.DurationSec,
				StartsAt:   tr.StartsAt,
				EndsAt:     tr.EndsAt,
			})
		}
		for j, route := range r.Route {
			rule.Routes = append(rule.Routes, domain.Route{
				ID:        id + "-route-" + strconv.Itoa(j),
				Condition: condition.Condition(strings.ToLower(strings.TrimSpace(route.Condition))),
				MediumIDs: resolveMediumRefs(contact.Media, route.Media),
				Blackhole: route.Blackhole,
			})
		}
		contact.Rules = append(contact.Rules, rule)
	}
	contact.Normalize()
	return contact
}

func mediumIDTaken(media []domain.Medium, id string) bool {
	for _, m := range media {
		if m.ID == id {
			return true
		}
	}
	return false
}

// resolveMediumRefs accepts medium ids or medium types in route media lists.
func resolveMediumRefs(media []domain.Medium, refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		resolved := ref
		for _, m := range media {
			if m.ID == ref {
				resolved = m.ID
				break
			}
			if strings.EqualFold(m.Type, ref) {
				resolved = m.ID
			}
		}
		out = append(out, resolved)
	}
	return out
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseLongDuration parses Go durations plus day, week, and year suffixes.
// Params: text such as "90s", "4h", "7d", "2w", or "100y".
// Returns: parsed duration or error.
func ParseLongDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("duration is empty")
	}
	if m := longDurationPattern.FindStringSubmatch(raw); m != nil {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, err
		}
		day := 24 * time.Hour
		unit := map[string]time.Duration{"d": day, "w": 7 * day, "y": 365 * day}[m[2]]
		if n > int64((1<<63-1)/unit) {
			return 0, fmt.Errorf("duration %q overflows", raw)
		}
		return time.Duration(n) * unit, nil
	}
	return time.ParseDuration(raw)
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from file fragment.
// Returns: normalized config snapshot.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service:     raw.Service,
		Log:         raw.Log,
		NATS:        raw.NATS,
		Processor:   raw.Processor,
		Notifier:    raw.Notifier,
		Notify:      raw.Notify,
		Gateway:     raw.Gateway,
		Ingest:      raw.Ingest,
		Migration:   raw.Migration,
		Maintenance: raw.Maintenance,
	}
	if len(raw.Contact) == 0 {
		return cfg, nil
	}

	ids := make([]string, 0, len(raw.Contact))
	for id := range raw.Contact {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	cfg.Contact = make([]ContactConfig, 0, len(ids))
	for _, id := range ids {
		body := raw.Contact[id]
		if strings.TrimSpace(body.ID) != "" {
			return Config{}, fmt.Errorf("contact.%s.id is not supported; use [contact.%s] key as contact id", id, id)
		}
		cfg.Contact = append(cfg.Contact, ContactConfig{
			ID:       id,
			Name:     body.Name,
			Timezone: body.Timezone,
			Entities: body.Entities,
			Checks:   body.Checks,
			Medium:   body.Medium,
			Rule:     body.Rule,
		})
	}
	return cfg, nil
}

// rejectUnsupportedSyntax checks forbidden TOML syntax and returns explicit error.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if legacyContactArrayPattern.Match(body) {
		return errors.New("[[contact]] format is not supported; use [contact.<id>] tables")
	}
	if fixedNATSKeysPattern.Match(body) {
		return errors.New("nats bucket and stream names are fixed in runtime and must not be configured")
	}
	return nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := rejectUnsupportedSyntax(body); err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment)
	}
	return merged, nil
}

// mergeConfig overlays source onto destination.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if len(src.NATS.URL) > 0 || src.NATS.RequireExistingBuckets {
		dst.NATS = src.NATS
	}
	mergeProcessor(&dst.Processor, src.Processor)
	mergeNotifier(&dst.Notifier, src.Notifier)
	if hasNotifyQueueConfig(src.Notify.Queue) {
		dst.Notify = src.Notify
	}
	if src.Gateway.Log.Enabled || len(src.Gateway.Log.MediaTypes) > 0 {
		dst.Gateway.Log = src.Gateway.Log
	}
	if src.Gateway.Webhook.Enabled || strings.TrimSpace(src.Gateway.Webhook.URL) != "" {
		dst.Gateway.Webhook = src.Gateway.Webhook
	}
	if src.Ingest.HTTP != (HTTPIngestConfig{}) {
		dst.Ingest = src.Ingest
	}
	if src.Migration != (MigrationConfig{}) {
		dst.Migration = src.Migration
	}
	dst.Contact = append(dst.Contact, src.Contact...)
	dst.Maintenance = append(dst.Maintenance, src.Maintenance...)
}

// hasNotifyQueueConfig checks whether queue section contains explicit values.
func hasNotifyQueueConfig(cfg NotifyQueue) bool {
	return cfg.AckWaitSec != 0 ||
		cfg.NackDelayMS != 0 ||
		cfg.MaxDeliver != 0 ||
		cfg.MaxAckPending != 0 ||
		cfg.DLQ
}

func mergeProcessor(dst *ProcessorConfig, src ProcessorConfig) {
	if strings.TrimSpace(src.NewCheckScheduledMaintenanceDuration) != "" {
		dst.NewCheckScheduledMaintenanceDuration = src.NewCheckScheduledMaintenanceDuration
	}
	if len(src.NewCheckScheduledMaintenanceIgnoreTags) > 0 {
		dst.NewCheckScheduledMaintenanceIgnoreTags = append([]string(nil), src.NewCheckScheduledMaintenanceIgnoreTags...)
	}
	if src.InitialFailureDelaySec != nil {
		dst.InitialFailureDelaySec = src.InitialFailureDelaySec
	}
	if src.RepeatFailureDelaySec != nil {
		dst.RepeatFailureDelaySec = src.RepeatFailureDelaySec
	}
	if src.AcknowledgementDurationSec != 0 {
		dst.AcknowledgementDurationSec = src.AcknowledgementDurationSec
	}
	if src.HistoryMaxStates != 0 {
		dst.HistoryMaxStates = src.HistoryMaxStates
	}
	if src.HistoryMaxBytes != 0 {
		dst.HistoryMaxBytes = src.HistoryMaxBytes
	}
}

func mergeNotifier(dst *NotifierConfig, src NotifierConfig) {
	if strings.TrimSpace(src.DefaultContactTimezone) != "" {
		dst.DefaultContactTimezone = src.DefaultContactTimezone
	}
	if src.EvaluatorTimeoutMS != 0 {
		dst.EvaluatorTimeoutMS = src.EvaluatorTimeoutMS
	}
	if src.EvaluatorMaxOccurrences != 0 {
		dst.EvaluatorMaxOccurrences = src.EvaluatorMaxOccurrences
	}
	if src.RollupRecovery != nil {
		dst.RollupRecovery = src.RollupRecovery
	}
}

// applyDefaults fills omitted config fields with safe defaults.
// Params: cfg pointer to decoded snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	if cfg.Service.TickIntervalSec <= 0 {
		cfg.Service.TickIntervalSec = defaultTickIntervalSec
	}

	fillLogSinkDefaults(&cfg.Log.Console, "line")
	fillLogSinkDefaults(&cfg.Log.File, "json")
	fillLogSinkDefaults(&cfg.Log.Notify, "line")
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.Processor.NewCheckScheduledMaintenanceDuration) == "" {
		cfg.Processor.NewCheckScheduledMaintenanceDuration = defaultNewCheckMaintenance
	}
	if d, err := ParseLongDuration(cfg.Processor.NewCheckScheduledMaintenanceDuration); err == nil {
		cfg.Processor.NewCheckMaintenance = d
	}
	if cfg.Processor.NewCheckScheduledMaintenanceIgnoreTags == nil {
		cfg.Processor.NewCheckScheduledMaintenanceIgnoreTags = []string{defaultNewCheckBypassTag}
	}
	if cfg.Processor.AcknowledgementDurationSec <= 0 {
		cfg.Processor.AcknowledgementDurationSec = defaultAckDurationSec
	}
	if cfg.Processor.HistoryMaxStates <= 0 {
		cfg.Processor.HistoryMaxStates = defaultHistoryMaxStates
	}
	if cfg.Processor.HistoryMaxBytes <= 0 {
		cfg.Processor.HistoryMaxBytes = defaultHistoryMaxBytes
	}

	if strings.TrimSpace(cfg.Notifier.DefaultContactTimezone) == "" {
		cfg.Notifier.DefaultContactTimezone = defaultContactTimezone
	}
	if cfg.Notifier.EvaluatorTimeoutMS <= 0 {
		cfg.Notifier.EvaluatorTimeoutMS = defaultEvaluatorTimeoutMS
	}
	if cfg.Notifier.EvaluatorMaxOccurrences <= 0 {
		cfg.Notifier.EvaluatorMaxOccurrences = defaultEvaluatorOccurrences
	}

	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode keeps every queue in memory; JetStream DLQ is not available.
		cfg.Notify.Queue.URL = nil
		cfg.Notify.Queue.DLQ = false
	} else {
		cfg.NATS.URL = natsURLs(*cfg)
		cfg.Notify.Queue.URL = append([]string(nil), cfg.NATS.URL...)
		if cfg.Notify.Queue.AckWaitSec <= 0 {
			cfg.Notify.Queue.AckWaitSec = defaultNATSAckWaitSec
		}
		if cfg.Notify.Queue.NackDelayMS <= 0 {
			cfg.Notify.Queue.NackDelayMS = defaultNATSNackDelayMS
		}
		if cfg.Notify.Queue.MaxDeliver == 0 {
			cfg.Notify.Queue.MaxDeliver = defaultNATSMaxDeliver
		}
		if cfg.Notify.Queue.MaxAckPending <= 0 {
			cfg.Notify.Queue.MaxAckPending = defaultNATSMaxAckPending
		}
	}

	if !cfg.Gateway.Log.Enabled && !cfg.Gateway.Webhook.Enabled {
		cfg.Gateway.Log.Enabled = true
	}
	cfg.Gateway.Log.MediaTypes = normalizeMediaTypes(cfg.Gateway.Log.MediaTypes)
	cfg.Gateway.Webhook.MediaTypes = normalizeMediaTypes(cfg.Gateway.Webhook.MediaTypes)
	if cfg.Gateway.Webhook.Method == "" {
		cfg.Gateway.Webhook.Method = "POST"
	}
	if cfg.Gateway.Webhook.TimeoutSec <= 0 {
		cfg.Gateway.Webhook.TimeoutSec = defaultGatewayTimeoutSec
	}
	if cfg.Gateway.Webhook.RatePerSec <= 0 {
		cfg.Gateway.Webhook.RatePerSec = defaultWebhookRatePerSec
	}
	if cfg.Gateway.Webhook.Burst <= 0 {
		cfg.Gateway.Webhook.Burst = int(cfg.Gateway.Webhook.RatePerSec)
		if cfg.Gateway.Webhook.Burst < 1 {
			cfg.Gateway.Webhook.Burst = 1
		}
	}
	fillNotifyRetryDefaults(&cfg.Gateway.Webhook.Retry)

	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.HealthPath) == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.ReadyPath) == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.IngestPath) == "" {
		cfg.Ingest.HTTP.IngestPath = defaultIngestPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.MetricsPath) == "" {
		cfg.Ingest.HTTP.MetricsPath = defaultMetricsPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.ReportsPath) == "" {
		cfg.Ingest.HTTP.ReportsPath = defaultReportsPath
	}
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = 2 << 20
	}
	if cfg.Ingest.HTTP.RatePerSec <= 0 {
		cfg.Ingest.HTTP.RatePerSec = defaultIngestRatePerSec
	}
	if cfg.Ingest.HTTP.Burst <= 0 {
		cfg.Ingest.HTTP.Burst = defaultIngestBurst
	}

	if cfg.Migration.LeaseTTLSec <= 0 {
		cfg.Migration.LeaseTTLSec = defaultLeaseTTLSec
	}
	if cfg.Migration.LeaseAttempts <= 0 {
		cfg.Migration.LeaseAttempts = defaultLeaseAttempts
	}
	if cfg.Migration.LeaseBackoffMS <= 0 {
		cfg.Migration.LeaseBackoffMS = defaultLeaseBackoffMS
	}
}

func fillLogSinkDefaults(sink *LogSinkConfig, format string) {
	if sink.Level == "" {
		sink.Level = "info"
	}
	if sink.Format == "" {
		sink.Format = format
	}
}

// fillNotifyRetryDefaults normalizes retry policy fields for one gateway.
// Params: retry policy pointer.
// Returns: policy defaults applied in place.
func fillNotifyRetryDefaults(retry *NotifyRetry) {
	if retry == nil {
		return
	}
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = 60000
	}
}

func normalizeMediaTypes(types []string) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first validation error found.
func validateConfig(cfg Config) error {
	if !IsSupportedServiceMode(cfg.Service.Mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if cfg.Service.Mode == ServiceModeNATS {
		for i, url := range cfg.NATS.URL {
			if strings.TrimSpace(url) == "" {
				return fmt.Errorf("nats.url[%d] is empty", i)
			}
		}
		if cfg.Notify.Queue.MaxDeliver == 0 || cfg.Notify.Queue.MaxDeliver < -1 {
			return errors.New("notify.queue.max_deliver must be -1 or >0")
		}
	}

	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	if err := validateLogSink("log.notify", cfg.Log.Notify, true); err != nil {
		return err
	}

	if _, err := ParseLongDuration(cfg.Processor.NewCheckScheduledMaintenanceDuration); err != nil {
		return fmt.Errorf("processor.new_check_scheduled_maintenance_duration: %w", err)
	}
	if cfg.Processor.HistoryMaxBytes > maxHistoryBytes {
		return fmt.Errorf("processor.history_max_bytes must be <=%d (NATS max payload)", maxHistoryBytes)
	}
	if cfg.Processor.InitialFailureDelaySec != nil && *cfg.Processor.InitialFailureDelaySec < 0 {
		return errors.New("processor.initial_failure_delay_sec must be >=0")
	}
	if cfg.Processor.RepeatFailureDelaySec != nil && *cfg.Processor.RepeatFailureDelaySec < 0 {
		return errors.New("processor.repeat_failure_delay_sec must be >=0")
	}
	if _, err := time.LoadLocation(cfg.Notifier.DefaultContactTimezone); err != nil {
		return fmt.Errorf("notifier.default_contact_timezone has unsupported value %q", cfg.Notifier.DefaultContactTimezone)
	}

	if cfg.Gateway.Webhook.Enabled {
		if strings.TrimSpace(cfg.Gateway.Webhook.URL) == "" {
			return errors.New("gateway.webhook.url is required when gateway.webhook.enabled=true")
		}
		if body := strings.TrimSpace(cfg.Gateway.Webhook.BodyTemplate); body != "" {
			if _, err := templatefmt.ParseNotificationTemplate("gateway.webhook.body_template", body); err != nil {
				return fmt.Errorf("gateway.webhook.body_template: %w", err)
			}
		}
	}
	if cfg.Ingest.HTTP.Burst < 1 {
		return errors.New("ingest.http.burst must be >=1")
	}

	contactIDs := make(map[string]struct{}, len(cfg.Contact))
	for i, contact := range cfg.Contact {
		if _, exists := contactIDs[contact.ID]; exists {
			return fmt.Errorf("duplicate contact id %q", contact.ID)
		}
		contactIDs[contact.ID] = struct{}{}
		if err := contact.ToDomain().Validate(); err != nil {
			return fmt.Errorf("contact[%d] %q: %w", i, contact.ID, err)
		}
	}
	for i, m := range cfg.Maintenance {
		if err := validateMaintenance(m); err != nil {
			return fmt.Errorf("maintenance[%d]: %w", i, err)
		}
	}
	return nil
}

// validateMaintenance validates one declared maintenance entry.
func validateMaintenance(m MaintenanceConfig) error {
	if entity, check := domain.SplitCheckID(m.Check); entity == "" || check == "" {
		return fmt.Errorf("check must be entity:check, got %q", m.Check)
	}
	if strings.TrimSpace(m.Cron) != "" {
		dur, err := m.WindowDuration()
		if err != nil {
			return fmt.Errorf("duration: %w", err)
		}
		rec := schedule.Recurrence{Cron: m.Cron, Duration: dur}
		if m.From != nil {
			rec.From = *m.From
		}
		if m.Until != nil {
			rec.Until = *m.Until
		}
		if m.From == nil || m.Until == nil {
			return errors.New("recurring maintenance requires from and until")
		}
		return rec.Validate()
	}
	if m.Start == nil {
		return errors.New("start is required")
	}
	if m.End == nil && strings.TrimSpace(m.Duration) == "" {
		return errors.New("end or duration is required")
	}
	if m.End != nil && !m.End.After(*m.Start) {
		return errors.New("end must be after start")
	}
	if m.End == nil {
		if _, err := m.WindowDuration(); err != nil {
			return fmt.Errorf("duration: %w", err)
		}
	}
	return nil
}

// validateLogSink validates one enabled log sink.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error", "panic":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}
	return nil
}

func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for i := range urls {
		if url := strings.TrimSpace(urls[i]); url != "" {
			out = append(out, url)
		}
	}
	return out
}

// NormalizeServiceMode canonicalizes service mode and applies default.
// Params: raw mode value from config.
// Returns: normalized mode (`single` by default).
func NormalizeServiceMode(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ServiceModeSingle
	}
	return normalized
}

// IsSupportedServiceMode reports whether mode value is supported.
func IsSupportedServiceMode(mode string) bool {
	switch NormalizeServiceMode(mode) {
	case ServiceModeNATS, ServiceModeSingle:
		return true
	default:
		return false
	}
}

// GatewayNames returns enabled gateway names in deterministic order.
func GatewayNames(cfg GatewayConfig) []string {
	out := make([]string, 0, 2)
	if cfg.Log.Enabled {
		out = append(out, GatewayLog)
	}
	if cfg.Webhook.Enabled {
		out = append(out, GatewayWebhook)
	}
	return out
}
