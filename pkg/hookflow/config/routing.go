package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/hookflow/pkg/hookflow/batch"
	"github.com/randalmurphal/hookflow/pkg/hookflow/dlq"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/expr"
	"github.com/randalmurphal/hookflow/pkg/hookflow/monitor"
	"github.com/randalmurphal/hookflow/pkg/hookflow/observability"
	"github.com/randalmurphal/hookflow/pkg/hookflow/queue"
	"github.com/randalmurphal/hookflow/pkg/hookflow/source"
	"github.com/randalmurphal/hookflow/pkg/hookflow/trigger"
)

// Routing is the declarative routing table.
type Routing struct {
	Pipeline      PipelineConfig             `yaml:"pipeline" json:"pipeline"`
	EventTypes    map[string]EventTypeConfig `yaml:"event_types" json:"event_types"`
	AgentTriggers map[string]TriggerConfig   `yaml:"agent_triggers" json:"agent_triggers"`
	Handlers      map[string]HandlerConfig   `yaml:"handlers" json:"handlers"`
	DLQ           DLQConfig                  `yaml:"dlq" json:"dlq"`
	Store         StoreConfig                `yaml:"store" json:"store"`
	Sinks         SinksConfig                `yaml:"sinks" json:"sinks"`
	Logging       observability.LogConfig    `yaml:"logging" json:"logging"`
	Server        ServerConfig               `yaml:"server" json:"server"`
	Watch         WatchConfig                `yaml:"watch" json:"watch"`
}

// PipelineConfig holds pipeline-wide settings. Maps keyed by tier use the
// lower-case tier names.
type PipelineConfig struct {
	SessionID        string         `yaml:"session_id" json:"session_id"`
	QueueCapacity    map[string]int `yaml:"queue_capacity" json:"queue_capacity"`
	CriticalOverflow string         `yaml:"critical_overflow" json:"critical_overflow"`
	Workers          map[string]int `yaml:"workers" json:"workers"`
	TimeoutsMs       map[string]int `yaml:"timeouts_ms" json:"timeouts_ms"`
	BatchMs          map[string]int `yaml:"batch_timeout_ms" json:"batch_timeout_ms"`
	BatchSize        map[string]int `yaml:"batch_size" json:"batch_size"`
	MaxAttempts      int            `yaml:"max_attempts" json:"max_attempts"`
	MaxDepth         int            `yaml:"max_depth" json:"max_depth"`
	DedupWindowMs    *int           `yaml:"dedup_window_ms" json:"dedup_window_ms"`
	TuneIntervalMs   int            `yaml:"tune_interval_ms" json:"tune_interval_ms"`
	DefaultMode      string         `yaml:"default_mode" json:"default_mode"`
}

// EventTypeConfig routes one event type.
type EventTypeConfig struct {
	Priority     string         `yaml:"priority" json:"priority"`
	Handlers     []string       `yaml:"handlers" json:"handlers"`
	Filters      []FilterConfig `yaml:"filters" json:"filters"`
	Dedup        *DedupConfig   `yaml:"dedup" json:"dedup"`
	Batch        *BatchConfig   `yaml:"batch" json:"batch"`
	Mode         string         `yaml:"mode" json:"mode"`
	UserBlocking bool           `yaml:"user_blocking" json:"user_blocking"`
	UserFacing   bool           `yaml:"user_facing" json:"user_facing"`
}

// FilterConfig admits or drops events by a field's value. Field is a
// variable path such as "payload.file_path". When Include is set the value
// must match one of its globs; it must never match an Exclude glob.
type FilterConfig struct {
	Field   string   `yaml:"field" json:"field"`
	Include []string `yaml:"include" json:"include"`
	Exclude []string `yaml:"exclude" json:"exclude"`
}

// DedupConfig overrides deduplication for one type. A zero window disables
// it.
type DedupConfig struct {
	WindowMs int      `yaml:"window_ms" json:"window_ms"`
	Keys     []string `yaml:"keys" json:"keys"`
}

// BatchConfig overrides batch limits for one type.
type BatchConfig struct {
	MaxSize   int `yaml:"max_size" json:"max_size"`
	TimeoutMs int `yaml:"timeout_ms" json:"timeout_ms"`
}

// TriggerConfig is the rule for one agent.
type TriggerConfig struct {
	Events     []string `yaml:"events" json:"events"`
	Conditions []string `yaml:"conditions" json:"conditions"`
	DebounceMs int      `yaml:"debounce_ms" json:"debounce_ms"`
	Priority   string   `yaml:"priority" json:"priority"`
}

// HandlerConfig defines a built-in handler by name.
type HandlerConfig struct {
	// Type is exec or log.
	Type              string         `yaml:"type" json:"type"`
	TimeoutMs         int            `yaml:"timeout_ms" json:"timeout_ms"`
	FailureThreshold  int            `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeoutMs int            `yaml:"recovery_timeout_ms" json:"recovery_timeout_ms"`
	MaxAttempts       int            `yaml:"max_attempts" json:"max_attempts"`
	Options           map[string]any `yaml:"options" json:"options"`
}

// Opts returns the handler's options for typed extraction.
func (h HandlerConfig) Opts() Options {
	return NewOptions(h.Options)
}

// DLQConfig configures the dead letter queue and its recovery processor.
type DLQConfig struct {
	ScheduleMs         []int        `yaml:"schedule_ms" json:"schedule_ms"`
	PollIntervalMs     int          `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	CircuitOpenDelayMs int          `yaml:"circuit_open_delay_ms" json:"circuit_open_delay_ms"`
	LeaseTimeoutMs     int          `yaml:"lease_timeout_ms" json:"lease_timeout_ms"`
	BatchSize          int          `yaml:"batch_size" json:"batch_size"`
	Backend            string       `yaml:"backend" json:"backend"`
	DSN                string       `yaml:"dsn" json:"dsn"`
	Prefix             string       `yaml:"prefix" json:"prefix"`
	Poison             PoisonConfig `yaml:"poison" json:"poison"`
}

// PoisonConfig configures poison payload detection. A zero threshold
// disables it.
type PoisonConfig struct {
	Threshold int `yaml:"threshold" json:"threshold"`
	WindowMs  int `yaml:"window_ms" json:"window_ms"`
}

// StoreConfig selects the session log backend.
type StoreConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	Path    string `yaml:"path" json:"path"`
}

// SinksConfig configures agent trigger transports.
type SinksConfig struct {
	Kafka  *KafkaSinkConfig `yaml:"kafka" json:"kafka"`
	MQTT   *MQTTSinkConfig  `yaml:"mqtt" json:"mqtt"`
	Log    bool             `yaml:"log" json:"log"`
	Submit bool             `yaml:"submit" json:"submit"`
}

// KafkaSinkConfig configures the Kafka trigger sink.
type KafkaSinkConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
}

// MQTTSinkConfig configures the MQTT trigger sink.
type MQTTSinkConfig struct {
	Broker   string `yaml:"broker" json:"broker"`
	Topic    string `yaml:"topic" json:"topic"`
	ClientID string `yaml:"client_id" json:"client_id"`
	QoS      byte   `yaml:"qos" json:"qos"`
}

// ServerConfig configures the control surface.
type ServerConfig struct {
	Listen           string `yaml:"listen" json:"listen"`
	StreamIntervalMs int    `yaml:"stream_interval_ms" json:"stream_interval_ms"`
}

// WatchConfig configures the file watcher producer.
type WatchConfig struct {
	Roots      []string `yaml:"roots" json:"roots"`
	Include    []string `yaml:"include" json:"include"`
	Exclude    []string `yaml:"exclude" json:"exclude"`
	DebounceMs int      `yaml:"debounce_ms" json:"debounce_ms"`
}

// DefaultListen is the control surface address when none is configured.
const DefaultListen = "127.0.0.1:7421"

// Load reads a routing file, detecting the format by extension.
// Supported extensions: .yaml, .yml, .json
func Load(file string) (*Routing, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read routing file: %w", err)
	}
	return Parse(data, filepath.Ext(file))
}

// Parse decodes and validates routing data. ext selects the format.
func Parse(data []byte, ext string) (*Routing, error) {
	var r Routing
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported routing file extension: %s", ext)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// ValidationError lists every problem found in a routing table.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid routing: " + strings.Join(e.Problems, "; ")
}

// Validate checks the whole table and reports every problem at once.
func (r *Routing) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	checkTiers := func(field string, m map[string]int) {
		for k, v := range m {
			if _, err := event.ParsePriority(k); err != nil || k == "" {
				add("pipeline.%s: unknown tier %q", field, k)
			}
			if v < 0 {
				add("pipeline.%s.%s: must not be negative", field, k)
			}
		}
	}
	p := r.Pipeline
	checkTiers("queue_capacity", p.QueueCapacity)
	checkTiers("workers", p.Workers)
	checkTiers("timeouts_ms", p.TimeoutsMs)
	checkTiers("batch_timeout_ms", p.BatchMs)
	checkTiers("batch_size", p.BatchSize)
	switch queue.OverflowPolicy(p.CriticalOverflow) {
	case "", queue.OverflowReject, queue.OverflowBlock:
	default:
		add("pipeline.critical_overflow: must be reject or block")
	}
	if p.MaxAttempts < 0 || p.MaxDepth < 0 || p.TuneIntervalMs < 0 {
		add("pipeline: max_attempts, max_depth and tune_interval_ms must not be negative")
	}
	if p.DedupWindowMs != nil && *p.DedupWindowMs < 0 {
		add("pipeline.dedup_window_ms: must not be negative")
	}
	if !validMode(p.DefaultMode) {
		add("pipeline.default_mode: must be immediate or batched")
	}

	for _, name := range sortedKeys(r.EventTypes) {
		et := r.EventTypes[name]
		if et.Priority != "" {
			if _, err := event.ParsePriority(et.Priority); err != nil {
				add("event_types.%s.priority: %v", name, err)
			}
		}
		if !validMode(et.Mode) {
			add("event_types.%s.mode: must be immediate or batched", name)
		}
		for i, f := range et.Filters {
			if strings.TrimSpace(f.Field) == "" {
				add("event_types.%s.filters[%d]: field is required", name, i)
			}
			for _, g := range append(append([]string{}, f.Include...), f.Exclude...) {
				if _, err := path.Match(g, ""); err != nil {
					add("event_types.%s.filters[%d]: bad pattern %q", name, i, g)
				}
			}
		}
		if et.Dedup != nil && et.Dedup.WindowMs < 0 {
			add("event_types.%s.dedup.window_ms: must not be negative", name)
		}
		if et.Batch != nil && (et.Batch.MaxSize < 0 || et.Batch.TimeoutMs < 0) {
			add("event_types.%s.batch: limits must not be negative", name)
		}
	}

	for _, agent := range sortedKeys(r.AgentTriggers) {
		tc := r.AgentTriggers[agent]
		if len(tc.Events) == 0 {
			add("agent_triggers.%s.events: at least one event type is required", agent)
		}
		if tc.DebounceMs < 0 {
			add("agent_triggers.%s.debounce_ms: must not be negative", agent)
		}
		if tc.Priority != "" {
			if _, err := event.ParsePriority(tc.Priority); err != nil {
				add("agent_triggers.%s.priority: %v", agent, err)
			}
		}
		for _, c := range tc.Conditions {
			if err := expr.Validate(c); err != nil {
				add("agent_triggers.%s.conditions: %v", agent, err)
			}
		}
	}

	for _, name := range sortedKeys(r.Handlers) {
		h := r.Handlers[name]
		switch h.Type {
		case "exec":
			if h.Opts().String("command", "") == "" {
				add("handlers.%s: exec handlers need options.command", name)
			}
		case "log", "":
		default:
			add("handlers.%s.type: unknown handler type %q", name, h.Type)
		}
		if h.TimeoutMs < 0 || h.FailureThreshold < 0 || h.RecoveryTimeoutMs < 0 || h.MaxAttempts < 0 {
			add("handlers.%s: limits must not be negative", name)
		}
	}

	switch r.DLQ.Backend {
	case "", "memory", "sqlite", "redis":
	default:
		add("dlq.backend: must be memory, sqlite or redis")
	}
	if r.DLQ.Backend == "sqlite" || r.DLQ.Backend == "redis" {
		if r.DLQ.DSN == "" {
			add("dlq.dsn: required for the %s backend", r.DLQ.Backend)
		}
	}
	for _, ms := range r.DLQ.ScheduleMs {
		if ms < 0 {
			add("dlq.schedule_ms: delays must not be negative")
			break
		}
	}

	switch r.Store.Backend {
	case "", "memory":
	case "sqlite":
		if r.Store.Path == "" {
			add("store.path: required for the sqlite backend")
		}
	default:
		add("store.backend: must be memory or sqlite")
	}

	if k := r.Sinks.Kafka; k != nil && (len(k.Brokers) == 0 || k.Topic == "") {
		add("sinks.kafka: brokers and topic are required")
	}
	if m := r.Sinks.MQTT; m != nil && m.Broker == "" {
		add("sinks.mqtt.broker: required")
	}

	if _, err := observability.ParseLevel(r.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	switch strings.ToLower(r.Logging.Format) {
	case "", "text", "json":
	default:
		add("logging.format: must be text or json")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validMode(m string) bool {
	return m == "" || m == "immediate" || m == "batched"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func tierMap(m map[string]int) map[event.Priority]int {
	out := make(map[event.Priority]int, len(m))
	for k, v := range m {
		if p, err := event.ParsePriority(k); err == nil {
			out[p] = v
		}
	}
	return out
}

// QueueConfig returns the queue settings, falling back to the defaults for
// tiers the table leaves out.
func (r *Routing) QueueConfig() queue.Config {
	cfg := queue.DefaultConfig
	capacity := make(map[event.Priority]int, len(queue.DefaultCapacity))
	for p, c := range queue.DefaultCapacity {
		capacity[p] = c
	}
	for p, c := range tierMap(r.Pipeline.QueueCapacity) {
		if c > 0 {
			capacity[p] = c
		}
	}
	cfg.Capacity = capacity
	if r.Pipeline.CriticalOverflow != "" {
		cfg.CriticalOverflow = queue.OverflowPolicy(r.Pipeline.CriticalOverflow)
	}
	return cfg
}

// Workers returns the configured workers per tier. Missing tiers are absent.
func (r *Routing) Workers() map[event.Priority]int {
	return tierMap(r.Pipeline.Workers)
}

// Timeouts returns the configured handler timeout per tier.
func (r *Routing) Timeouts() map[event.Priority]time.Duration {
	out := make(map[event.Priority]time.Duration)
	for p, v := range tierMap(r.Pipeline.TimeoutsMs) {
		if v > 0 {
			out[p] = ms(v)
		}
	}
	return out
}

// DedupWindow returns the default dedup window and whether it was set.
func (r *Routing) DedupWindow() (time.Duration, bool) {
	if r.Pipeline.DedupWindowMs == nil {
		return 0, false
	}
	return ms(*r.Pipeline.DedupWindowMs), true
}

// TuneInterval returns the batch tuning interval, or zero when unset.
func (r *Routing) TuneInterval() time.Duration {
	return ms(r.Pipeline.TuneIntervalMs)
}

// BatchConfig returns the batcher settings with per-tier and per-type
// overrides applied.
func (r *Routing) BatchConfig() batch.Config {
	cfg := batch.DefaultConfig
	tiers := make(map[event.Priority]batch.Limits, len(cfg.Tiers))
	for p, l := range cfg.Tiers {
		tiers[p] = l
	}
	for p, size := range tierMap(r.Pipeline.BatchSize) {
		l := tiers[p]
		if size > 0 {
			l.MaxSize = size
		}
		tiers[p] = l
	}
	for p, v := range tierMap(r.Pipeline.BatchMs) {
		l := tiers[p]
		if v > 0 {
			l.Timeout = ms(v)
		}
		tiers[p] = l
	}
	cfg.Tiers = tiers
	cfg.Overrides = r.BatchOverrides()
	return cfg
}

// BatchOverrides returns the per-type batch limits.
func (r *Routing) BatchOverrides() map[string]batch.Limits {
	out := make(map[string]batch.Limits)
	for name, et := range r.EventTypes {
		if et.Batch == nil {
			continue
		}
		out[name] = batch.Limits{MaxSize: et.Batch.MaxSize, Timeout: ms(et.Batch.TimeoutMs)}
	}
	return out
}

// DedupRules returns the per-type dedup rules.
func (r *Routing) DedupRules() map[string]event.DedupRule {
	out := make(map[string]event.DedupRule)
	for name, et := range r.EventTypes {
		if et.Dedup == nil {
			continue
		}
		rule := event.DedupRule{Window: ms(et.Dedup.WindowMs)}
		if len(et.Dedup.Keys) > 0 {
			rule.Key = event.FieldsKey(et.Dedup.Keys...)
		}
		out[name] = rule
	}
	return out
}

// MonitorConfig returns the mode selector settings.
func (r *Routing) MonitorConfig() monitor.Config {
	cfg := monitor.Config{
		Modes:       make(map[string]batch.Mode),
		DefaultMode: batch.ParseMode(r.Pipeline.DefaultMode),
	}
	for _, name := range sortedKeys(r.EventTypes) {
		et := r.EventTypes[name]
		if et.Mode != "" {
			cfg.Modes[name] = batch.ParseMode(et.Mode)
		}
		if et.UserBlocking {
			cfg.UserBlocking = append(cfg.UserBlocking, name)
		}
		if et.UserFacing {
			cfg.UserFacing = append(cfg.UserFacing, name)
		}
	}
	return cfg
}

// TriggerRules compiles the agent trigger table.
func (r *Routing) TriggerRules() ([]trigger.Rule, error) {
	rules := make([]trigger.Rule, 0, len(r.AgentTriggers))
	for _, agent := range sortedKeys(r.AgentTriggers) {
		tc := r.AgentTriggers[agent]
		prio := event.High
		if tc.Priority != "" {
			p, err := event.ParsePriority(tc.Priority)
			if err != nil {
				return nil, fmt.Errorf("agent_triggers.%s: %w", agent, err)
			}
			prio = p
		}
		rule := trigger.Rule{
			Agent:      agent,
			EventTypes: tc.Events,
			Conditions: tc.Conditions,
			Debounce:   ms(tc.DebounceMs),
			Priority:   prio,
		}
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// DLQQueueConfig returns the dead letter queue settings.
func (r *Routing) DLQQueueConfig() dlq.Config {
	cfg := dlq.DefaultConfig
	if len(r.DLQ.ScheduleMs) > 0 {
		schedule := make([]time.Duration, len(r.DLQ.ScheduleMs))
		for i, v := range r.DLQ.ScheduleMs {
			schedule[i] = ms(v)
		}
		cfg.Schedule = schedule
	}
	if r.DLQ.CircuitOpenDelayMs > 0 {
		cfg.CircuitOpenDelay = ms(r.DLQ.CircuitOpenDelayMs)
	}
	if r.DLQ.LeaseTimeoutMs > 0 {
		cfg.LeaseTimeout = ms(r.DLQ.LeaseTimeoutMs)
	}
	return cfg
}

// DLQProcessorConfig returns the recovery processor settings without a
// policy.
func (r *Routing) DLQProcessorConfig() dlq.ProcessorConfig {
	cfg := dlq.DefaultProcessorConfig
	if r.DLQ.PollIntervalMs > 0 {
		cfg.PollInterval = ms(r.DLQ.PollIntervalMs)
	}
	if r.DLQ.BatchSize > 0 {
		cfg.BatchSize = r.DLQ.BatchSize
	}
	return cfg
}

// PoisonConfig returns the poison detection settings and whether detection
// is enabled.
func (r *Routing) PoisonConfig() (dlq.PoisonConfig, bool) {
	if r.DLQ.Poison.Threshold <= 0 {
		return dlq.PoisonConfig{}, false
	}
	cfg := dlq.DefaultPoisonConfig
	cfg.Threshold = r.DLQ.Poison.Threshold
	if r.DLQ.Poison.WindowMs > 0 {
		cfg.Window = ms(r.DLQ.Poison.WindowMs)
	}
	return cfg, true
}

// ListenAddr returns the control surface address.
func (r *Routing) ListenAddr() string {
	if r.Server.Listen == "" {
		return DefaultListen
	}
	return r.Server.Listen
}

// WatcherConfig returns the file watcher settings. Events carry the
// pipeline's session ID.
func (r *Routing) WatcherConfig() source.WatcherConfig {
	return source.WatcherConfig{
		Roots:     r.Watch.Roots,
		Include:   r.Watch.Include,
		Exclude:   r.Watch.Exclude,
		Debounce:  ms(r.Watch.DebounceMs),
		SessionID: r.Pipeline.SessionID,
	}
}

// ErrNoRouting is returned when no routing file can be found.
var ErrNoRouting = errors.New("no routing file found")

// Discover returns the first routing file found among the candidate paths.
func Discover(candidates ...string) (string, error) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if st, err := os.Stat(c); err == nil && !st.IsDir() {
			return c, nil
		}
	}
	return "", ErrNoRouting
}
