// Package config loads the daemon's configuration from disk into the
// validated job.Job / job.ConcurrencyGroup / Config shape the
// Scheduler consumes. The Scheduler never parses a file itself; it
// only receives the Config this package produces.
//
// Layout and merge order: a base dsari.yaml or dsari.json in the
// config directory, then every *.yaml, *.yml and *.json fragment in
// config.d/ (all .yaml files, then .yml, then .json, each group in
// sorted filename order), each layer overriding keys from the previous
// one.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	"github.com/rfinnie/dsari-go/internal/job"
	"github.com/rfinnie/dsari-go/internal/store"
)

// Config is the core's validated input contract.
type Config struct {
	Jobs              map[string]*job.Job
	ConcurrencyGroups map[string]*job.ConcurrencyGroup
	DataDir           string
	ShutdownKillRuns  bool
	ShutdownKillGrace time.Duration // zero means "not configured"
	Environment       map[string]string
	Database          store.Config
}

// rawConfig mirrors the on-disk schema before job/group name validation
// and cross-referencing; every field is interpreted loosely
// (WeaklyTypedInput) so durations are accepted as either native
// numbers or numeric strings.
type rawConfig struct {
	DataDir           string         `mapstructure:"data_dir" validate:"required"`
	ConfigD           string         `mapstructure:"config_d"`
	ShutdownKillRuns  bool           `mapstructure:"shutdown_kill_runs"`
	ShutdownKillGrace any            `mapstructure:"shutdown_kill_grace"`
	Environment       map[string]any `mapstructure:"environment"`
	Database          rawDatabase    `mapstructure:"database"`

	ConcurrencyGroups map[string]rawGroup `mapstructure:"concurrency_groups"`
	Jobs              map[string]rawJob   `mapstructure:"jobs"`
	JobGroups         map[string]rawJob   `mapstructure:"job_groups"`
}

type rawGroup struct {
	Max int `mapstructure:"max" validate:"omitempty,min=1"`
}

type rawJob struct {
	Command            any            `mapstructure:"command"` // string or []string
	Schedule           string         `mapstructure:"schedule"`
	ScheduleTimezone   string         `mapstructure:"schedule_timezone"`
	MaxExecution       any            `mapstructure:"max_execution"`       // seconds, number or numeric string
	MaxExecutionGrace  any            `mapstructure:"max_execution_grace"` // seconds, default 60
	Environment        map[string]any `mapstructure:"environment"`
	RenderReports      *bool          `mapstructure:"render_reports"`
	CommandAppendRun   bool           `mapstructure:"command_append_run"`
	JenkinsEnvironment bool           `mapstructure:"jenkins_environment"`
	JobGroup           string         `mapstructure:"job_group"`
	ConcurrentRuns     bool           `mapstructure:"concurrent_runs"`
	ConcurrencyGroups  []string       `mapstructure:"concurrency_groups"`

	// job_groups template expansion only: the member job names this
	// template applies to.
	JobNames []string `mapstructure:"job_names"`
}

type rawDatabase struct {
	Type     string `mapstructure:"type"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

var validate = validator.New()

// Load reads dsari.yaml/dsari.json from configDir, deep-merges every
// config.d/*.yaml and config.d/*.json fragment (sorted by filename,
// yaml fragments before json), and decodes and validates the result
// into a Config.
//
// Files are decoded directly rather than through a config framework:
// job names, concurrency-group names and environment variable names are
// case-sensitive map keys, which key-folding loaders would corrupt.
func Load(configDir string) (*Config, error) {
	merged := map[string]any{}
	loaded := false

	for _, name := range []string{"dsari.yaml", "dsari.json"} {
		path := filepath.Join(configDir, name)
		doc, err := loadStructuredFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
		merged = dictMerge(merged, doc)
		loaded = true
	}
	if !loaded {
		return nil, fmt.Errorf("config: no dsari.yaml or dsari.json in %s", configDir)
	}

	configD := filepath.Join(configDir, "config.d")
	if cd, ok := merged["config_d"].(string); ok && cd != "" {
		configD = cd
	}
	if fi, err := os.Stat(configD); err == nil && fi.IsDir() {
		fragments, err := fragmentFiles(configD)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", configD, err)
		}
		for _, f := range fragments {
			doc, err := loadStructuredFile(f)
			if err != nil {
				return nil, fmt.Errorf("config: %s: %w", f, err)
			}
			merged = dictMerge(merged, doc)
		}
	}

	var raw rawConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           &raw,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(merged); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := validate.Struct(raw); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return build(raw)
}

// loadStructuredFile decodes one YAML or JSON config document into a
// string-keyed map.
func loadStructuredFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc any
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return map[string]any{}, nil
	}
	m, ok := normalizeMap(doc)
	if !ok {
		return nil, fmt.Errorf("top level is not a mapping")
	}
	return m, nil
}

// normalizeMap converts a decoded document to map[string]any,
// accommodating YAML's map[any]any for non-string-keyed maps.
func normalizeMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// dictMerge recursively merges src over dst: mappings merge key-wise,
// everything else is replaced.
func dictMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if subSrc, ok := normalizeMap(v); ok {
			if subDst, ok := normalizeMap(out[k]); ok {
				out[k] = dictMerge(subDst, subSrc)
				continue
			}
			out[k] = subSrc
			continue
		}
		out[k] = v
	}
	return out
}

// fragmentFiles returns config.d's *.yaml, *.yml and *.json files (in
// that extension order), each group sorted by filename,
// mirroring ConfigLoader.load_dir's two-pass listdir+sort.
func fragmentFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		var group []string
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
				continue
			}
			group = append(group, filepath.Join(dir, e.Name()))
		}
		sort.Strings(group)
		out = append(out, group...)
	}
	return out, nil
}

func build(raw rawConfig) (*Config, error) {
	cfg := &Config{
		DataDir:           raw.DataDir,
		ShutdownKillRuns:  raw.ShutdownKillRuns,
		ConcurrencyGroups: map[string]*job.ConcurrencyGroup{},
		Jobs:              map[string]*job.Job{},
	}

	if raw.ShutdownKillGrace != nil {
		d, err := toSeconds(raw.ShutdownKillGrace)
		if err != nil {
			return nil, fmt.Errorf("shutdown_kill_grace: %w", err)
		}
		cfg.ShutdownKillGrace = d
	}

	env, err := coerceEnvironment(raw.Environment)
	if err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	cfg.Environment = env

	cfg.Database = store.Config{
		Type:     raw.Database.Type,
		Path:     raw.Database.Path,
		DSN:      raw.Database.DSN,
		Host:     raw.Database.Host,
		Database: raw.Database.Database,
		Username: raw.Database.Username,
		Password: raw.Database.Password,
	}

	for name, g := range raw.ConcurrencyGroups {
		if !job.ValidName(name) {
			return nil, fmt.Errorf("concurrency group %q: invalid name", name)
		}
		max := g.Max
		if max <= 0 {
			max = 1
		}
		cfg.ConcurrencyGroups[name] = &job.ConcurrencyGroup{Name: name, Max: max}
	}

	jobs := raw.Jobs
	if jobs == nil {
		jobs = map[string]rawJob{}
	}
	for groupName, tmpl := range raw.JobGroups {
		if !job.ValidName(groupName) {
			return nil, fmt.Errorf("job group %q: invalid name", groupName)
		}
		if len(tmpl.JobNames) == 0 {
			return nil, fmt.Errorf("job group %q: job_names required", groupName)
		}
		for _, name := range tmpl.JobNames {
			if _, exists := jobs[name]; exists {
				return nil, fmt.Errorf("job group %q: job %q already defined", groupName, name)
			}
			member := tmpl
			member.JobGroup = groupName
			member.JobNames = nil
			jobs[name] = member
		}
	}

	for name, j := range jobs {
		built, err := buildJob(name, j, cfg.ConcurrencyGroups)
		if err != nil {
			return nil, err
		}
		cfg.Jobs[name] = built
	}

	return cfg, nil
}

func buildJob(name string, raw rawJob, groups map[string]*job.ConcurrencyGroup) (*job.Job, error) {
	if !job.ValidName(name) {
		return nil, fmt.Errorf("job %q: invalid name", name)
	}

	command, err := coerceCommand(raw.Command)
	if err != nil {
		return nil, fmt.Errorf("job %q: command: %w", name, err)
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("job %q: command required", name)
	}

	j := job.NewJob(name)
	j.Command = command
	j.Schedule = raw.Schedule
	j.CommandAppendRun = raw.CommandAppendRun
	j.JenkinsEnvironment = raw.JenkinsEnvironment
	j.JobGroup = raw.JobGroup
	j.ConcurrentRuns = raw.ConcurrentRuns
	if raw.RenderReports != nil {
		j.RenderReports = *raw.RenderReports
	}

	if raw.ScheduleTimezone != "" {
		loc, err := time.LoadLocation(raw.ScheduleTimezone)
		if err != nil {
			return nil, fmt.Errorf("job %q: schedule_timezone %q: %w", name, raw.ScheduleTimezone, err)
		}
		j.ScheduleTimezone = loc
	}

	if raw.MaxExecution != nil {
		d, err := toSeconds(raw.MaxExecution)
		if err != nil {
			return nil, fmt.Errorf("job %q: max_execution: %w", name, err)
		}
		j.MaxExecution = d
	}
	if raw.MaxExecutionGrace != nil {
		d, err := toSeconds(raw.MaxExecutionGrace)
		if err != nil {
			return nil, fmt.Errorf("job %q: max_execution_grace: %w", name, err)
		}
		j.MaxExecutionGrace = d
	}

	env, err := coerceEnvironment(raw.Environment)
	if err != nil {
		return nil, fmt.Errorf("job %q: environment: %w", name, err)
	}
	j.Environment = env

	for _, groupName := range raw.ConcurrencyGroups {
		g, ok := groups[groupName]
		if !ok {
			if !job.ValidName(groupName) {
				return nil, fmt.Errorf("job %q: concurrency group %q: invalid name", name, groupName)
			}
			g = &job.ConcurrencyGroup{Name: groupName, Max: 1}
			groups[groupName] = g
		}
		j.ConcurrencyGroups = append(j.ConcurrencyGroups, g)
	}

	return j, nil
}

func coerceCommand(v any) ([]string, error) {
	switch c := v.(type) {
	case nil:
		return nil, nil
	case string:
		fields, err := shlex.Split(c)
		if err != nil {
			return nil, fmt.Errorf("invalid shell syntax: %w", err)
		}
		return fields, nil
	case []string:
		return c, nil
	case []any:
		out := make([]string, 0, len(c))
		for _, item := range c {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("command element %v is not a string", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("command must be a string or a list of strings, got %T", v)
	}
}

func coerceEnvironment(v map[string]any) (map[string]string, error) {
	out := map[string]string{}
	for k, val := range v {
		switch tv := val.(type) {
		case string:
			out[k] = tv
		case float64:
			out[k] = strconv.FormatFloat(tv, 'f', -1, 64)
		case int:
			out[k] = strconv.Itoa(tv)
		case bool:
			out[k] = strconv.FormatBool(tv)
		default:
			return nil, fmt.Errorf("value for %q is not coercible to a string", k)
		}
	}
	return out, nil
}

// toSeconds interprets v (a number or a numeric string, in seconds) as
// a time.Duration.
func toSeconds(v any) (time.Duration, error) {
	switch t := v.(type) {
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case int:
		return time.Duration(t) * time.Second, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", t)
		}
		return time.Duration(f * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}
