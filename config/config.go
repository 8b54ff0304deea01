package config

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/imdea-software/bftsmr/view"
)

type Error struct {
	errs    []error
	field   string
	comment string
}

func (err *Error) Error() string {
	s := ""
	if err.field != "" {
		s = "field: " + err.field + " --"
	}
	for _, err := range err.errs {
		if err != nil {
			if s != "" {
				s += "\n"
			}
			s += "\t" + err.Error()
		}
	}
	if err.comment != "" {
		if s != "" {
			s += "\n"
		}
		s += "\t" + err.comment
	}
	return s
}

func Err(field, comment string, errs ...error) *Error {
	return &Error{
		errs:    errs,
		field:   field,
		comment: comment,
	}
}

const EnvPrefix = "BFTSMR"

type Config struct {
	// this replica
	Id int32
	// tolerated faults
	F int32
	// byzantine (true) or crash (false) fault model
	BFT bool
	// initial view: replica id -> address
	Replicas map[int32]string

	// master secret every pairwise MAC key is derived from
	Secret string
	// directory with the ed25519 keys, derived from Secret when empty
	KeysDir string

	// base timeout of a state request, doubled on every retry
	StateTimeout time.Duration
	// cids beyond lastExec+HighMark are not buffered
	HighMark int32
	// cids beyond lastExec+RevivalHighMark may trigger a state transfer
	RevivalHighMark int32
	// commands per proposed batch
	BatchSize int
	// decided cids whose snapshot and certificate are kept for lagging replicas
	LogRetain int

	LogFile string
	Verbose bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bft", true)
	v.SetDefault("state_timeout", time.Second)
	v.SetDefault("high_mark", 10000)
	v.SetDefault("revival_high_mark", 10)
	v.SetDefault("batch_size", 100)
	v.SetDefault("log_retain", 16)
	v.SetDefault("verbose", false)
}

// Read loads a configuration file. Any key can be overridden by a BFTSMR_
// environment variable, e.g. BFTSMR_ID=2.
func Read(filename string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filename)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading %s", filename)
	}
	return FromViper(v)
}

// FromViper builds a Config from already loaded settings.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	c := &Config{
		Id:              v.GetInt32("id"),
		F:               v.GetInt32("f"),
		BFT:             v.GetBool("bft"),
		Replicas:        make(map[int32]string),
		Secret:          v.GetString("secret"),
		KeysDir:         v.GetString("keys_dir"),
		StateTimeout:    v.GetDuration("state_timeout"),
		HighMark:        v.GetInt32("high_mark"),
		RevivalHighMark: v.GetInt32("revival_high_mark"),
		BatchSize:       v.GetInt("batch_size"),
		LogRetain:       v.GetInt("log_retain"),
		LogFile:         v.GetString("log_file"),
		Verbose:         v.GetBool("verbose"),
	}
	for k, addr := range v.GetStringMapString("replicas") {
		id, err := strconv.ParseInt(k, 10, 32)
		if err != nil {
			return nil, Err("replicas", "replica ids must be integers", err)
		}
		c.Replicas[int32(id)] = addr
	}
	return c, c.Validate()
}

// Validate checks that the replica group can tolerate F faults under the
// configured fault model.
func (c *Config) Validate() error {
	var errs []error
	n := int32(len(c.Replicas))
	if c.F < 0 {
		errs = append(errs, Err("f", "must not be negative"))
	}
	if c.BFT && n < 3*c.F+1 {
		errs = append(errs, Err("replicas", "byzantine mode needs at least 3f+1 replicas, got "+strconv.Itoa(int(n))))
	}
	if !c.BFT && n < 2*c.F+1 {
		errs = append(errs, Err("replicas", "crash mode needs at least 2f+1 replicas, got "+strconv.Itoa(int(n))))
	}
	if _, ok := c.Replicas[c.Id]; !ok {
		errs = append(errs, Err("id", "replica "+strconv.Itoa(int(c.Id))+" is not listed in replicas"))
	}
	if c.Secret == "" {
		errs = append(errs, Err("secret", "Missing argument"))
	}
	if c.StateTimeout <= 0 {
		errs = append(errs, Err("state_timeout", "must be positive"))
	}
	if c.RevivalHighMark <= 0 || c.HighMark < c.RevivalHighMark {
		errs = append(errs, Err("high_mark", "need 0 < revival_high_mark <= high_mark"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, Err("batch_size", "must be positive"))
	}
	if len(errs) > 0 {
		return Err("", "invalid configuration", errs...)
	}
	return nil
}

func (c *Config) IDs() []int32 {
	ids := make([]int32, 0, len(c.Replicas))
	for id := range c.Replicas {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// View returns the initial view, with id 0.
func (c *Config) View() *view.View {
	return view.New(0, c.F, c.Replicas)
}
